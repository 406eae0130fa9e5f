package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookItem struct {
	SubjectType string          `json:"subjectType"`
	SubjectID   string          `json:"subjectId"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

type webhookRequest struct {
	RecipientID string        `json:"recipientId"`
	VesselID    string        `json:"vesselId"`
	DigestType  string        `json:"digestType"`
	GroupID     string        `json:"groupId"`
	Items       []webhookItem `json:"items"`
}

// WebhookMailer posts digests to an HTTP mail-rendering endpoint.
type WebhookMailer struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookMailer(endpoint string) (*WebhookMailer, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookMailerWithClient(endpoint, client)
}

func NewWebhookMailerWithClient(endpoint string, client *resty.Client) (*WebhookMailer, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("mail webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid mail webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookMailer{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (m *WebhookMailer) Send(ctx context.Context, mail DigestMail) (*SendReceipt, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("mailer is not initialized")
	}
	if len(mail.Items) == 0 {
		return nil, fmt.Errorf("digest mail has no items")
	}

	items := make([]webhookItem, 0, len(mail.Items))
	for _, item := range mail.Items {
		items = append(items, webhookItem{
			SubjectType: item.SubjectType,
			SubjectID:   item.SubjectID,
			Snapshot:    item.Snapshot,
			OccurredAt:  item.OccurredAt,
		})
	}

	reqBody := webhookRequest{
		RecipientID: mail.RecipientID,
		VesselID:    mail.VesselID,
		DigestType:  strings.ToLower(mail.DigestType.String()),
		GroupID:     mail.GroupID,
		Items:       items,
	}

	response, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(m.endpoint)
	if err != nil {
		return nil, &MailerError{
			Message:   "mail webhook request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &MailerError{
			Message:   "mail webhook returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendReceipt{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  receiptMessageID(response),
		}, nil
	}

	return nil, &MailerError{
		StatusCode: statusCode,
		Message:    webhookErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func webhookErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("mail webhook returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func receiptMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fleetops/digest-engine/internal/domain"
	"github.com/fleetops/digest-engine/internal/mailer"
	"github.com/fleetops/digest-engine/internal/observability"
	"github.com/fleetops/digest-engine/internal/ratelimit"
	"github.com/fleetops/digest-engine/internal/repository"
	"go.uber.org/zap"
)

// DeliveryService sends one claimed digest and confirms it. The SENT
// transition happens only after the transport reports success; a failed
// send leaves the records GROUPED with no automatic retry, recoverable
// only by manual replay off the logged group id.
type DeliveryService struct {
	records repository.RecordRepository
	mail    mailer.Mailer
	limiter ratelimit.RateLimiter
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

var _ DigestDeliverer = (*DeliveryService)(nil)

func NewDeliveryService(
	records repository.RecordRepository,
	mail mailer.Mailer,
	limiter ratelimit.RateLimiter,
	logger *zap.Logger,
) (*DeliveryService, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if mail == nil {
		return nil, fmt.Errorf("mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryService{
		records: records,
		mail:    mail,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *DeliveryService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *DeliveryService) Deliver(ctx context.Context, digest domain.Digest) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := digest.Validate(); err != nil {
		return err
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("recipientId", digest.RecipientID),
		zap.String("vesselId", digest.VesselID),
		zap.String("digestType", digest.DigestType.String()),
		zap.String("groupId", digest.GroupID),
	)

	bucket := strings.ToLower(digest.DigestType.String())
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, bucket); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	sendStart := s.now()
	receipt, sendErr := s.mail.Send(ctx, mailer.FromDigest(digest))
	s.metrics.ObserveDigestSendDuration(bucket, s.now().Sub(sendStart))

	if sendErr != nil {
		reason := "permanent_error"
		if mailer.IsTransient(sendErr) {
			reason = "transient_error"
		}
		s.metrics.IncDigestFailed(bucket, reason)
		logger.Error("digest send failed, records stay grouped",
			zap.Int("items", len(digest.Records)),
			zap.String("reason", reason),
			zap.Error(sendErr),
		)
		return fmt.Errorf("%w: group %s: %v", domain.ErrDelivery, digest.GroupID, sendErr)
	}

	// Confirm only after the transport accepted the mail. Re-running this
	// for an already-confirmed group updates zero rows and is not an error.
	updated, err := s.records.MarkSent(ctx, digest.GroupID, s.now().UTC())
	if err != nil {
		logger.Error("digest sent but confirmation failed", zap.Error(err))
		return fmt.Errorf("%w: failed to mark group %s sent: %v", domain.ErrStore, digest.GroupID, err)
	}

	s.metrics.IncDigestSent(bucket)

	fields := []zap.Field{zap.Int("items", len(digest.Records)), zap.Int64("confirmed", updated)}
	if receipt != nil && strings.TrimSpace(receipt.MessageID) != "" {
		fields = append(fields, zap.String("messageId", receipt.MessageID))
	}
	logger.Info("digest sent", fields...)

	return nil
}

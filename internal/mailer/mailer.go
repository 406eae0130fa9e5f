package mailer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetops/digest-engine/internal/domain"
)

// Mailer is the outbound digest rendering/transport port. Implementations
// render one digest into a message and transmit it; templating and retry
// policy live behind this boundary, not in the pipeline.
type Mailer interface {
	Send(ctx context.Context, mail DigestMail) (*SendReceipt, error)
}

// DigestMail is everything the mail collaborator needs to render and send
// one digest: the recipient, the vessel, the digest type label, the group
// id for traceability, and the ordered event items.
type DigestMail struct {
	RecipientID string
	VesselID    string
	DigestType  domain.DigestType
	GroupID     string
	Items       []DigestItem
}

// DigestItem carries the display data of one event. The snapshot was taken
// at record creation, so rendering survives later deletion of the subject.
type DigestItem struct {
	SubjectType string
	SubjectID   string
	Snapshot    json.RawMessage
	OccurredAt  time.Time
}

// SendReceipt stores transport call metadata for logging and audit.
type SendReceipt struct {
	StatusCode int
	Body       string
	MessageID  string
}

// FromDigest builds the mail payload from a claimed digest.
func FromDigest(d domain.Digest) DigestMail {
	items := make([]DigestItem, 0, len(d.Records))
	for _, record := range d.Records {
		items = append(items, DigestItem{
			SubjectType: record.SubjectType,
			SubjectID:   record.SubjectID,
			Snapshot:    json.RawMessage(record.SubjectSnapshot),
			OccurredAt:  record.CreatedAt,
		})
	}

	return DigestMail{
		RecipientID: d.RecipientID,
		VesselID:    d.VesselID,
		DigestType:  d.DigestType,
		GroupID:     d.GroupID,
		Items:       items,
	}
}

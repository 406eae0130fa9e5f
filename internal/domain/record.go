package domain

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// State represents the lifecycle state of a notification record.
type State string

const (
	StatePending State = "PENDING"
	StateGrouped State = "GROUPED"
	StateSent    State = "SENT"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StatePending, StateGrouped, StateSent:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving to next.
// Transitions only move forward: PENDING -> GROUPED -> SENT.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateGrouped
	case StateGrouped:
		return next == StateSent
	}
	return false
}

func ParseStateFromString(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid state %q", ErrValidation, s)
	}
	return st, nil
}

// DigestType tags the kind of domain event a record describes. Records of
// the same type for one recipient and vessel are mailed together.
type DigestType string

const (
	DigestTransactionCreated DigestType = "TRANSACTION_CREATED"
	DigestTransactionDeleted DigestType = "TRANSACTION_DELETED"
	DigestVoyageStarted      DigestType = "VOYAGE_STARTED"
	DigestVoyageCompleted    DigestType = "VOYAGE_COMPLETED"
)

func (d DigestType) String() string { return string(d) }

func (d DigestType) IsValid() bool {
	switch d {
	case DigestTransactionCreated, DigestTransactionDeleted, DigestVoyageStarted, DigestVoyageCompleted:
		return true
	}
	return false
}

func ParseDigestTypeFromString(s string) (DigestType, error) {
	dt := DigestType(strings.ToUpper(strings.TrimSpace(s)))
	if !dt.IsValid() {
		return "", fmt.Errorf("%w: invalid digest type %q", ErrValidation, s)
	}
	return dt, nil
}

// MaxDigestItems caps how many records enter a single digest mail. Records
// beyond the cap stay PENDING for a later aggregation pass.
const MaxDigestItems = 3

// Reference windows for the pipeline.
const (
	DefaultDebounceWindow = 2 * time.Minute
	DefaultGroupingWindow = 5 * time.Minute
)

// NotificationRecord is one fact that "recipient R should be told about
// event E on vessel V". Created once, then mutated exactly twice: the
// PENDING -> GROUPED claim and the GROUPED -> SENT confirmation. Never
// deleted by the pipeline.
type NotificationRecord struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	RecipientID     string         `gorm:"type:varchar(36);not null"`
	VesselID        string         `gorm:"type:varchar(36);not null"`
	DigestType      DigestType     `gorm:"type:varchar(32);not null"`
	SubjectType     string         `gorm:"type:varchar(64);not null"`
	SubjectID       string         `gorm:"type:varchar(36);not null"`
	SubjectSnapshot datatypes.JSON `gorm:"type:jsonb"`
	ActorID         string         `gorm:"type:varchar(36);not null"`
	State           State          `gorm:"type:varchar(16);not null"`
	GroupID         *string        `gorm:"type:varchar(128)"`
	GroupedAt       *time.Time
	SentAt          *time.Time
	CreatedAt       time.Time
}

func (r *NotificationRecord) Validate() error {
	if strings.TrimSpace(r.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if strings.TrimSpace(r.VesselID) == "" {
		return fmt.Errorf("%w: vessel id is required", ErrValidation)
	}
	if !r.DigestType.IsValid() {
		return fmt.Errorf("%w: invalid digest type %q", ErrValidation, r.DigestType)
	}
	if strings.TrimSpace(r.SubjectType) == "" {
		return fmt.Errorf("%w: subject type is required", ErrValidation)
	}
	if strings.TrimSpace(r.SubjectID) == "" {
		return fmt.Errorf("%w: subject id is required", ErrValidation)
	}
	if !r.State.IsValid() {
		return fmt.Errorf("%w: invalid state %q", ErrValidation, r.State)
	}
	if r.RecipientID == r.ActorID {
		return fmt.Errorf("%w: recipient must not be the acting user", ErrValidation)
	}
	if (r.GroupID == nil) != (r.State == StatePending) {
		return fmt.Errorf("%w: group id must be set exactly when the record leaves PENDING", ErrValidation)
	}
	if (r.SentAt != nil) != (r.State == StateSent) {
		return fmt.Errorf("%w: sent_at must be set exactly when state is SENT", ErrValidation)
	}
	return nil
}

// Digest is one claimed batch of same-type records for a recipient, mailed
// as a single message. Records are ordered oldest first.
type Digest struct {
	RecipientID string
	VesselID    string
	DigestType  DigestType
	GroupID     string
	Records     []NotificationRecord
}

func (d *Digest) Validate() error {
	if strings.TrimSpace(d.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if strings.TrimSpace(d.VesselID) == "" {
		return fmt.Errorf("%w: vessel id is required", ErrValidation)
	}
	if !d.DigestType.IsValid() {
		return fmt.Errorf("%w: invalid digest type %q", ErrValidation, d.DigestType)
	}
	if strings.TrimSpace(d.GroupID) == "" {
		return fmt.Errorf("%w: group id is required", ErrValidation)
	}
	if len(d.Records) == 0 {
		return fmt.Errorf("%w: digest must contain at least one record", ErrValidation)
	}
	if len(d.Records) > MaxDigestItems {
		return fmt.Errorf("%w: digest exceeds %d items (got %d)", ErrValidation, MaxDigestItems, len(d.Records))
	}
	return nil
}

package repository

import (
	"time"

	"github.com/fleetops/digest-engine/internal/domain"
	"gorm.io/datatypes"
)

// RecordModel is the persistence model for the notification_records table.
type RecordModel struct {
	ID              string            `gorm:"type:uuid;primaryKey"`
	RecipientID     string            `gorm:"type:varchar(36);not null"`
	VesselID        string            `gorm:"type:varchar(36);not null"`
	DigestType      domain.DigestType `gorm:"type:varchar(32);not null"`
	SubjectType     string            `gorm:"type:varchar(64);not null"`
	SubjectID       string            `gorm:"type:varchar(36);not null"`
	SubjectSnapshot datatypes.JSON    `gorm:"type:jsonb"`
	ActorID         string            `gorm:"type:varchar(36);not null"`
	State           domain.State      `gorm:"type:varchar(16);not null"`
	GroupID         *string           `gorm:"type:varchar(128)"`
	GroupedAt       *time.Time
	SentAt          *time.Time
	CreatedAt       time.Time
}

func (RecordModel) TableName() string {
	return "notification_records"
}

func recordModelFromDomain(r *domain.NotificationRecord) *RecordModel {
	if r == nil {
		return nil
	}

	return &RecordModel{
		ID:              r.ID,
		RecipientID:     r.RecipientID,
		VesselID:        r.VesselID,
		DigestType:      r.DigestType,
		SubjectType:     r.SubjectType,
		SubjectID:       r.SubjectID,
		SubjectSnapshot: r.SubjectSnapshot,
		ActorID:         r.ActorID,
		State:           r.State,
		GroupID:         r.GroupID,
		GroupedAt:       r.GroupedAt,
		SentAt:          r.SentAt,
		CreatedAt:       r.CreatedAt,
	}
}

func recordModelToDomain(m *RecordModel) *domain.NotificationRecord {
	if m == nil {
		return nil
	}

	return &domain.NotificationRecord{
		ID:              m.ID,
		RecipientID:     m.RecipientID,
		VesselID:        m.VesselID,
		DigestType:      m.DigestType,
		SubjectType:     m.SubjectType,
		SubjectID:       m.SubjectID,
		SubjectSnapshot: m.SubjectSnapshot,
		ActorID:         m.ActorID,
		State:           m.State,
		GroupID:         m.GroupID,
		GroupedAt:       m.GroupedAt,
		SentAt:          m.SentAt,
		CreatedAt:       m.CreatedAt,
	}
}

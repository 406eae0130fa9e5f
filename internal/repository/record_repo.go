package repository

import (
	"context"
	"time"

	"github.com/fleetops/digest-engine/internal/domain"
	"gorm.io/gorm"
)

// StuckGroup summarizes a claimed group whose send never succeeded.
type StuckGroup struct {
	GroupID     string            `gorm:"column:group_id"`
	RecipientID string            `gorm:"column:recipient_id"`
	VesselID    string            `gorm:"column:vessel_id"`
	DigestType  domain.DigestType `gorm:"column:digest_type"`
	Count       int               `gorm:"column:count"`
	GroupedAt   time.Time         `gorm:"column:grouped_at"`
}

type RecordRepository interface {
	Create(ctx context.Context, r *domain.NotificationRecord) error
	// ListPending returns a recipient's PENDING records for a vessel created
	// at or after since, oldest first.
	ListPending(ctx context.Context, recipientID, vesselID string, since time.Time) ([]domain.NotificationRecord, error)
	// ClaimGroup atomically transitions the given records from PENDING to
	// GROUPED, stamping them with groupID. Records already claimed by a
	// concurrent run are left untouched; only the rows this call actually
	// won are returned, oldest first.
	ClaimGroup(ctx context.Context, ids []string, groupID string, groupedAt time.Time) ([]domain.NotificationRecord, error)
	// MarkSent transitions every GROUPED record of a group to SENT. Calling
	// it again for the same group affects zero rows and returns no error.
	MarkSent(ctx context.Context, groupID string, sentAt time.Time) (int64, error)
	VesselsWithStalePending(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
	ListStuckGroups(ctx context.Context, olderThan time.Time, limit int) ([]StuckGroup, error)
}

type GormRecordRepo struct {
	db *gorm.DB
}

func NewGormRecordRepo(db *gorm.DB) *GormRecordRepo {
	return &GormRecordRepo{db: db}
}

func (r *GormRecordRepo) Create(ctx context.Context, record *domain.NotificationRecord) error {
	model := recordModelFromDomain(record)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if record != nil {
		*record = *recordModelToDomain(model)
	}
	return nil
}

func (r *GormRecordRepo) ListPending(
	ctx context.Context,
	recipientID, vesselID string,
	since time.Time,
) ([]domain.NotificationRecord, error) {
	var models []RecordModel
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND vessel_id = ? AND state = ? AND created_at >= ?",
			recipientID, vesselID, domain.StatePending, since).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormRecordRepo) ClaimGroup(
	ctx context.Context,
	ids []string,
	groupID string,
	groupedAt time.Time,
) ([]domain.NotificationRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	// The state guard makes the claim exclusive: a row already taken by a
	// concurrent run no longer matches and keeps its original group id.
	result := r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("id IN ? AND state = ?", ids, domain.StatePending).
		Updates(map[string]any{
			"state":      domain.StateGrouped,
			"group_id":   groupID,
			"grouped_at": groupedAt,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	var models []RecordModel
	err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormRecordRepo) MarkSent(ctx context.Context, groupID string, sentAt time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("group_id = ? AND state = ?", groupID, domain.StateGrouped).
		Updates(map[string]any{
			"state":   domain.StateSent,
			"sent_at": sentAt,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormRecordRepo) VesselsWithStalePending(
	ctx context.Context,
	olderThan time.Time,
	limit int,
) ([]string, error) {
	var vesselIDs []string
	err := r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Distinct("vessel_id").
		Where("state = ? AND created_at < ?", domain.StatePending, olderThan).
		Limit(limit).
		Pluck("vessel_id", &vesselIDs).Error
	if err != nil {
		return nil, err
	}
	return vesselIDs, nil
}

func (r *GormRecordRepo) ListStuckGroups(
	ctx context.Context,
	olderThan time.Time,
	limit int,
) ([]StuckGroup, error) {
	var groups []StuckGroup
	err := r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Select("group_id, recipient_id, vessel_id, digest_type, COUNT(*) as count, MIN(grouped_at) as grouped_at").
		Where("state = ? AND grouped_at < ?", domain.StateGrouped, olderThan).
		Group("group_id, recipient_id, vessel_id, digest_type").
		Order("grouped_at ASC").
		Limit(limit).
		Scan(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

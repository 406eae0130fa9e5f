package directory

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// AccessTierElevated marks users who receive operational notifications.
const AccessTierElevated = "ELEVATED"

// Directory resolves which users are entitled to notifications for a
// vessel: an active role assignment, notifications opted in, elevated
// access tier, and never the acting user itself.
type Directory interface {
	EligibleRecipients(ctx context.Context, vesselID, excludeUserID string) ([]string, error)
}

// UserModel maps the externally owned users table. Read-only here.
type UserModel struct {
	ID          string `gorm:"type:varchar(36);primaryKey"`
	NotifyOptIn bool   `gorm:"not null"`
	AccessTier  string `gorm:"type:varchar(16);not null"`
	CreatedAt   time.Time
}

func (UserModel) TableName() string {
	return "users"
}

// VesselAssignmentModel maps the externally owned vessel_assignments table.
type VesselAssignmentModel struct {
	ID       string `gorm:"type:varchar(36);primaryKey"`
	UserID   string `gorm:"type:varchar(36);not null"`
	VesselID string `gorm:"type:varchar(36);not null"`
	Active   bool   `gorm:"not null"`
}

func (VesselAssignmentModel) TableName() string {
	return "vessel_assignments"
}

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) EligibleRecipients(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
	var userIDs []string
	err := d.db.WithContext(ctx).
		Model(&UserModel{}).
		Joins("JOIN vessel_assignments ON vessel_assignments.user_id = users.id").
		Where("vessel_assignments.vessel_id = ? AND vessel_assignments.active = ?", vesselID, true).
		Where("users.notify_opt_in = ? AND users.access_tier = ?", true, AccessTierElevated).
		Where("users.id <> ?", excludeUserID).
		Distinct().
		Pluck("users.id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

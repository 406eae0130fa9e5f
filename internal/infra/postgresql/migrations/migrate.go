package migrations

import (
	"github.com/fleetops/digest-engine/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrate owns only the pipeline's own table. The users and
// vessel_assignments tables read by the identity directory belong to the
// core application and are not managed here.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notification_records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.RecordModel{}); err != nil {
					return err
				}
				indexes := []string{
					// Backs the aggregator's pending selection.
					`CREATE INDEX IF NOT EXISTS idx_records_recipient_vessel_state_created ON notification_records (recipient_id, vessel_id, state, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_records_group_id ON notification_records (group_id) WHERE group_id IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_records_stale_pending ON notification_records (created_at) WHERE state = 'PENDING'`,
					`CREATE INDEX IF NOT EXISTS idx_records_stuck_grouped ON notification_records (grouped_at) WHERE state = 'GROUPED'`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.RecordModel{})
			},
		},
	})

	return m.Migrate()
}

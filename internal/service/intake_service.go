package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetops/digest-engine/internal/directory"
	"github.com/fleetops/digest-engine/internal/domain"
	"github.com/fleetops/digest-engine/internal/observability"
	"github.com/fleetops/digest-engine/internal/queue"
	"github.com/fleetops/digest-engine/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// EventInput describes one notifiable domain event.
type EventInput struct {
	Type        domain.DigestType
	SubjectType string
	SubjectID   string
	VesselID    string
	ActorID     string
	Snapshot    json.RawMessage
}

func (e EventInput) validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: invalid digest type %q", domain.ErrValidation, e.Type)
	}
	if strings.TrimSpace(e.SubjectType) == "" {
		return fmt.Errorf("%w: subject type is required", domain.ErrValidation)
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		return fmt.Errorf("%w: subject id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(e.VesselID) == "" {
		return fmt.Errorf("%w: vessel id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(e.ActorID) == "" {
		return fmt.Errorf("%w: actor id is required", domain.ErrValidation)
	}
	return nil
}

// IntakeService turns a domain event into pending notification records and
// schedules one debounced aggregation pass for the vessel.
type IntakeService struct {
	records   repository.RecordRepository
	directory directory.Directory
	publisher queue.DelayPublisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	debounce  time.Duration
	now       func() time.Time
	newID     func() string
}

func NewIntakeService(
	records repository.RecordRepository,
	dir directory.Directory,
	publisher queue.DelayPublisher,
	debounce time.Duration,
	logger *zap.Logger,
) (*IntakeService, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if dir == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if debounce <= 0 {
		debounce = domain.DefaultDebounceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IntakeService{
		records:   records,
		directory: dir,
		publisher: publisher,
		logger:    logger,
		debounce:  debounce,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (s *IntakeService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// RecordEvent resolves the eligible recipients, inserts one PENDING record
// per recipient, and schedules exactly one delayed aggregation task for the
// vessel. Each insert is an independent unit of work: a failed insert is
// logged and skipped, the rest proceed. The returned error carries a kind
// (ErrValidation, ErrRecipientResolution, ErrStore) callers can assert on.
func (s *IntakeService) RecordEvent(ctx context.Context, input EventInput) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := input.validate(); err != nil {
		return err
	}

	logger := observability.WithContextLogger(s.logger, ctx)

	recipients, err := s.directory.EligibleRecipients(ctx, input.VesselID, input.ActorID)
	if err != nil {
		return fmt.Errorf("%w: vessel %s: %v", domain.ErrRecipientResolution, input.VesselID, err)
	}

	createdAt := s.now().UTC()
	failed := 0
	for _, recipientID := range recipients {
		record := &domain.NotificationRecord{
			ID:              s.newID(),
			RecipientID:     recipientID,
			VesselID:        input.VesselID,
			DigestType:      input.Type,
			SubjectType:     input.SubjectType,
			SubjectID:       input.SubjectID,
			SubjectSnapshot: datatypes.JSON(input.Snapshot),
			ActorID:         input.ActorID,
			State:           domain.StatePending,
			CreatedAt:       createdAt,
		}
		if err := record.Validate(); err != nil {
			failed++
			logger.Error("skipping invalid notification record",
				zap.String("recipientId", recipientID),
				zap.String("vesselId", input.VesselID),
				zap.Error(err),
			)
			continue
		}
		if err := s.records.Create(ctx, record); err != nil {
			failed++
			logger.Error("failed to create notification record",
				zap.String("recipientId", recipientID),
				zap.String("vesselId", input.VesselID),
				zap.String("digestType", input.Type.String()),
				zap.Error(err),
			)
			continue
		}
		s.metrics.IncRecordCreated(input.Type.String())
	}

	// One debounced task per intake call, whatever the recipient count.
	// The task is idempotent, so scheduling with zero inserts is harmless.
	task := queue.AggregationTask{VesselID: input.VesselID}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		task.CorrelationID = correlationID
	}
	if err := s.publisher.PublishDelayed(ctx, task, s.debounce); err != nil {
		return fmt.Errorf("failed to schedule aggregation for vessel %s: %w", input.VesselID, err)
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d/%d record inserts failed for vessel %s",
			domain.ErrStore, failed, len(recipients), input.VesselID)
	}

	return nil
}

// Notify is the request-path entry point. It absorbs every failure:
// notification is a best-effort side channel and must never fail the
// business operation that raised the event.
func (s *IntakeService) Notify(ctx context.Context, input EventInput) {
	if err := s.RecordEvent(ctx, input); err != nil {
		observability.WithContextLogger(s.logger, ctx).Error("event intake failed",
			zap.String("digestType", input.Type.String()),
			zap.String("subjectType", input.SubjectType),
			zap.String("subjectId", input.SubjectID),
			zap.String("vesselId", input.VesselID),
			zap.Error(err),
		)
	}
}

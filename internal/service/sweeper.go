package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetops/digest-engine/internal/observability"
	"github.com/fleetops/digest-engine/internal/queue"
	"github.com/fleetops/digest-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSweepScanLimit = 100
	defaultStaleAfter     = 15 * time.Minute
)

// Sweeper is the safety net for the pipeline's two known dead ends: PENDING
// records on a vessel that never sees another event (no debounce trigger
// ever fires again), and GROUPED records whose send failed (never retried).
// It re-enqueues an immediate aggregation task for the former and only
// *surfaces* the latter; it never mutates record state itself. Disabled
// unless an interval is configured, which preserves the reference behavior.
type Sweeper struct {
	records    repository.RecordRepository
	publisher  queue.DelayPublisher
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewSweeper(
	records repository.RecordRepository,
	publisher queue.DelayPublisher,
	interval time.Duration,
	staleAfter time.Duration,
	logger *zap.Logger,
) (*Sweeper, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		records:    records,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      defaultSweepScanLimit,
		now:        time.Now,
	}, nil
}

func (s *Sweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *Sweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.interval <= 0 {
		s.logger.Info("sweeper disabled, stale records will wait for the next vessel event")
		return nil
	}

	if err := s.scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweeper initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("sweeper scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) scan(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.staleAfter)

	vessels, err := s.records.VesselsWithStalePending(ctx, cutoff, s.limit)
	if err != nil {
		return fmt.Errorf("failed to scan stale pending records: %w", err)
	}
	s.metrics.SetStalePendingVessels(len(vessels))

	for _, vesselID := range vessels {
		task := queue.AggregationTask{VesselID: vesselID}
		if err := s.publisher.PublishDelayed(ctx, task, 0); err != nil {
			s.logger.Error("failed to re-enqueue aggregation for stale vessel",
				zap.String("vesselId", vesselID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("re-enqueued aggregation for stale pending records",
			zap.String("vesselId", vesselID),
		)
	}

	stuck, err := s.records.ListStuckGroups(ctx, cutoff, s.limit)
	if err != nil {
		return fmt.Errorf("failed to scan stuck groups: %w", err)
	}
	s.metrics.SetStuckGroups(len(stuck))

	for _, group := range stuck {
		s.logger.Warn("digest group stuck in GROUPED, manual replay required",
			zap.String("groupId", group.GroupID),
			zap.String("recipientId", group.RecipientID),
			zap.String("vesselId", group.VesselID),
			zap.String("digestType", group.DigestType.String()),
			zap.Int("records", group.Count),
			zap.Time("groupedAt", group.GroupedAt),
		)
	}

	return nil
}

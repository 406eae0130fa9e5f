package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetops/digest-engine/internal/directory"
	"github.com/fleetops/digest-engine/internal/domain"
	"github.com/fleetops/digest-engine/internal/observability"
	"github.com/fleetops/digest-engine/internal/queue"
	"github.com/fleetops/digest-engine/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// DigestDeliverer hands one claimed digest to the mail transport and
// confirms the send in the record store.
type DigestDeliverer interface {
	Deliver(ctx context.Context, digest domain.Digest) error
}

// AggregatorService executes debounced aggregation tasks. For each eligible
// recipient of the vessel it claims pending records into capped digests and
// hands them to delivery. Any number of these workers may run in parallel,
// including over the same vessel: the conditional claim in the repository
// guarantees every record is claimed by at most one run.
type AggregatorService struct {
	records        repository.RecordRepository
	directory      directory.Directory
	delivery       DigestDeliverer
	consumer       queue.Consumer
	logger         *zap.Logger
	metrics        *observability.Metrics
	concurrency    int
	groupingWindow time.Duration
	maxDigestItems int
	now            func() time.Time
	newGroupID     func(recipientID, vesselID string, now time.Time) string
}

func NewAggregatorService(
	records repository.RecordRepository,
	dir directory.Directory,
	delivery DigestDeliverer,
	consumer queue.Consumer,
	groupingWindow time.Duration,
	concurrency int,
	logger *zap.Logger,
) (*AggregatorService, error) {
	if records == nil {
		return nil, fmt.Errorf("record repository is required")
	}
	if dir == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if delivery == nil {
		return nil, fmt.Errorf("delivery is required")
	}
	if groupingWindow <= 0 {
		groupingWindow = domain.DefaultGroupingWindow
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AggregatorService{
		records:        records,
		directory:      dir,
		delivery:       delivery,
		consumer:       consumer,
		logger:         logger,
		concurrency:    concurrency,
		groupingWindow: groupingWindow,
		maxDigestItems: domain.MaxDigestItems,
		now:            time.Now,
		newGroupID:     defaultGroupID,
	}, nil
}

func (s *AggregatorService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the aggregate queue until context cancellation.
func (s *AggregatorService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("aggregation worker started", zap.Int("workerId", workerID))

			err := s.consumer.Consume(groupCtx, queue.AggregateQueueName, s.processTask)
			if err != nil {
				s.logger.Error("aggregation worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("aggregation worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

// processTask is one aggregation pass for a vessel. A returned error nacks
// the task for redelivery; per-recipient failures are isolated and logged
// instead so one recipient cannot poison the pass for the others.
func (s *AggregatorService) processTask(ctx context.Context, task queue.AggregationTask) error {
	if task.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, task.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("vesselId", task.VesselID))

	s.metrics.IncAggregationRun()
	s.metrics.IncWorkerInFlight()
	defer s.metrics.DecWorkerInFlight()

	// Eligibility is re-evaluated at execution time: a recipient who lost
	// access since intake is skipped even though their records exist.
	recipients, err := s.directory.EligibleRecipients(ctx, task.VesselID, "")
	if err != nil {
		logger.Error("failed to resolve recipients for aggregation", zap.Error(err))
		return fmt.Errorf("%w: vessel %s: %v", domain.ErrRecipientResolution, task.VesselID, err)
	}

	for _, recipientID := range recipients {
		if err := s.aggregateRecipient(ctx, task.VesselID, recipientID); err != nil {
			logger.Error("recipient aggregation failed",
				zap.String("recipientId", recipientID),
				zap.Error(err),
			)
			continue
		}
	}

	return nil
}

func (s *AggregatorService) aggregateRecipient(ctx context.Context, vesselID, recipientID string) error {
	now := s.now().UTC()
	since := now.Add(-s.groupingWindow)

	pending, err := s.records.ListPending(ctx, recipientID, vesselID, since)
	if err != nil {
		return fmt.Errorf("%w: failed to list pending records: %v", domain.ErrStore, err)
	}
	if len(pending) == 0 {
		return nil
	}

	for _, partition := range partitionByDigestType(pending) {
		s.claimAndDeliver(ctx, vesselID, recipientID, partition)
	}

	return nil
}

// claimAndDeliver claims the oldest records of one digest-type partition,
// up to the cap, and hands the resulting digest to delivery. Failures are
// terminal for this pass: the claim is never rolled back and a failed send
// leaves the records GROUPED.
func (s *AggregatorService) claimAndDeliver(
	ctx context.Context,
	vesselID, recipientID string,
	partition []domain.NotificationRecord,
) {
	logger := observability.WithContextLogger(s.logger, ctx)

	digestType := partition[0].DigestType
	capped := partition
	if len(capped) > s.maxDigestItems {
		capped = capped[:s.maxDigestItems]
	}

	ids := make([]string, 0, len(capped))
	for _, record := range capped {
		ids = append(ids, record.ID)
	}

	now := s.now().UTC()
	groupID := s.newGroupID(recipientID, vesselID, now)

	claimed, err := s.records.ClaimGroup(ctx, ids, groupID, now)
	if err != nil {
		logger.Error("failed to claim records",
			zap.String("recipientId", recipientID),
			zap.String("vesselId", vesselID),
			zap.String("digestType", digestType.String()),
			zap.Error(err),
		)
		return
	}
	if len(claimed) == 0 {
		// A concurrent run for the same vessel won the race. Nothing to do.
		return
	}

	s.metrics.AddRecordsClaimed(digestType.String(), len(claimed))

	digest := domain.Digest{
		RecipientID: recipientID,
		VesselID:    vesselID,
		DigestType:  digestType,
		GroupID:     groupID,
		Records:     claimed,
	}

	if err := s.delivery.Deliver(ctx, digest); err != nil {
		logger.Error("digest delivery failed",
			zap.String("recipientId", recipientID),
			zap.String("vesselId", vesselID),
			zap.String("digestType", digestType.String()),
			zap.String("groupId", groupID),
			zap.Error(err),
		)
	}
}

// partitionByDigestType splits an oldest-first selection into per-type
// partitions, each still oldest first, ordered by first appearance.
func partitionByDigestType(records []domain.NotificationRecord) [][]domain.NotificationRecord {
	byType := make(map[domain.DigestType]int)
	partitions := make([][]domain.NotificationRecord, 0, 4)

	for _, record := range records {
		idx, ok := byType[record.DigestType]
		if !ok {
			idx = len(partitions)
			byType[record.DigestType] = idx
			partitions = append(partitions, nil)
		}
		partitions[idx] = append(partitions[idx], record)
	}

	return partitions
}

// defaultGroupID builds a unique, human-traceable group identifier.
func defaultGroupID(recipientID, vesselID string, now time.Time) string {
	return fmt.Sprintf("dg-%s-%s-%s-%s",
		now.UTC().Format("20060102T150405Z"),
		recipientID,
		vesselID,
		uuid.NewString()[:8],
	)
}

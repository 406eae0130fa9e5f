package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetops/digest-engine/internal/domain"
	"github.com/fleetops/digest-engine/internal/queue"
	"github.com/fleetops/digest-engine/internal/repository"
)

func TestSweeperReenqueuesStaleVessels(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	repo := &fakeRecordRepo{
		vesselsWithStalePendingFn: func(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
			want := now.Add(-15 * time.Minute)
			if !olderThan.Equal(want) {
				t.Fatalf("stale cutoff = %s, want %s", olderThan, want)
			}
			return []string{"vessel-1", "vessel-2"}, nil
		},
	}

	var enqueued []string
	publisher := &fakeDelayPublisher{
		publishDelayedFn: func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
			if delay != 0 {
				t.Fatalf("delay = %s, want immediate re-enqueue", delay)
			}
			enqueued = append(enqueued, task.VesselID)
			return nil
		},
	}

	sweeper, err := NewSweeper(repo, publisher, time.Minute, 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	sweeper.now = func() time.Time { return now }

	if err := sweeper.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	if len(enqueued) != 2 || enqueued[0] != "vessel-1" || enqueued[1] != "vessel-2" {
		t.Fatalf("enqueued vessels = %v, want [vessel-1 vessel-2]", enqueued)
	}
}

func TestSweeperPublishFailureDoesNotStopScan(t *testing.T) {
	t.Parallel()

	repo := &fakeRecordRepo{
		vesselsWithStalePendingFn: func(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
			return []string{"vessel-1", "vessel-2"}, nil
		},
	}

	var enqueued []string
	publisher := &fakeDelayPublisher{
		publishDelayedFn: func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
			if task.VesselID == "vessel-1" {
				return errors.New("broker unavailable")
			}
			enqueued = append(enqueued, task.VesselID)
			return nil
		},
	}

	sweeper, err := NewSweeper(repo, publisher, time.Minute, 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}

	if err := sweeper.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if len(enqueued) != 1 || enqueued[0] != "vessel-2" {
		t.Fatalf("enqueued vessels = %v, want [vessel-2]", enqueued)
	}
}

func TestSweeperSurfacesStuckGroupsWithoutMutating(t *testing.T) {
	t.Parallel()

	listed := false
	repo := &fakeRecordRepo{
		listStuckGroupsFn: func(ctx context.Context, olderThan time.Time, limit int) ([]repository.StuckGroup, error) {
			listed = true
			return []repository.StuckGroup{
				{
					GroupID:     "dg-20260828T110000Z-user-a-vessel-1-abcd1234",
					RecipientID: "user-a",
					VesselID:    "vessel-1",
					DigestType:  domain.DigestVoyageStarted,
					Count:       3,
					GroupedAt:   time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC),
				},
			}, nil
		},
		markSentFn: func(ctx context.Context, groupID string, sentAt time.Time) (int64, error) {
			t.Fatal("the sweeper must never mutate record state")
			return 0, nil
		},
		claimGroupFn: func(ctx context.Context, ids []string, groupID string, groupedAt time.Time) ([]domain.NotificationRecord, error) {
			t.Fatal("the sweeper must never mutate record state")
			return nil, nil
		},
	}

	sweeper, err := NewSweeper(repo, &fakeDelayPublisher{}, time.Minute, 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}

	if err := sweeper.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if !listed {
		t.Fatal("expected stuck groups to be scanned")
	}
}

func TestSweeperScanErrorPropagates(t *testing.T) {
	t.Parallel()

	repo := &fakeRecordRepo{
		vesselsWithStalePendingFn: func(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
			return nil, errors.New("query failed")
		},
	}

	sweeper, err := NewSweeper(repo, &fakeDelayPublisher{}, time.Minute, 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}

	if err := sweeper.scan(context.Background()); err == nil {
		t.Fatal("scan() expected error, got nil")
	}
}

func TestSweeperDisabledWithoutInterval(t *testing.T) {
	t.Parallel()

	repo := &fakeRecordRepo{
		vesselsWithStalePendingFn: func(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
			t.Fatal("a disabled sweeper must not scan")
			return nil, nil
		},
	}

	sweeper, err := NewSweeper(repo, &fakeDelayPublisher{}, 0, 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}

	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want immediate nil return when disabled", err)
	}
}

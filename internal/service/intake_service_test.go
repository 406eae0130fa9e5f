package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fleetops/digest-engine/internal/domain"
	"github.com/fleetops/digest-engine/internal/observability"
	"github.com/fleetops/digest-engine/internal/queue"
	"github.com/fleetops/digest-engine/internal/repository"
)

func validEventInput() EventInput {
	return EventInput{
		Type:        domain.DigestTransactionCreated,
		SubjectType: "transaction",
		SubjectID:   "tx-1",
		VesselID:    "vessel-1",
		ActorID:     "actor-1",
		Snapshot:    json.RawMessage(`{"amount":120}`),
	}
}

func TestIntakeRecordEventCreatesOneRecordPerRecipient(t *testing.T) {
	t.Parallel()

	var created []*domain.NotificationRecord
	repo := &fakeRecordRepo{
		createFn: func(ctx context.Context, r *domain.NotificationRecord) error {
			created = append(created, r)
			return nil
		},
	}

	dir := &fakeDirectory{
		eligibleRecipientsFn: func(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
			if vesselID != "vessel-1" {
				t.Fatalf("vessel id = %s, want vessel-1", vesselID)
			}
			if excludeUserID != "actor-1" {
				t.Fatalf("exclude user id = %s, want actor-1", excludeUserID)
			}
			return []string{"user-a", "user-b", "user-c"}, nil
		},
	}

	publishCalls := 0
	publisher := &fakeDelayPublisher{
		publishDelayedFn: func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
			publishCalls++
			if task.VesselID != "vessel-1" {
				t.Fatalf("task vessel id = %s, want vessel-1", task.VesselID)
			}
			if delay != 2*time.Minute {
				t.Fatalf("delay = %s, want 2m", delay)
			}
			return nil
		},
	}

	svc, err := NewIntakeService(repo, dir, publisher, 2*time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIntakeService() error = %v", err)
	}

	if err := svc.RecordEvent(context.Background(), validEventInput()); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	if len(created) != 3 {
		t.Fatalf("created records = %d, want 3", len(created))
	}
	for _, record := range created {
		if record.State != domain.StatePending {
			t.Fatalf("record state = %s, want PENDING", record.State)
		}
		if record.ID == "" {
			t.Fatal("record id should be generated")
		}
		if record.ActorID != "actor-1" {
			t.Fatalf("actor id = %s, want actor-1", record.ActorID)
		}
	}
	if publishCalls != 1 {
		t.Fatalf("publish calls = %d, want exactly 1 per event", publishCalls)
	}
}

func TestIntakeRecordEventPropagatesCorrelationID(t *testing.T) {
	t.Parallel()

	var taskCorrelation string
	publisher := &fakeDelayPublisher{
		publishDelayedFn: func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
			taskCorrelation = task.CorrelationID
			return nil
		},
	}

	svc, err := NewIntakeService(&fakeRecordRepo{}, singleRecipientDirectory("user-a"), publisher, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIntakeService() error = %v", err)
	}

	ctx := observability.WithCorrelationID(context.Background(), "corr-42")
	if err := svc.RecordEvent(ctx, validEventInput()); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	if taskCorrelation != "corr-42" {
		t.Fatalf("task correlation id = %q, want corr-42", taskCorrelation)
	}
}

func TestIntakeRecordEventValidation(t *testing.T) {
	t.Parallel()

	svc, err := NewIntakeService(&fakeRecordRepo{}, singleRecipientDirectory("user-a"), &fakeDelayPublisher{}, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIntakeService() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*EventInput)
	}{
		{"invalid digest type", func(e *EventInput) { e.Type = "BOGUS" }},
		{"missing subject type", func(e *EventInput) { e.SubjectType = "" }},
		{"missing subject id", func(e *EventInput) { e.SubjectID = " " }},
		{"missing vessel id", func(e *EventInput) { e.VesselID = "" }},
		{"missing actor id", func(e *EventInput) { e.ActorID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			input := validEventInput()
			tt.mutate(&input)

			err := svc.RecordEvent(context.Background(), input)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("RecordEvent() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestIntakeRecordEventResolutionFailure(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		eligibleRecipientsFn: func(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
			return nil, errors.New("directory unavailable")
		},
	}

	createCalled := false
	repo := &fakeRecordRepo{
		createFn: func(ctx context.Context, r *domain.NotificationRecord) error {
			createCalled = true
			return nil
		},
	}

	publishCalled := false
	publisher := &fakeDelayPublisher{
		publishDelayedFn: func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
			publishCalled = true
			return nil
		},
	}

	svc, err := NewIntakeService(repo, dir, publisher, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIntakeService() error = %v", err)
	}

	err = svc.RecordEvent(context.Background(), validEventInput())
	if !errors.Is(err, domain.ErrRecipientResolution) {
		t.Fatalf("RecordEvent() error = %v, want ErrRecipientResolution", err)
	}
	if createCalled {
		t.Fatal("no record should be created when resolution fails")
	}
	if publishCalled {
		t.Fatal("no task should be scheduled when resolution fails")
	}
}

func TestIntakeRecordEventPartialInsertFailureStillSchedules(t *testing.T) {
	t.Parallel()

	createCalls := 0
	repo := &fakeRecordRepo{
		createFn: func(ctx context.Context, r *domain.NotificationRecord) error {
			createCalls++
			if r.RecipientID == "user-b" {
				return errors.New("insert failed")
			}
			return nil
		},
	}

	dir := &fakeDirectory{
		eligibleRecipientsFn: func(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
			return []string{"user-a", "user-b", "user-c"}, nil
		},
	}

	publishCalled := false
	publisher := &fakeDelayPublisher{
		publishDelayedFn: func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
			publishCalled = true
			return nil
		},
	}

	svc, err := NewIntakeService(repo, dir, publisher, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIntakeService() error = %v", err)
	}

	err = svc.RecordEvent(context.Background(), validEventInput())
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("RecordEvent() error = %v, want ErrStore", err)
	}
	if createCalls != 3 {
		t.Fatalf("create calls = %d, want 3 (one insert failure must not stop the rest)", createCalls)
	}
	if !publishCalled {
		t.Fatal("aggregation must still be scheduled after a partial insert failure")
	}
}

func TestIntakeRecordEventZeroRecipientsStillSchedules(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		eligibleRecipientsFn: func(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
			return nil, nil
		},
	}

	publishCalled := false
	publisher := &fakeDelayPublisher{
		publishDelayedFn: func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
			publishCalled = true
			return nil
		},
	}

	svc, err := NewIntakeService(&fakeRecordRepo{}, dir, publisher, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIntakeService() error = %v", err)
	}

	if err := svc.RecordEvent(context.Background(), validEventInput()); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if !publishCalled {
		t.Fatal("the debounce task should be scheduled even with zero recipients")
	}
}

func TestIntakeNotifyAbsorbsFailures(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		eligibleRecipientsFn: func(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
			return nil, errors.New("directory unavailable")
		},
	}

	svc, err := NewIntakeService(&fakeRecordRepo{}, dir, &fakeDelayPublisher{}, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIntakeService() error = %v", err)
	}

	// Must not panic or propagate; intake is a best-effort side channel.
	svc.Notify(context.Background(), validEventInput())
}

func singleRecipientDirectory(recipientID string) *fakeDirectory {
	return &fakeDirectory{
		eligibleRecipientsFn: func(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
			return []string{recipientID}, nil
		},
	}
}

type fakeRecordRepo struct {
	createFn                  func(ctx context.Context, r *domain.NotificationRecord) error
	listPendingFn             func(ctx context.Context, recipientID, vesselID string, since time.Time) ([]domain.NotificationRecord, error)
	claimGroupFn              func(ctx context.Context, ids []string, groupID string, groupedAt time.Time) ([]domain.NotificationRecord, error)
	markSentFn                func(ctx context.Context, groupID string, sentAt time.Time) (int64, error)
	vesselsWithStalePendingFn func(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
	listStuckGroupsFn         func(ctx context.Context, olderThan time.Time, limit int) ([]repository.StuckGroup, error)
}

func (f *fakeRecordRepo) Create(ctx context.Context, r *domain.NotificationRecord) error {
	if f.createFn != nil {
		return f.createFn(ctx, r)
	}
	return nil
}

func (f *fakeRecordRepo) ListPending(ctx context.Context, recipientID, vesselID string, since time.Time) ([]domain.NotificationRecord, error) {
	if f.listPendingFn != nil {
		return f.listPendingFn(ctx, recipientID, vesselID, since)
	}
	return nil, nil
}

func (f *fakeRecordRepo) ClaimGroup(ctx context.Context, ids []string, groupID string, groupedAt time.Time) ([]domain.NotificationRecord, error) {
	if f.claimGroupFn != nil {
		return f.claimGroupFn(ctx, ids, groupID, groupedAt)
	}
	return nil, nil
}

func (f *fakeRecordRepo) MarkSent(ctx context.Context, groupID string, sentAt time.Time) (int64, error) {
	if f.markSentFn != nil {
		return f.markSentFn(ctx, groupID, sentAt)
	}
	return 0, nil
}

func (f *fakeRecordRepo) VesselsWithStalePending(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if f.vesselsWithStalePendingFn != nil {
		return f.vesselsWithStalePendingFn(ctx, olderThan, limit)
	}
	return nil, nil
}

func (f *fakeRecordRepo) ListStuckGroups(ctx context.Context, olderThan time.Time, limit int) ([]repository.StuckGroup, error) {
	if f.listStuckGroupsFn != nil {
		return f.listStuckGroupsFn(ctx, olderThan, limit)
	}
	return nil, nil
}

type fakeDirectory struct {
	eligibleRecipientsFn func(ctx context.Context, vesselID, excludeUserID string) ([]string, error)
}

func (f *fakeDirectory) EligibleRecipients(ctx context.Context, vesselID, excludeUserID string) ([]string, error) {
	if f.eligibleRecipientsFn != nil {
		return f.eligibleRecipientsFn(ctx, vesselID, excludeUserID)
	}
	return nil, nil
}

type fakeDelayPublisher struct {
	publishDelayedFn func(ctx context.Context, task queue.AggregationTask, delay time.Duration) error
	closeFn          func() error
}

func (f *fakeDelayPublisher) PublishDelayed(ctx context.Context, task queue.AggregationTask, delay time.Duration) error {
	if f.publishDelayedFn != nil {
		return f.publishDelayedFn(ctx, task, delay)
	}
	return nil
}

func (f *fakeDelayPublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeDeliverer struct {
	deliverFn func(ctx context.Context, digest domain.Digest) error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, digest domain.Digest) error {
	if f.deliverFn != nil {
		return f.deliverFn(ctx, digest)
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.TaskHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.TaskHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

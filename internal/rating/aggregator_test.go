package rating

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"player-order-service/internal/catalog"
	"player-order-service/internal/errs"
	"player-order-service/internal/models"
	"player-order-service/internal/store"
)

type aggStore struct {
	orders       map[string]models.Order
	reviews      map[string]models.Review
	metrics      map[string][]models.MetricValue
	snapshots    map[string]models.RatingSnapshot
	jobs         map[string]models.RecalculationJob
	lastSeen     map[string]time.Time
	completed    int
	failed       int
	insertJobErr error
}

func newAggStore() *aggStore {
	return &aggStore{
		orders:    map[string]models.Order{},
		reviews:   map[string]models.Review{},
		metrics:   map[string][]models.MetricValue{},
		snapshots: map[string]models.RatingSnapshot{},
		jobs:      map[string]models.RecalculationJob{},
		lastSeen:  map[string]time.Time{},
	}
}

func (s *aggStore) GetOrder(_ context.Context, id string) (models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, store.ErrNotFound
	}
	return o, nil
}

func (s *aggStore) InsertReview(_ context.Context, r models.Review) error {
	for _, existing := range s.reviews {
		if existing.OrderID == r.OrderID && existing.ReviewerID == r.ReviewerID {
			return store.ErrDuplicate
		}
	}
	s.reviews[r.ID] = r
	return nil
}

func (s *aggStore) GetReview(_ context.Context, id string) (models.Review, error) {
	r, ok := s.reviews[id]
	if !ok {
		return models.Review{}, store.ErrNotFound
	}
	return r, nil
}

func (s *aggStore) AppendReviewFlag(_ context.Context, reviewID string, entry models.FlagEntry, newStatus string) error {
	r, ok := s.reviews[reviewID]
	if !ok {
		return store.ErrNotFound
	}
	r.Flags = append(r.Flags, entry)
	r.Status = newStatus
	s.reviews[reviewID] = r
	return nil
}

func (s *aggStore) InsertMetricValues(_ context.Context, subjectID, category string, values []models.MetricValue) error {
	key := subjectID + ":" + category
	s.metrics[key] = append(s.metrics[key], values...)
	for _, v := range values {
		if v.ObservedAt.After(s.lastSeen[key]) {
			s.lastSeen[key] = v.ObservedAt
		}
	}
	return nil
}

func (s *aggStore) DeleteMetricValuesByReview(_ context.Context, reviewID string) error {
	for key, values := range s.metrics {
		kept := values[:0]
		for _, v := range values {
			if v.ReviewID != reviewID {
				kept = append(kept, v)
			}
		}
		s.metrics[key] = kept
	}
	return nil
}

func (s *aggStore) MetricValues(_ context.Context, subjectID, category string) ([]models.MetricValue, time.Time, error) {
	key := subjectID + ":" + category
	return s.metrics[key], s.lastSeen[key], nil
}

func (s *aggStore) UpsertRatingSnapshot(_ context.Context, snap models.RatingSnapshot) error {
	s.snapshots[snap.SubjectID+":"+snap.Category] = snap
	return nil
}

func (s *aggStore) RatingSnapshots(_ context.Context, subjectID string) ([]models.RatingSnapshot, error) {
	var out []models.RatingSnapshot
	for _, snap := range s.snapshots {
		if snap.SubjectID == subjectID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *aggStore) OrderOutcomeCounts(_ context.Context, _ string) (int, int, error) {
	return s.completed, s.failed, nil
}

func (s *aggStore) InsertJob(_ context.Context, j models.RecalculationJob) error {
	if s.insertJobErr != nil {
		return s.insertJobErr
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *aggStore) MarkJobFailed(_ context.Context, id, cause string) error {
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = models.JobFailed
	j.LastError = &cause
	s.jobs[id] = j
	return nil
}

func (s *aggStore) GetJob(_ context.Context, id string) (models.RecalculationJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return models.RecalculationJob{}, store.ErrNotFound
	}
	return j, nil
}

func (s *aggStore) ActiveJobByScope(_ context.Context, scope string) (models.RecalculationJob, bool, error) {
	for _, j := range s.jobs {
		if j.Scope == scope && (j.Status == models.JobQueued || j.Status == models.JobRunning) {
			return j, true, nil
		}
	}
	return models.RecalculationJob{}, false, nil
}

func (s *aggStore) MarkJobCancelled(_ context.Context, id string) error {
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobQueued {
		return store.ErrConflict
	}
	j.Status = models.JobCancelled
	s.jobs[id] = j
	return nil
}

type aggQueue struct {
	reservations map[string]string
	enqueued     []string
	cancelled    []string
	enqueueErr   error
}

func newAggQueue() *aggQueue {
	return &aggQueue{reservations: map[string]string{}}
}

func (q *aggQueue) Reserve(_ context.Context, scope, jobID string) (string, bool, error) {
	if holder, ok := q.reservations[scope]; ok {
		return holder, false, nil
	}
	q.reservations[scope] = jobID
	return jobID, true, nil
}

func (q *aggQueue) ReleaseScope(_ context.Context, scope string) error {
	delete(q.reservations, scope)
	return nil
}

func (q *aggQueue) Enqueue(_ context.Context, jobID string) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *aggQueue) Cancel(_ context.Context, jobID, scope string) error {
	q.cancelled = append(q.cancelled, jobID)
	delete(q.reservations, scope)
	return nil
}

type stubModeration struct {
	flag string
	err  error
}

func (m stubModeration) Screen(_ context.Context, _ string) (string, error) {
	return m.flag, m.err
}

type aggEvents struct {
	types []string
}

func (e *aggEvents) Publish(_ context.Context, eventType, _ string, _ map[string]any) error {
	e.types = append(e.types, eventType)
	return nil
}

func (e *aggEvents) has(t string) bool {
	for _, got := range e.types {
		if got == t {
			return true
		}
	}
	return false
}

type aggFixture struct {
	store  *aggStore
	queue  *aggQueue
	events *aggEvents
	mod    *stubModeration
	agg    *Aggregator
	now    time.Time
}

func newAggFixture(t *testing.T) *aggFixture {
	t.Helper()
	f := &aggFixture{
		store:  newAggStore(),
		queue:  newAggQueue(),
		events: &aggEvents{},
		mod:    &stubModeration{},
		now:    time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	f.agg = New(f.store, f.queue, f.mod, f.events, catalog.Default())
	f.agg.now = func() time.Time { return f.now }
	return f
}

func (f *aggFixture) seedCompletedOrder() models.Order {
	assignee := "runner-1"
	o := models.Order{
		ID:         "order-1",
		CreatorID:  "creator-1",
		AssigneeID: &assignee,
		Type:       "escort",
		Reward:     decimal.NewFromInt(500),
		Status:     models.OrderCompleted,
	}
	f.store.orders[o.ID] = o
	return o
}

func TestSubmitReviewAcceptedFeedsRecalculation(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()

	prof := 4
	review, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "creator-1",
		Ratings:    models.Ratings{Quality: 5, Communication: 4, Professionalism: &prof},
		Comment:    "smooth escort, would hire again",
	})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if review.Status != models.ReviewAccepted {
		t.Fatalf("status = %s, want accepted", review.Status)
	}
	if review.SubjectID != "runner-1" {
		t.Fatalf("subject = %s, creator reviews the assignee", review.SubjectID)
	}

	values := f.store.metrics["runner-1:executor"]
	if len(values) != 3 {
		t.Fatalf("metric values = %d, want quality+communication+reliability", len(values))
	}
	if len(f.queue.enqueued) != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", len(f.queue.enqueued))
	}
	if !f.events.has("review.accepted") {
		t.Fatal("review.accepted not published")
	}
}

func TestSubmitReviewOnlyForCompletedOrders(t *testing.T) {
	f := newAggFixture(t)
	o := f.seedCompletedOrder()
	o.Status = models.OrderInProgress
	f.store.orders[o.ID] = o

	_, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "creator-1",
		Ratings:    models.Ratings{Quality: 3, Communication: 3},
	})
	if errs.CodeOf(err) != errs.CodeOrderState {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeOrderState)
	}
}

func TestSubmitReviewDuplicateRejected(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()
	in := ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "creator-1",
		Ratings:    models.Ratings{Quality: 4, Communication: 4},
	}
	if _, err := f.agg.SubmitReview(context.Background(), in); err != nil {
		t.Fatalf("first SubmitReview: %v", err)
	}
	if _, err := f.agg.SubmitReview(context.Background(), in); errs.CodeOf(err) != errs.CodeDuplicateReview {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeDuplicateReview)
	}
}

func TestSubmitReviewRatingOutOfRange(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()
	_, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "creator-1",
		Ratings:    models.Ratings{Quality: 6, Communication: 4},
	})
	if errs.CodeOf(err) != errs.CodeRatingRange {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeRatingRange)
	}
}

func TestSubmitReviewStrangerRejected(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()
	_, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "bystander-9",
		Ratings:    models.Ratings{Quality: 1, Communication: 1},
	})
	if errs.CodeOf(err) != errs.CodeEligibility {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeEligibility)
	}
}

func TestSubmitReviewFlaggedTextParksPendingModeration(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()
	f.mod.flag = models.FlagWarning

	review, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "creator-1",
		Ratings:    models.Ratings{Quality: 1, Communication: 1},
		Comment:    "abusive rant",
	})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if review.Status != models.ReviewPendingModeration {
		t.Fatalf("status = %s, want pending_moderation", review.Status)
	}
	if len(f.store.metrics["runner-1:executor"]) != 0 {
		t.Fatal("flagged review must not feed metrics")
	}
	if len(f.queue.enqueued) != 0 {
		t.Fatal("flagged review must not schedule a recalculation")
	}
}

func TestSubmitReviewModerationFailureDegradesToClean(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()
	f.mod.err = context.DeadlineExceeded

	review, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "runner-1",
		Ratings:    models.Ratings{Quality: 3, Communication: 5},
		Comment:    "fair terms",
	})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if review.Status != models.ReviewAccepted {
		t.Fatalf("status = %s, want accepted when the screen is down", review.Status)
	}
	if review.SubjectID != "creator-1" {
		t.Fatalf("subject = %s, assignee reviews the creator", review.SubjectID)
	}
}

func TestSetFlagAppendsHistory(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()
	review, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "creator-1",
		Ratings:    models.Ratings{Quality: 4, Communication: 4},
	})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}

	flagged, err := f.agg.SetFlag(context.Background(), review.ID, models.FlagDispute, "contested by subject", "runner-1")
	if err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	if flagged.Status != models.ReviewPendingModeration {
		t.Fatalf("status = %s, want pending_moderation", flagged.Status)
	}
	if flagged.CurrentFlag() != models.FlagDispute {
		t.Fatalf("current flag = %s, want dispute", flagged.CurrentFlag())
	}

	restored, err := f.agg.SetFlag(context.Background(), review.ID, models.FlagNeutral, "resolved", "mod-1")
	if err != nil {
		t.Fatalf("SetFlag restore: %v", err)
	}
	if restored.Status != models.ReviewAccepted {
		t.Fatalf("status = %s, want accepted", restored.Status)
	}
	if len(restored.Flags) != 2 {
		t.Fatalf("flag history = %d entries, want 2 (append-only)", len(restored.Flags))
	}
}

func TestFlagWithdrawsAndRestoresMetrics(t *testing.T) {
	f := newAggFixture(t)
	f.seedCompletedOrder()
	review, err := f.agg.SubmitReview(context.Background(), ReviewInput{
		OrderID:    "order-1",
		ReviewerID: "creator-1",
		Ratings:    models.Ratings{Quality: 4, Communication: 3},
	})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if len(f.store.metrics["runner-1:executor"]) != 2 {
		t.Fatalf("metric values = %d, want 2", len(f.store.metrics["runner-1:executor"]))
	}

	// Parking the review pulls its observations out of the rating base.
	if _, err := f.agg.SetFlag(context.Background(), review.ID, models.FlagWarning, "under review", "mod-1"); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	if len(f.store.metrics["runner-1:executor"]) != 0 {
		t.Fatal("parked review still feeds metrics")
	}

	// Restoring it puts them back.
	if _, err := f.agg.SetFlag(context.Background(), review.ID, models.FlagPositive, "cleared", "mod-1"); err != nil {
		t.Fatalf("SetFlag restore: %v", err)
	}
	values := f.store.metrics["runner-1:executor"]
	if len(values) != 2 {
		t.Fatalf("metric values after restore = %d, want 2", len(values))
	}
	for _, v := range values {
		if v.ReviewID != review.ID {
			t.Fatalf("metric value not tied to its review: %+v", v)
		}
	}
}

func TestRecalculateCoalescesOnActiveScope(t *testing.T) {
	f := newAggFixture(t)
	scope := ScopeOf("runner-1", CategoryExecutor)

	first, err := f.agg.Recalculate(context.Background(), scope)
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}
	second, err := f.agg.Recalculate(context.Background(), scope)
	if err != nil {
		t.Fatalf("Recalculate again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("jobs %s and %s, want coalesced onto one", first.ID, second.ID)
	}
	if len(f.queue.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(f.queue.enqueued))
	}
}

func TestRecalculateReleasesScopeOnStorageFailure(t *testing.T) {
	f := newAggFixture(t)
	scope := ScopeOf("runner-1", CategoryExecutor)

	f.store.insertJobErr = errors.New("connection reset")
	if _, err := f.agg.Recalculate(context.Background(), scope); !errs.IsInternal(err) {
		t.Fatalf("err = %v, want internal", err)
	}
	if _, held := f.queue.reservations[scope]; held {
		t.Fatal("failed submission left the scope reserved")
	}

	// Storage recovers; the next submission must go through.
	f.store.insertJobErr = nil
	job, err := f.agg.Recalculate(context.Background(), scope)
	if err != nil {
		t.Fatalf("Recalculate after recovery: %v", err)
	}
	if job.Status != models.JobQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if len(f.queue.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(f.queue.enqueued))
	}
}

func TestRecalculateReleasesScopeOnEnqueueFailure(t *testing.T) {
	f := newAggFixture(t)
	scope := ScopeOf("runner-1", CategoryExecutor)

	f.queue.enqueueErr = errors.New("redis down")
	if _, err := f.agg.Recalculate(context.Background(), scope); !errs.IsInternal(err) {
		t.Fatalf("err = %v, want internal", err)
	}
	if _, held := f.queue.reservations[scope]; held {
		t.Fatal("failed submission left the scope reserved")
	}

	// The stranded row is failed, not active, so it cannot absorb
	// later submissions.
	f.queue.enqueueErr = nil
	retry, err := f.agg.Recalculate(context.Background(), scope)
	if err != nil {
		t.Fatalf("Recalculate after recovery: %v", err)
	}
	if retry.Status != models.JobQueued {
		t.Fatalf("status = %s, want queued", retry.Status)
	}
}

func TestRecalculateBadScope(t *testing.T) {
	f := newAggFixture(t)
	if _, err := f.agg.Recalculate(context.Background(), "no-category"); !errs.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCancelJobQueuedOnly(t *testing.T) {
	f := newAggFixture(t)
	scope := ScopeOf("runner-1", CategoryExecutor)
	job, err := f.agg.Recalculate(context.Background(), scope)
	if err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	cancelled, err := f.agg.CancelJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelled.Status != models.JobCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if len(f.queue.cancelled) != 1 {
		t.Fatal("queue entry not removed")
	}

	// Running jobs are past the point of cancellation.
	running := models.RecalculationJob{ID: "job-r", Scope: scope, Status: models.JobRunning}
	f.store.jobs[running.ID] = running
	if _, err := f.agg.CancelJob(context.Background(), "job-r"); errs.CodeOf(err) != errs.CodeJobState {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeJobState)
	}
}

func TestMaterializeStoresSnapshot(t *testing.T) {
	f := newAggFixture(t)
	f.store.completed = 8
	f.store.failed = 2
	f.store.InsertMetricValues(context.Background(), "runner-1", CategoryExecutor, []models.MetricValue{
		{Metric: "quality", Value: 4, ObservedAt: f.now.Add(-time.Hour)},
		{Metric: "communication", Value: 5, ObservedAt: f.now.Add(-time.Hour)},
		{Metric: "reliability", Value: 3, ObservedAt: f.now.Add(-time.Hour)},
	})

	snap, err := f.agg.Materialize(context.Background(), ScopeOf("runner-1", CategoryExecutor))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	// 0.4×4 + 0.3×5 + 0.3×3 with no decay inside the grace window.
	want := 0.4*4 + 0.3*5 + 0.3*3
	if diff := snap.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want %v", snap.Score, want)
	}
	if snap.SuccessRate != 0.8 {
		t.Fatalf("success rate = %v, want 0.8", snap.SuccessRate)
	}
	if !f.events.has("rating.updated") {
		t.Fatal("rating.updated not published")
	}
	if _, ok := f.store.snapshots["runner-1:executor"]; !ok {
		t.Fatal("snapshot not stored")
	}
}

func TestReputationAssemblesSnapshotsAndOutcomes(t *testing.T) {
	f := newAggFixture(t)
	f.store.completed = 3
	f.store.failed = 1
	f.store.snapshots["runner-1:executor"] = models.RatingSnapshot{
		SubjectID: "runner-1",
		Category:  CategoryExecutor,
		Score:     4.2,
	}

	rep, err := f.agg.Reputation(context.Background(), "runner-1")
	if err != nil {
		t.Fatalf("Reputation: %v", err)
	}
	if len(rep.Snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(rep.Snapshots))
	}
	if rep.SuccessRate != 0.75 {
		t.Fatalf("success rate = %v, want 0.75", rep.SuccessRate)
	}
}

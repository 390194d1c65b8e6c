package rating

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"player-order-service/internal/catalog"
	"player-order-service/internal/errs"
	"player-order-service/internal/models"
	"player-order-service/internal/store"
)

const maxCommentLen = 2000

// Store is the persistence surface the aggregator needs.
type Store interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	InsertReview(ctx context.Context, r models.Review) error
	GetReview(ctx context.Context, id string) (models.Review, error)
	AppendReviewFlag(ctx context.Context, reviewID string, entry models.FlagEntry, newStatus string) error
	InsertMetricValues(ctx context.Context, subjectID, category string, values []models.MetricValue) error
	DeleteMetricValuesByReview(ctx context.Context, reviewID string) error
	MetricValues(ctx context.Context, subjectID, category string) ([]models.MetricValue, time.Time, error)
	UpsertRatingSnapshot(ctx context.Context, snap models.RatingSnapshot) error
	RatingSnapshots(ctx context.Context, subjectID string) ([]models.RatingSnapshot, error)
	OrderOutcomeCounts(ctx context.Context, subjectID string) (completed, failed int, err error)
	InsertJob(ctx context.Context, j models.RecalculationJob) error
	GetJob(ctx context.Context, id string) (models.RecalculationJob, error)
	ActiveJobByScope(ctx context.Context, scope string) (models.RecalculationJob, bool, error)
	MarkJobFailed(ctx context.Context, id, cause string) error
	MarkJobCancelled(ctx context.Context, id string) error
}

// Queue is the Redis side of job submission and coalescing.
type Queue interface {
	Reserve(ctx context.Context, scope, jobID string) (string, bool, error)
	ReleaseScope(ctx context.Context, scope string) error
	Enqueue(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID, scope string) error
}

// Moderation screens review text. It returns an initial flag
// ("warning" or "dispute") for content that needs human eyes, or ""
// for clean text. Screening failures degrade to clean rather than
// blocking submission.
type Moderation interface {
	Screen(ctx context.Context, comment string) (string, error)
}

// Publisher emits rating domain events.
type Publisher interface {
	Publish(ctx context.Context, eventType, entityID string, payload map[string]any) error
}

// Aggregator owns reviews, metric ingestion, and the asynchronous
// recalculation pipeline that turns observations into rating scalars.
type Aggregator struct {
	store      Store
	queue      Queue
	moderation Moderation
	events     Publisher
	catalog    catalog.Catalog
	now        func() time.Time
}

// New wires the aggregator. moderation and events may be nil.
func New(st Store, q Queue, moderation Moderation, events Publisher, cat catalog.Catalog) *Aggregator {
	return &Aggregator{
		store:      st,
		queue:      q,
		moderation: moderation,
		events:     events,
		catalog:    cat,
		now:        time.Now,
	}
}

// Category names. Executors are rated on work delivered, creators on
// how they ran the order.
const (
	CategoryExecutor = "executor"
	CategoryCreator  = "creator"
)

// ScopeOf builds the recalculation scope key for one subject/category.
func ScopeOf(subjectID, category string) string {
	return subjectID + ":" + category
}

// ParseScope splits a scope key back into subject and category.
func ParseScope(scope string) (subjectID, category string, err error) {
	i := strings.LastIndex(scope, ":")
	if i <= 0 || i == len(scope)-1 {
		return "", "", fmt.Errorf("malformed scope %q", scope)
	}
	return scope[:i], scope[i+1:], nil
}

// ReviewInput is a review submission.
type ReviewInput struct {
	OrderID    string
	ReviewerID string
	Ratings    models.Ratings
	Comment    string
}

// SubmitReview validates and stores a review of the counterparty on a
// completed order. Accepted reviews feed metric values and schedule a
// recalculation; text the moderation screen flags parks the review in
// pending_moderation without touching any rating.
func (a *Aggregator) SubmitReview(ctx context.Context, in ReviewInput) (models.Review, error) {
	if err := validateRatings(in.Ratings); err != nil {
		return models.Review{}, err
	}
	if len(in.Comment) > maxCommentLen {
		return models.Review{}, errs.Validation(errs.CodeTextTooLong, "comment exceeds %d characters", maxCommentLen)
	}

	order, err := a.store.GetOrder(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Review{}, errs.Business(errs.CodeOrderNotFound, "order not found")
		}
		return models.Review{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if order.Status != models.OrderCompleted {
		return models.Review{}, errs.Business(errs.CodeOrderState, "order %s is %s, reviews require completion", order.ID, order.Status)
	}

	subjectID, category, err := counterparty(order, in.ReviewerID)
	if err != nil {
		return models.Review{}, err
	}

	review := models.Review{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		ReviewerID: in.ReviewerID,
		SubjectID:  subjectID,
		Ratings:    in.Ratings,
		Comment:    in.Comment,
		Status:     models.ReviewAccepted,
		CreatedAt:  a.now().UTC(),
	}

	if flag := a.screen(ctx, in.Comment); flag != "" {
		review.Status = models.ReviewPendingModeration
		review.Flags = []models.FlagEntry{{
			Flag:      flag,
			Reason:    "automatic content screen",
			FlaggedAt: review.CreatedAt,
		}}
	}

	if err := a.store.InsertReview(ctx, review); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return models.Review{}, errs.Business(errs.CodeDuplicateReview, "reviewer %s already reviewed order %s", in.ReviewerID, order.ID)
		}
		return models.Review{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}

	if review.Status == models.ReviewAccepted {
		if err := a.ingest(ctx, review, category); err != nil {
			return models.Review{}, err
		}
		a.publish(ctx, "review.accepted", review.ID, map[string]any{
			"order":   order.ID,
			"subject": subjectID,
		})
	}
	return review, nil
}

// SetFlag appends a moderation flag to a review's history. Warning and
// dispute flags park the review pending moderation and withdraw its
// metric observations; positive, neutral and negative restore it to
// accepted and re-ingest them. Either way the subject is scheduled for
// recalculation, so excluded reviews stop counting.
func (a *Aggregator) SetFlag(ctx context.Context, reviewID, flag, reason, flaggedBy string) (models.Review, error) {
	newStatus, err := statusForFlag(flag)
	if err != nil {
		return models.Review{}, err
	}
	review, err := a.store.GetReview(ctx, reviewID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Review{}, errs.Business(errs.CodeOrderNotFound, "review not found")
		}
		return models.Review{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}

	entry := models.FlagEntry{
		Flag:      flag,
		Reason:    reason,
		FlaggedBy: flaggedBy,
		FlaggedAt: a.now().UTC(),
	}
	if err := a.store.AppendReviewFlag(ctx, reviewID, entry, newStatus); err != nil {
		return models.Review{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}

	if newStatus != review.Status {
		category := CategoryExecutor
		if order, err := a.store.GetOrder(ctx, review.OrderID); err == nil {
			if _, cat, err := counterparty(order, review.ReviewerID); err == nil {
				category = cat
			}
		}
		if newStatus == models.ReviewAccepted {
			if err := a.ingest(ctx, review, category); err != nil {
				return models.Review{}, err
			}
		} else {
			if err := a.store.DeleteMetricValuesByReview(ctx, reviewID); err != nil {
				return models.Review{}, errs.Internal(errs.CodeStorageUnavailable, err)
			}
			if _, err := a.Recalculate(ctx, ScopeOf(review.SubjectID, category)); err != nil {
				log.Printf("schedule recalculation after flag on review %s: %v", reviewID, err)
			}
		}
	}

	review.Flags = append(review.Flags, entry)
	review.Status = newStatus
	return review, nil
}

// Recalculate schedules an asynchronous recalculation for one scope.
// Submissions against a scope with a live job coalesce onto it; the
// returned job reflects whichever submission won.
func (a *Aggregator) Recalculate(ctx context.Context, scope string) (models.RecalculationJob, error) {
	if _, _, err := ParseScope(scope); err != nil {
		return models.RecalculationJob{}, errs.Validation(errs.CodeValidation, "scope must be subject:category")
	}

	if existing, found, err := a.store.ActiveJobByScope(ctx, scope); err != nil {
		return models.RecalculationJob{}, errs.Internal(errs.CodeStorageUnavailable, err)
	} else if found {
		return existing, nil
	}

	job := models.RecalculationJob{
		ID:          uuid.New().String(),
		Scope:       scope,
		Status:      models.JobQueued,
		SubmittedAt: a.now().UTC(),
	}
	holder, created, err := a.queue.Reserve(ctx, scope, job.ID)
	if err != nil {
		return models.RecalculationJob{}, errs.Internal(errs.CodeInternal, err)
	}
	if !created {
		if holder == "" {
			// Reservation raced a finishing job; the next submission wins.
			return models.RecalculationJob{}, errs.Business(errs.CodeJobState, "scope %s is settling, retry", scope)
		}
		existing, err := a.store.GetJob(ctx, holder)
		if err != nil {
			return models.RecalculationJob{}, errs.Internal(errs.CodeStorageUnavailable, err)
		}
		return existing, nil
	}

	// The reservation must not outlive a job that never made it into
	// the queue, or the scope is wedged on a phantom holder.
	if err := a.store.InsertJob(ctx, job); err != nil {
		a.unreserve(ctx, scope)
		return models.RecalculationJob{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if err := a.queue.Enqueue(ctx, job.ID); err != nil {
		if ferr := a.store.MarkJobFailed(ctx, job.ID, "enqueue failed"); ferr != nil {
			log.Printf("mark job %s failed: %v", job.ID, ferr)
		}
		a.unreserve(ctx, scope)
		return models.RecalculationJob{}, errs.Internal(errs.CodeInternal, err)
	}
	return job, nil
}

func (a *Aggregator) unreserve(ctx context.Context, scope string) {
	if err := a.queue.ReleaseScope(ctx, scope); err != nil {
		log.Printf("release reservation for scope %s: %v", scope, err)
	}
}

// CancelJob cancels a queued job. Running jobs finish; their scope
// reservation clears on completion.
func (a *Aggregator) CancelJob(ctx context.Context, jobID string) (models.RecalculationJob, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RecalculationJob{}, errs.Business(errs.CodeOrderNotFound, "job not found")
		}
		return models.RecalculationJob{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if err := a.store.MarkJobCancelled(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.RecalculationJob{}, errs.Business(errs.CodeJobState, "job %s is %s, only queued jobs cancel", jobID, job.Status)
		}
		return models.RecalculationJob{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if err := a.queue.Cancel(ctx, jobID, job.Scope); err != nil {
		log.Printf("remove cancelled job %s from queue: %v", jobID, err)
	}
	job.Status = models.JobCancelled
	return job, nil
}

// Job reads one job's state.
func (a *Aggregator) Job(ctx context.Context, jobID string) (models.RecalculationJob, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RecalculationJob{}, errs.Business(errs.CodeOrderNotFound, "job not found")
		}
		return models.RecalculationJob{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	return job, nil
}

// Materialize recomputes and stores the rating scalar for one scope.
// Workers call it when executing a recalculation job.
func (a *Aggregator) Materialize(ctx context.Context, scope string) (models.RatingSnapshot, error) {
	subjectID, category, err := ParseScope(scope)
	if err != nil {
		return models.RatingSnapshot{}, errs.Validation(errs.CodeValidation, "scope must be subject:category")
	}

	values, lastActivity, err := a.store.MetricValues(ctx, subjectID, category)
	if err != nil {
		return models.RatingSnapshot{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	completed, failed, err := a.store.OrderOutcomeCounts(ctx, subjectID)
	if err != nil {
		return models.RatingSnapshot{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}

	now := a.now().UTC()
	idleDays := 0
	if !lastActivity.IsZero() {
		idleDays = int(now.Sub(lastActivity).Hours() / 24)
	}
	score := Scalar(a.catalog.WeightsFor(category), values, idleDays, a.catalog.Decay)

	successRate := 0.0
	if total := completed + failed; total > 0 {
		successRate = float64(completed) / float64(total)
	}

	snap := models.RatingSnapshot{
		SubjectID:       subjectID,
		Category:        category,
		Score:           score,
		OrdersCompleted: completed,
		OrdersFailed:    failed,
		SuccessRate:     successRate,
		ComputedAt:      now,
	}
	if err := a.store.UpsertRatingSnapshot(ctx, snap); err != nil {
		return models.RatingSnapshot{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	a.publish(ctx, "rating.updated", subjectID, map[string]any{
		"category": category,
		"score":    score,
	})
	return snap, nil
}

// Reputation is the read model for one subject.
type Reputation struct {
	SubjectID       string                  `json:"subject_id"`
	Snapshots       []models.RatingSnapshot `json:"snapshots"`
	OrdersCompleted int                     `json:"orders_completed"`
	OrdersFailed    int                     `json:"orders_failed"`
	SuccessRate     float64                 `json:"success_rate"`
}

// Reputation assembles stored snapshots and live outcome counts for
// one subject.
func (a *Aggregator) Reputation(ctx context.Context, subjectID string) (Reputation, error) {
	snaps, err := a.store.RatingSnapshots(ctx, subjectID)
	if err != nil {
		return Reputation{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	completed, failed, err := a.store.OrderOutcomeCounts(ctx, subjectID)
	if err != nil {
		return Reputation{}, errs.Internal(errs.CodeStorageUnavailable, err)
	}
	rep := Reputation{
		SubjectID:       subjectID,
		Snapshots:       snaps,
		OrdersCompleted: completed,
		OrdersFailed:    failed,
	}
	if total := completed + failed; total > 0 {
		rep.SuccessRate = float64(completed) / float64(total)
	}
	return rep, nil
}

// ingest converts an accepted review into metric observations and
// schedules the recalculation.
func (a *Aggregator) ingest(ctx context.Context, review models.Review, category string) error {
	values := metricsFromReview(review, category)
	if err := a.store.InsertMetricValues(ctx, review.SubjectID, category, values); err != nil {
		return errs.Internal(errs.CodeStorageUnavailable, err)
	}
	if _, err := a.Recalculate(ctx, ScopeOf(review.SubjectID, category)); err != nil {
		// The review is stored; the next submission will fold it in.
		log.Printf("schedule recalculation for %s: %v", review.SubjectID, err)
	}
	return nil
}

func (a *Aggregator) screen(ctx context.Context, comment string) string {
	if a.moderation == nil || comment == "" {
		return ""
	}
	flag, err := a.moderation.Screen(ctx, comment)
	if err != nil {
		log.Printf("moderation screen: %v", err)
		return ""
	}
	if flag == models.FlagWarning || flag == models.FlagDispute {
		return flag
	}
	return ""
}

func (a *Aggregator) publish(ctx context.Context, eventType, entityID string, payload map[string]any) {
	if a.events == nil {
		return
	}
	if err := a.events.Publish(ctx, eventType, entityID, payload); err != nil {
		log.Printf("publish %s for %s: %v", eventType, entityID, err)
	}
}

// counterparty resolves who a review is about and which category it
// feeds. Reviewing your own side of the order is rejected.
func counterparty(order models.Order, reviewerID string) (subjectID, category string, err error) {
	assignee := ""
	if order.AssigneeID != nil {
		assignee = *order.AssigneeID
	}
	switch reviewerID {
	case order.CreatorID:
		if assignee == "" {
			return "", "", errs.Business(errs.CodeOrderState, "order %s has no assignee to review", order.ID)
		}
		return assignee, CategoryExecutor, nil
	case assignee:
		return order.CreatorID, CategoryCreator, nil
	default:
		return "", "", errs.Business(errs.CodeEligibility, "reviewer %s is not a party to order %s", reviewerID, order.ID)
	}
}

func validateRatings(r models.Ratings) error {
	check := func(name string, v int) error {
		if v < 1 || v > 5 {
			return errs.Validation(errs.CodeRatingRange, "%s rating %d outside 1..5", name, v)
		}
		return nil
	}
	if err := check("quality", r.Quality); err != nil {
		return err
	}
	if err := check("communication", r.Communication); err != nil {
		return err
	}
	if r.Professionalism != nil {
		if err := check("professionalism", *r.Professionalism); err != nil {
			return err
		}
	}
	if r.Fairness != nil {
		if err := check("fairness", *r.Fairness); err != nil {
			return err
		}
	}
	return nil
}

func statusForFlag(flag string) (string, error) {
	switch flag {
	case models.FlagPositive, models.FlagNeutral, models.FlagNegative:
		return models.ReviewAccepted, nil
	case models.FlagWarning, models.FlagDispute:
		return models.ReviewPendingModeration, nil
	default:
		return "", errs.Validation(errs.CodeValidation, "unknown flag %q", flag)
	}
}

// metricsFromReview maps review scores onto the metric names the
// category weighs. Professionalism doubles as the executor reliability
// signal when supplied.
func metricsFromReview(review models.Review, category string) []models.MetricValue {
	r := review.Ratings
	var out []models.MetricValue
	add := func(metric string, v int) {
		out = append(out, models.MetricValue{
			Metric:     metric,
			Weight:     1,
			Value:      float64(v),
			ReviewID:   review.ID,
			ObservedAt: review.CreatedAt,
		})
	}
	add("communication", r.Communication)
	switch category {
	case CategoryExecutor:
		add("quality", r.Quality)
		if r.Professionalism != nil {
			add("reliability", *r.Professionalism)
		}
	case CategoryCreator:
		if r.Fairness != nil {
			add("fairness", *r.Fairness)
		}
	}
	return out
}

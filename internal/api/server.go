package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"player-order-service/internal/config"
	"player-order-service/internal/errs"
	"player-order-service/internal/estimate"
	"player-order-service/internal/lifecycle"
	"player-order-service/internal/models"
	"player-order-service/internal/ratelimit"
	"player-order-service/internal/rating"
	"player-order-service/internal/store"
	"player-order-service/internal/telemetry"
)

// Server wires the HTTP handlers over the lifecycle manager and the
// rating aggregator. Handlers are stateless; all coordination lives in
// the managers.
type Server struct {
	cfg     config.Config
	store   *store.Store
	orders  *lifecycle.Manager
	ratings *rating.Aggregator
	limiter *ratelimit.ActorBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, orders *lifecycle.Manager, ratings *rating.Aggregator, limiter *ratelimit.ActorBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		orders:  orders,
		ratings: ratings,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleCreateOrder)
		r.Get("/", s.handleListOrders)
		r.Get("/market", s.handleMarket)
		r.Get("/{id}", s.handleGetOrder)
		r.With(s.rateLimited).Post("/{id}/estimate", s.handleEstimate)
		r.With(s.rateLimited).Post("/{id}/assign", s.handleAssign)
		r.With(s.rateLimited).Post("/{id}/start", s.handleStart)
		r.With(s.rateLimited).Post("/{id}/checkpoints/{name}/complete", s.handleCompleteCheckpoint)
		r.With(s.rateLimited).Post("/{id}/complete", s.handleCompleteOrder)
		r.With(s.rateLimited).Post("/{id}/cancel", s.handleCancelOrder)
		r.With(s.rateLimited).Post("/{id}/dispute", s.handleDispute)
		r.With(s.rateLimited).Post("/{id}/resolve", s.handleResolveDispute)
		r.With(s.rateLimited).Post("/{id}/reviews", s.handleSubmitReview)
	})
	r.With(s.rateLimited).Post("/reviews/{id}/flags", s.handleFlagReview)
	r.With(s.rateLimited).Post("/penalties/{id}/confirm", s.handleConfirmPenalty)

	r.Route("/ratings", func(r chi.Router) {
		r.Get("/{subjectId}", s.handleReputation)
		r.With(s.rateLimited).Post("/recalculate", s.handleRecalculate)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.With(s.rateLimited).Post("/jobs/{id}/cancel", s.handleCancelJob)
	})
	return r
}

// actorFromRequest identifies the acting character for rate limiting
// and initiator attribution.
func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Character-ID"); v != "" {
		return v
	}
	return "anonymous"
}

// rateLimited guards mutating endpoints with the per-actor bucket.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), actorFromRequest(r))
			if err != nil {
				writeError(w, http.StatusInternalServerError, errs.CodeInternal, "temporarily unavailable, try again")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type createOrderRequest struct {
	Type           string              `json:"type"`
	Description    string              `json:"description"`
	Reward         decimal.Decimal     `json:"reward"`
	Requirements   models.Requirements `json:"requirements"`
	Checkpoints    []models.Checkpoint `json:"checkpoints"`
	Deadline       *time.Time          `json:"deadline,omitempty"`
	UseEstimate    bool                `json:"use_estimate"`
	EstimateInputs []estimateInput     `json:"estimate_inputs,omitempty"`
	Corporate      bool                `json:"corporate"`
	FactionID      string              `json:"faction_id,omitempty"`
}

type estimateInput struct {
	Name   string          `json:"name"`
	Source string          `json:"source"`
	Value  decimal.Decimal `json:"value"`
}

func toEstimateInputs(in []estimateInput) []estimate.Input {
	out := make([]estimate.Input, 0, len(in))
	for _, i := range in {
		out = append(out, estimate.Input{Name: i.Name, Source: i.Source, Value: i.Value})
	}
	return out
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	order, err := s.orders.CreateOrder(r.Context(), lifecycle.CreateSpec{
		CreatorID:      actorFromRequest(r),
		Type:           req.Type,
		Description:    req.Description,
		Reward:         req.Reward,
		Requirements:   req.Requirements,
		Checkpoints:    req.Checkpoints,
		Deadline:       req.Deadline,
		UseEstimate:    req.UseEstimate,
		EstimateInputs: toEstimateInputs(req.EstimateInputs),
		Corporate:      req.Corporate,
		FactionID:      req.FactionID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	telemetry.OrdersCreated.Inc()
	telemetry.EscrowHolds.Inc()
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.store.ListOrders(r.Context(), store.OrderFilter{
		Status:    q.Get("status"),
		Type:      q.Get("type"),
		CreatorID: q.Get("creator"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Market(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errs.CodeOrderNotFound, "order not found")
			return
		}
		writeDomainError(w, err)
		return
	}
	reviews, err := s.store.ListReviewsByOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	penalties, err := s.store.ListPenaltiesByOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":     order,
		"reviews":   reviews,
		"penalties": penalties,
	})
}

type estimateRequest struct {
	Inputs    []estimateInput `json:"inputs"`
	Corporate bool            `json:"corporate"`
	FactionID string          `json:"faction_id,omitempty"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	est, err := s.orders.Estimate(r.Context(), chi.URLParam(r, "id"), toEstimateInputs(req.Inputs), req.Corporate, req.FactionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.AssignOrder(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.StartExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type completeCheckpointRequest struct {
	Proof string `json:"proof,omitempty"`
}

func (s *Server) handleCompleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req completeCheckpointRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
			return
		}
	}
	order, err := s.orders.CompleteCheckpoint(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), req.Proof)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type completeOrderRequest struct {
	Proof string `json:"proof,omitempty"`
}

func (s *Server) handleCompleteOrder(w http.ResponseWriter, r *http.Request) {
	var req completeOrderRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
			return
		}
	}
	order, err := s.orders.CompleteOrder(r.Context(), chi.URLParam(r, "id"), req.Proof)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	telemetry.OrdersCompleted.Inc()
	telemetry.EscrowSettled.Inc()
	writeJSON(w, http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason    string `json:"reason"`
	Initiator string `json:"initiator,omitempty"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	initiator := req.Initiator
	if initiator == "" {
		initiator = models.InitiatorCreator
	}
	order, err := s.orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason, initiator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	telemetry.OrdersCancelled.Inc()
	telemetry.EscrowSettled.Inc()
	writeJSON(w, http.StatusOK, order)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	order, err := s.orders.DisputeOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	telemetry.OrdersDisputed.Inc()
	writeJSON(w, http.StatusOK, order)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	order, err := s.orders.ResolveDispute(r.Context(), chi.URLParam(r, "id"), req.Outcome, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type confirmPenaltyRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleConfirmPenalty(w http.ResponseWriter, r *http.Request) {
	var req confirmPenaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	rec, err := s.orders.ConfirmPenalty(r.Context(), chi.URLParam(r, "id"), req.Approve)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type submitReviewRequest struct {
	Ratings models.Ratings `json:"ratings"`
	Comment string         `json:"comment,omitempty"`
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req submitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	review, err := s.ratings.SubmitReview(r.Context(), rating.ReviewInput{
		OrderID:    chi.URLParam(r, "id"),
		ReviewerID: actorFromRequest(r),
		Ratings:    req.Ratings,
		Comment:    req.Comment,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	telemetry.ReviewsSubmitted.Inc()
	writeJSON(w, http.StatusCreated, review)
}

type flagRequest struct {
	Flag   string `json:"flag"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleFlagReview(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	review, err := s.ratings.SetFlag(r.Context(), chi.URLParam(r, "id"), req.Flag, req.Reason, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ratings.Reputation(r.Context(), chi.URLParam(r, "subjectId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type recalculateRequest struct {
	SubjectID string `json:"subject_id"`
	Category  string `json:"category"`
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json")
		return
	}
	job, err := s.ratings.Recalculate(r.Context(), rating.ScopeOf(req.SubjectID, req.Category))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ratings.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ratings.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeDomainError maps coded errors to HTTP: validation 400, missing
// 404, business rule 409, everything else a generic 500. Internal
// causes go to the log, never to the caller.
func writeDomainError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	switch {
	case errs.IsValidation(err):
		writeError(w, http.StatusBadRequest, code, err.Error())
	case code == errs.CodeOrderNotFound:
		writeError(w, http.StatusNotFound, code, err.Error())
	case errs.IsBusiness(err):
		writeError(w, http.StatusConflict, code, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, errs.CodeInternal, "temporarily unavailable, try again")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"disputeflow/classify"
	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/intake"
	"disputeflow/stats"
	"disputeflow/tradeline"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

// userHeader carries the caller identity set by the upstream auth proxy.
const userHeader = "X-User-ID"

type disputeService interface {
	Create(ctx context.Context, p dispute.CreateParams) (dispute.Record, error)
	Transition(ctx context.Context, p dispute.TransitionParams) (dispute.Record, error)
	Get(ctx context.Context, id string) (dispute.Record, error)
	ListByUser(ctx context.Context, userID string) ([]dispute.Record, error)
	History(ctx context.Context, disputeID string) ([]dispute.HistoryEntry, error)
	BureauCoverage(ctx context.Context, userID, identityID string) ([]dispute.Coverage, error)
}

type statsService interface {
	Statistics(ctx context.Context, userID string) (stats.UserStatistics, error)
}

type Server struct {
	disputeService disputeService
	statsService   statsService
	pipeline       *intake.Pipeline
	resolver       *identity.Resolver
	logger         *slog.Logger
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/classify", s.handleClassify)
		r.Get("/disputes", s.handleListDisputes)
		r.Post("/disputes", s.handleCreateDispute)
		r.Get("/disputes/{id}/history", s.handleDisputeHistory)
		r.Post("/disputes/{id}/transitions", s.handleTransition)
		r.Get("/identities/{id}/coverage", s.handleCoverage)
		r.Get("/statistics", s.handleStatistics)
	})
	return r
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(ctxKeyUserID).(string); ok {
			next.ServeHTTP(w, r)
			return
		}
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, userID)))
	})
}

func userFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

type disputeResponse struct {
	ID              string    `json:"id"`
	IdentityID      string    `json:"identityId"`
	IdentityKey     string    `json:"identityKey"`
	Bureau          string    `json:"bureau"`
	Status          string    `json:"status"`
	StatusChangedAt time.Time `json:"statusChangedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	Reason          string    `json:"reason,omitempty"`
	MailingRef      *string   `json:"mailingRef,omitempty"`
	ReopensID       *string   `json:"reopensId,omitempty"`
	Version         int64     `json:"version"`
}

func toDisputeResponse(r dispute.Record) disputeResponse {
	return disputeResponse{
		ID:              r.ID,
		IdentityID:      r.IdentityID,
		IdentityKey:     r.IdentityKey,
		Bureau:          string(r.Bureau),
		Status:          string(r.Status),
		StatusChangedAt: r.StatusChangedAt,
		CreatedAt:       r.CreatedAt,
		Reason:          r.Reason,
		MailingRef:      r.MailingRef,
		ReopensID:       r.ReopensID,
		Version:         r.Version,
	}
}

type historyResponse struct {
	Seq       int       `json:"seq"`
	Previous  *string   `json:"previous"`
	Next      string    `json:"next"`
	ChangedBy string    `json:"changedBy"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}

type assessmentResponse struct {
	Bureau string          `json:"bureau"`
	Result classify.Result `json:"result"`
}

type accountResponse struct {
	Identity          identity.Identity    `json:"identity"`
	Negative          bool                 `json:"negative"`
	DisputableBureaus []tradeline.Bureau   `json:"disputableBureaus"`
	Assessments       []assessmentResponse `json:"assessments"`
}

type rejectionResponse struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type classifyResponse struct {
	Accounts []accountResponse   `json:"accounts"`
	Rejected []rejectionResponse `json:"rejected"`
	Disputes []intake.Outcome    `json:"disputes,omitempty"`
}

func toClassifyResponse(report intake.Report, outcomes []intake.Outcome) classifyResponse {
	out := classifyResponse{
		Accounts: make([]accountResponse, 0, len(report.Accounts)),
		Rejected: make([]rejectionResponse, 0, len(report.Rejected)),
		Disputes: outcomes,
	}
	for _, a := range report.Accounts {
		ar := accountResponse{
			Identity:          a.Identity,
			Negative:          a.Negative(),
			DisputableBureaus: a.DisputableBureaus(),
		}
		for _, b := range tradeline.Bureaus {
			if as, ok := a.ByBureau[b]; ok {
				ar.Assessments = append(ar.Assessments, assessmentResponse{Bureau: string(b), Result: as.Result})
			}
		}
		out.Accounts = append(out.Accounts, ar)
	}
	for _, r := range report.Rejected {
		out.Rejected = append(out.Rejected, rejectionResponse{Index: r.Index, Error: r.Err.Error()})
	}
	return out
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tradelines   []tradeline.Input `json:"tradelines"`
		OpenDisputes bool              `json:"openDisputes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	report, err := s.pipeline.Process(r.Context(), body.Tradelines)
	if err != nil {
		s.respondError(w, err)
		return
	}

	var outcomes []intake.Outcome
	if body.OpenDisputes {
		outcomes, err = s.pipeline.OpenDisputes(r.Context(), s.disputeService, userFromContext(r.Context()), report.Accounts)
		if err != nil {
			s.respondError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toClassifyResponse(report, outcomes))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputeService.ListByUser(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.respondError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleCreateDispute resolves the identity from the submitted tradeline and
// opens a dispute at the tradeline's bureau.
func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tradeline tradeline.Input `json:"tradeline"`
		Reason    string          `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	rec, err := tradeline.Parse(body.Tradeline)
	if err != nil {
		s.respondError(w, err)
		return
	}
	ident, err := s.resolver.Resolve(rec)
	if err != nil {
		s.respondError(w, err)
		return
	}

	created, err := s.disputeService.Create(r.Context(), dispute.CreateParams{
		UserID:   userFromContext(r.Context()),
		Identity: ident,
		Bureau:   rec.Bureau,
		Reason:   body.Reason,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(created))
}

// ownedDispute loads id and hides disputes of other users as not found.
func (s *Server) ownedDispute(r *http.Request, id string) (dispute.Record, error) {
	rec, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		return dispute.Record{}, err
	}
	if rec.UserID != userFromContext(r.Context()) {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return rec, nil
}

func (s *Server) handleDisputeHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedDispute(r, id); err != nil {
		s.respondError(w, err)
		return
	}
	history, err := s.disputeService.History(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	items := make([]historyResponse, 0, len(history))
	for _, h := range history {
		hr := historyResponse{Seq: h.Seq, Next: string(h.Next), ChangedBy: string(h.ChangedBy), Note: h.Note, At: h.At}
		if h.Previous != nil {
			p := string(*h.Previous)
			hr.Previous = &p
		}
		items = append(items, hr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleTransition applies a user-attributed status change. System
// transitions only originate from the expiry sweep.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status  string `json:"status"`
		Note    string `json:"note"`
		Version int64  `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	next := dispute.Status(strings.ToLower(strings.TrimSpace(body.Status)))
	if !next.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if _, err := s.ownedDispute(r, id); err != nil {
		s.respondError(w, err)
		return
	}

	updated, err := s.disputeService.Transition(r.Context(), dispute.TransitionParams{
		DisputeID: id,
		Next:      next,
		By:        dispute.ActorUser,
		Note:      body.Note,
		Version:   body.Version,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(updated))
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	coverage, err := s.disputeService.BureauCoverage(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	type item struct {
		Bureau    string  `json:"bureau"`
		Status    string  `json:"status"`
		DisputeID *string `json:"disputeId,omitempty"`
	}
	items := make([]item, 0, len(coverage))
	for _, c := range coverage {
		it := item{Bureau: string(c.Bureau), Status: string(c.Status)}
		if c.Record != nil {
			id := c.Record.ID
			it.DisputeID = &id
		}
		items = append(items, it)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := s.statsService.Statistics(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tradeline.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, "dispute not found")
	case errors.Is(err, dispute.ErrDuplicateDispute):
		writeError(w, http.StatusConflict, "dispute already in progress")
	case errors.Is(err, dispute.ErrConflict):
		writeError(w, http.StatusConflict, "dispute was modified concurrently; reload and retry")
	case errors.Is(err, dispute.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

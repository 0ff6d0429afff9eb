package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taxway/regtruth/arbiter"
	"github.com/taxway/regtruth/audit"
	"github.com/taxway/regtruth/kit"
	"github.com/taxway/regtruth/regstore"
	"github.com/taxway/regtruth/releaser"
	"github.com/taxway/regtruth/sentinel"
)

// Router builds the HTTP surface: evaluation for the consuming application,
// the human review operations, release verification, and endpoint admin.
// Authentication is left to the deployment in front of it; the reviewer
// identity travels in the X-Reviewer-ID header.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(reviewerIdentity)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/evaluate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Context map[string]any `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rules, err := s.Evaluate(r.Context(), req.Context)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
	})

	r.Route("/api/rules", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			status := regstore.RuleStatus(r.URL.Query().Get("status"))
			if status == "" {
				status = regstore.StatusPendingReview
			}
			rules, err := s.store.ListRulesByStatus(r.Context(), status, queryLimit(r))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, rules)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			rule, err := s.store.GetRule(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if rule == nil {
				writeError(w, http.StatusNotFound, errors.New("rule not found"))
				return
			}
			citations, err := s.Citations(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"rule": rule, "citations": citations,
			})
		})
		r.Post("/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ReviewerID string `json:"reviewer_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			err := s.Approve(r.Context(), chi.URLParam(r, "id"), req.ReviewerID)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
		})
		r.Post("/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ReviewerID string `json:"reviewer_id"`
				Reason     string `json:"reason"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			err := s.Reject(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, req.Reason)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
		})
	})

	r.Route("/api/conflicts", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			open, err := s.store.ListOpenConflicts(r.Context(), queryLimit(r))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, open)
		})
		r.Post("/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				WinnerID  string `json:"winner_id"`
				Rationale string `json:"rationale"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			err := s.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.WinnerID, req.Rationale)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
		})
		r.Post("/{id}/escalate", func(w http.ResponseWriter, r *http.Request) {
			if err := s.EscalateConflict(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
		})
	})

	r.Route("/api/releases", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			releases, err := s.store.ListReleases(r.Context(), queryLimit(r))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, releases)
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			rel, err := s.PublishRelease(r.Context())
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, rel)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			rel, err := s.store.GetRelease(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if rel == nil {
				writeError(w, http.StatusNotFound, errors.New("release not found"))
				return
			}
			writeJSON(w, http.StatusOK, rel)
		})
		r.Get("/{id}/verify", func(w http.ResponseWriter, r *http.Request) {
			ok, err := s.VerifyRelease(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
		})
	})

	r.Route("/api/endpoints", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			eps, err := s.sentinel.Store().ListEndpoints(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, eps)
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var ep sentinel.DiscoveryEndpoint
			if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			ep.Active = true
			if err := s.sentinel.Store().InsertEndpoint(r.Context(), &ep); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			s.trail.Record(kit.GetReviewerID(r.Context()),
				audit.ActionEndpointRegistered, ep.ID,
				map[string]string{"url": ep.URL, "strategy": string(ep.Strategy)})
			writeJSON(w, http.StatusCreated, ep)
		})
		r.Post("/{id}/check", func(w http.ResponseWriter, r *http.Request) {
			n, err := s.sentinel.CheckEndpoint(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"new_items": n})
		})
		r.Post("/{id}/reactivate", func(w http.ResponseWriter, r *http.Request) {
			if err := s.sentinel.Store().ReactivateEndpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "reactivated"})
		})
	})

	r.Get("/api/audit", func(w http.ResponseWriter, r *http.Request) {
		events, err := s.trail.Query(r.Context(), audit.Filter{
			Action:    r.URL.Query().Get("action"),
			Actor:     r.URL.Query().Get("actor"),
			SubjectID: r.URL.Query().Get("subject"),
			Limit:     queryLimit(r),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	r.Get("/api/runs/failed", func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.store.ListFailedRuns(r.Context(),
			r.URL.Query().Get("stage"), queryLimit(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	return r
}

// reviewerIdentity lifts the reviewer header into the request context so
// every operation can attribute itself.
func reviewerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Reviewer-ID"); id != "" {
			r = r.WithContext(kit.WithReviewerID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, regstore.ErrRuleNotFound),
		errors.Is(err, arbiter.ErrConflictNotFound),
		errors.Is(err, ErrReleaseNotFound),
		errors.Is(err, sentinel.ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, regstore.ErrApprovalRequired):
		return http.StatusForbidden
	case errors.Is(err, regstore.ErrBadTransition),
		errors.Is(err, sentinel.ErrDuplicateEndpoint):
		return http.StatusConflict
	case errors.Is(err, releaser.ErrNothingToRelease):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

package calendarapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/groupcal/server/internal/app/events"
	"github.com/groupcal/server/internal/contracts"
	platformauth "github.com/groupcal/server/internal/platform/auth"
	"github.com/groupcal/server/internal/platform/metrics"
)

// Core is the mutation and query surface the HTTP layer exposes.
type Core interface {
	Create(ctx context.Context, actor string, cmd events.CreateCommand) (events.Event, error)
	Update(ctx context.Context, actor, id string, cmd events.UpdateCommand, mode string, expectedSeq int64) (events.Event, error)
	Delete(ctx context.Context, id, mode string) error
	SetAttendance(ctx context.Context, eventID, userID, status string) (events.Event, error)
	ListActive(ctx context.Context, chatID, threadID string, from, to time.Time) ([]events.Event, error)
	GetGroupInfo(ctx context.Context, eventID string) (events.GroupInfo, error)
}

// LatestReader answers chat freshness probes from the running-max table.
type LatestReader interface {
	LatestEventAt(ctx context.Context, chatID, threadID string) (time.Time, error)
}

type Handler struct {
	Core          Core
	Latest        LatestReader
	Auth          platformauth.Manager
	AllowedOrigin string
}

func NewHandler(core Core, latest LatestReader, auth platformauth.Manager, allowedOrigin string) *Handler {
	return &Handler{
		Core:          core,
		Latest:        latest,
		Auth:          auth,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/events", h.handleCreate)
		authR.Get("/api/v1/events", h.handleList)
		authR.Patch("/api/v1/events/{eventID}", h.handleUpdate)
		authR.Delete("/api/v1/events/{eventID}", h.handleDelete)
		authR.Put("/api/v1/events/{eventID}/attendance", h.handleAttendance)
		authR.Get("/api/v1/events/{eventID}/series", h.handleSeries)
		authR.Get("/api/v1/chats/{chatID}/latest", h.handleLatest)
	})

	return r
}

type createEventRequest struct {
	ChatID         string    `json:"chat_id"`
	ThreadID       string    `json:"thread_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	Timezone       string    `json:"timezone"`
	RRule          string    `json:"rrule"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type updateEventRequest struct {
	Title            *string    `json:"title"`
	Description      *string    `json:"description"`
	StartsAt         *time.Time `json:"starts_at"`
	EndsAt           *time.Time `json:"ends_at"`
	Timezone         *string    `json:"timezone"`
	RRule            *string    `json:"rrule"`
	Mode             string     `json:"mode"`
	ExpectedSequence int64      `json:"expected_sequence"`
}

type attendanceRequest struct {
	Status string `json:"status"`
}

type groupResponse struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chat_id"`
	ThreadID        string    `json:"thread_id,omitempty"`
	RRule           string    `json:"rrule"`
	TemplateEventID string    `json:"template_event_id"`
	Horizon         time.Time `json:"horizon"`
}

type seriesResponse struct {
	Group    groupResponse             `json:"group"`
	Template contracts.EventSnapshot   `json:"template"`
	Members  []contracts.EventSnapshot `json:"members"`
}

type latestResponse struct {
	ChatID   string    `json:"chat_id"`
	ThreadID string    `json:"thread_id,omitempty"`
	LatestAt time.Time `json:"latest_at"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	ev, err := h.Core.Create(r.Context(), claims.Subject, events.CreateCommand{
		ChatID:         req.ChatID,
		ThreadID:       req.ThreadID,
		Title:          req.Title,
		Description:    req.Description,
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		Timezone:       req.Timezone,
		RRule:          req.RRule,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	metrics.Mutations.WithLabelValues("create").Inc()
	h.writeJSON(w, http.StatusCreated, events.Snapshot(ev))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}
	list, err := h.Core.ListActive(r.Context(), q.Get("chat_id"), q.Get("thread_id"), from, to)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	snapshots := make([]contracts.EventSnapshot, 0, len(list))
	for _, ev := range list {
		snapshots = append(snapshots, events.Snapshot(ev))
	}
	h.writeJSON(w, http.StatusOK, snapshots)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req updateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	ev, err := h.Core.Update(r.Context(), claims.Subject, eventID, events.UpdateCommand{
		Title:       req.Title,
		Description: req.Description,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		Timezone:    req.Timezone,
		RRule:       req.RRule,
	}, req.Mode, req.ExpectedSequence)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	metrics.Mutations.WithLabelValues("update").Inc()
	h.writeJSON(w, http.StatusOK, events.Snapshot(ev))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	mode := r.URL.Query().Get("mode")
	if err := h.Core.Delete(r.Context(), eventID, mode); err != nil {
		h.writeServiceError(w, err)
		return
	}
	metrics.Mutations.WithLabelValues("delete").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAttendance(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req attendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	ev, err := h.Core.SetAttendance(r.Context(), eventID, claims.Subject, req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	metrics.Mutations.WithLabelValues("attendance").Inc()
	h.writeJSON(w, http.StatusOK, events.Snapshot(ev))
}

func (h *Handler) handleSeries(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	info, err := h.Core.GetGroupInfo(r.Context(), eventID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	members := make([]contracts.EventSnapshot, 0, len(info.Members))
	for _, ev := range info.Members {
		members = append(members, events.Snapshot(ev))
	}
	h.writeJSON(w, http.StatusOK, seriesResponse{
		Group: groupResponse{
			ID:              info.Group.ID,
			ChatID:          info.Group.ChatID,
			ThreadID:        info.Group.ThreadID,
			RRule:           info.Group.RRule,
			TemplateEventID: info.Group.TemplateEventID,
			Horizon:         info.Group.Horizon,
		},
		Template: events.Snapshot(info.Template),
		Members:  members,
	})
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	threadID := r.URL.Query().Get("thread_id")
	latest, err := h.Latest.LatestEventAt(r.Context(), chatID, threadID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, latestResponse{ChatID: chatID, ThreadID: threadID, LatestAt: latest})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, events.ErrChatRequired),
		errors.Is(err, events.ErrTitleRequired),
		errors.Is(err, events.ErrBadTiming),
		errors.Is(err, events.ErrBadTimezone),
		errors.Is(err, events.ErrBadStatus),
		errors.Is(err, events.ErrUnsupportedMode),
		errors.Is(err, events.ErrInvalidRule),
		errors.Is(err, events.ErrNotRecurring):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, events.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, events.ErrConflict):
		metrics.Conflicts.WithLabelValues("update").Inc()
		h.writeError(w, http.StatusConflict, "sequence conflict, reload and retry")
	case errors.Is(err, events.ErrTransactionFailed):
		h.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Auth.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

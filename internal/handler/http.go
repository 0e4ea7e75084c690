package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/service"
	"github.com/clan-roster/internal/websocket"
	"github.com/clan-roster/internal/worker"
)

// Ranks is the rank and requirement API backing the handler
type Ranks interface {
	Ranks(ctx context.Context) ([]domain.RankDefinition, error)
	Requirements(ctx context.Context, rank string) ([]domain.RequirementRow, error)
	SetRequirement(ctx context.Context, row domain.RequirementRow) (domain.RequirementRow, error)
	DeleteRequirement(ctx context.Context, id int64) error
	Validate(ctx context.Context, character string, requirementID int64, moderator string) (domain.ValidationLogEntry, error)
	Link(ctx context.Context, uid, character string) (domain.IdentityLink, error)
	Member(ctx context.Context, username string) (service.MemberProfile, error)
	Validations(ctx context.Context, username string) ([]domain.ValidationLogEntry, error)
	Eligibility(ctx context.Context, onlyReady bool) ([]domain.Eligibility, error)
}

// Points is the points economy API backing the handler
type Points interface {
	Award(ctx context.Context, award domain.PointsAward, source string) (domain.PointsResult, error)
	Balance(ctx context.Context, uid string) (domain.PointsBalance, error)
	Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	SetAnnouncementChannel(ctx context.Context, channelID string) error
}

// Rewards claims reaction rewards
type Rewards interface {
	Claim(ctx context.Context, uid string) (domain.RewardClaim, error)
}

// Jobs triggers and reports scheduled jobs
type Jobs interface {
	Trigger(name string) (bool, error)
	Status() []worker.JobStatus
}

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the roster API
type Handler struct {
	ranks    Ranks
	points   Points
	rewards  Rewards
	jobs     Jobs
	hub      *websocket.Hub
	checks   map[string]Pinger
	metrics  http.Handler
	validate *validator.Validate
	logger   *slog.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithReadinessCheck adds a dependency probed by /ready
func WithReadinessCheck(name string, p Pinger) Option {
	return func(h *Handler) { h.checks[name] = p }
}

// WithMetrics mounts a metrics handler at /metrics
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a new HTTP handler
func NewHandler(ranks Ranks, points Points, rewards Rewards, jobs Jobs, hub *websocket.Hub, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		ranks:    ranks,
		points:   points,
		rewards:  rewards,
		jobs:     jobs,
		hub:      hub,
		checks:   make(map[string]Pinger),
		validate: validator.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	if h.hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/{job}/run", h.RunJob)
		})

		r.Route("/members/{username}", func(r chi.Router) {
			r.Get("/", h.GetMember)
			r.Get("/validations", h.GetValidations)
		})

		r.Route("/ranks", func(r chi.Router) {
			r.Get("/", h.ListRanks)
			r.Get("/{rank}/requirements", h.GetRequirements)
			r.Put("/{rank}/requirements", h.PutRequirement)
			r.Delete("/{rank}/requirements", h.DeleteRequirement)
		})

		r.Post("/validations", h.CreateValidation)
		r.Get("/eligibility", h.GetEligibility)
		r.Post("/identities", h.LinkIdentity)

		r.Route("/points", func(r chi.Router) {
			r.Post("/", h.AwardPoints)
			r.Get("/top", h.GetTop)
			r.Get("/{uid}", h.GetBalance)
		})
		r.Post("/rewards/claim", h.ClaimReward)
		r.Put("/settings/points-channel", h.PutPointsChannel)

		if h.hub != nil {
			r.Get("/ws/stats", h.GetWebSocketStats)
		}
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error onto an HTTP status. Unexpected
// errors are logged and hidden behind ErrInternalError.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotPermitted):
		h.writeError(w, http.StatusForbidden, err)
	case domain.IsNotFoundError(err), errors.Is(err, domain.ErrUnknownJob):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrDuplicateIdentity), errors.Is(err, domain.ErrAlreadyClaimed),
		errors.Is(err, domain.ErrClaimWindowFull):
		h.writeError(w, http.StatusConflict, err)
	case domain.IsRejection(err):
		h.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// decode reads a JSON body into dst and checks its validate tags
func (h *Handler) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.ErrInvalidRequest
	}
	if err := h.validate.Struct(dst); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once every registered dependency answers a ping
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ready"}
	ready := true
	for name, p := range h.checks {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}
	if !ready {
		status["status"] = "not ready"
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{Success: false, Data: status})
		return
	}
	h.writeSuccess(w, status)
}

// ListJobs returns the state of every scheduled job
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.jobs.Status())
}

// RunJob queues an on-demand run of a job. A run already pending is
// coalesced with this one.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	queued, err := h.jobs.Trigger(name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"job":       name,
			"queued":    queued,
			"coalesced": !queued,
		},
	})
}

// GetMember returns a member's profile
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	profile, err := h.ranks.Member(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, profile)
}

// GetValidations returns a member's validation log
func (h *Handler) GetValidations(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ranks.Validations(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, entries)
}

// ListRanks returns the rank ladder
func (h *Handler) ListRanks(w http.ResponseWriter, r *http.Request) {
	ranks, err := h.ranks.Ranks(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, ranks)
}

// GetRequirements returns the requirements of a rank
func (h *Handler) GetRequirements(w http.ResponseWriter, r *http.Request) {
	rows, err := h.ranks.Requirements(r.Context(), chi.URLParam(r, "rank"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, rows)
}

// RequirementRequest sets one requirement of a rank
type RequirementRequest struct {
	Type          string `json:"requirement_type" validate:"required"`
	RequiredValue string `json:"required_value" validate:"required"`
}

// PutRequirement creates or replaces a rank requirement
func (h *Handler) PutRequirement(w http.ResponseWriter, r *http.Request) {
	var req RequirementRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	row, err := h.ranks.SetRequirement(r.Context(), domain.RequirementRow{
		Rank:          chi.URLParam(r, "rank"),
		Type:          req.Type,
		RequiredValue: req.RequiredValue,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, row)
}

// DeleteRequirement removes the requirement named by the id query parameter,
// or the rank's requirement of the type query parameter
func (h *Handler) DeleteRequirement(w http.ResponseWriter, r *http.Request) {
	var id int64
	if kind := r.URL.Query().Get("type"); kind != "" {
		rows, err := h.ranks.Requirements(r.Context(), chi.URLParam(r, "rank"))
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		for _, row := range rows {
			if strings.EqualFold(row.Type, kind) {
				id = row.ID
			}
		}
		if id == 0 {
			h.writeServiceError(w, r, domain.ErrRequirementNotFound)
			return
		}
	} else {
		parsed, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		id = parsed
	}
	if err := h.ranks.DeleteRequirement(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"deleted": id})
}

// ValidationRequest records a moderator's validation of a requirement
type ValidationRequest struct {
	CharacterName string `json:"character_name" validate:"required"`
	RequirementID int64  `json:"requirement_id" validate:"gt=0"`
	ValidatedBy   string `json:"validated_by" validate:"required"`
}

// CreateValidation records a manual requirement validation
func (h *Handler) CreateValidation(w http.ResponseWriter, r *http.Request) {
	var req ValidationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := h.ranks.Validate(r.Context(), req.CharacterName, req.RequirementID, req.ValidatedBy)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: entry})
}

// GetEligibility returns the promotion report. ready=true keeps only members
// meeting every requirement.
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	onlyReady, _ := strconv.ParseBool(r.URL.Query().Get("ready"))
	report, err := h.ranks.Eligibility(r.Context(), onlyReady)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, report)
}

// LinkRequest ties a chat identity to a character
type LinkRequest struct {
	DiscordUID    string `json:"discord_uid" validate:"required"`
	CharacterName string `json:"character_name" validate:"required"`
}

// LinkIdentity links a chat identity to a member
func (h *Handler) LinkIdentity(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	link, err := h.ranks.Link(r.Context(), req.DiscordUID, req.CharacterName)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: link})
}

// AwardRequest gives or removes points between two chat identities
type AwardRequest struct {
	GiverUID     string `json:"giver_uid" validate:"required"`
	RecipientUID string `json:"recipient_uid" validate:"required"`
	Points       int64  `json:"points" validate:"ne=0"`
	Reason       string `json:"reason,omitempty"`
	EventID      string `json:"event_id,omitempty"`
}

// AwardPoints gives or removes points
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.points.Award(r.Context(), domain.PointsAward{
		GiverUID:     req.GiverUID,
		RecipientUID: req.RecipientUID,
		Points:       req.Points,
		Reason:       req.Reason,
		EventID:      req.EventID,
	}, "http")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, result)
}

// GetTop returns the points leaderboard
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	entries, err := h.points.Top(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetBalance returns the points position of a chat identity
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.points.Balance(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, balance)
}

// ChannelRequest names the chat channel for points announcements. An empty
// id turns announcements off.
type ChannelRequest struct {
	ChannelID string `json:"channel_id"`
}

// PutPointsChannel sets the points announcement channel
func (h *Handler) PutPointsChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.points.SetAnnouncementChannel(r.Context(), req.ChannelID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, req)
}

// ClaimRequest claims the current reaction reward
type ClaimRequest struct {
	DiscordUID string `json:"discord_uid" validate:"required"`
}

// ClaimReward claims the reaction reward for the current window
func (h *Handler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	claim, err := h.rewards.Claim(r.Context(), req.DiscordUID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeSuccess(w, claim)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.TotalConnections(),
	})
}

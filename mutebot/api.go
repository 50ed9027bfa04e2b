package mutebot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix        = "/debug"
	apiPrefix          = "/api"
	apiHealthCheck     = "/healthz"
	apiPathGuildMutes  = "/guilds/:guild_id/mutes"
	apiPathGuildMute   = "/guilds/:guild_id/mutes/:user_id"
	apiPathGuildConfig = "/guilds/:guild_id/settings"

	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

// API is the admin HTTP server. Every route under /api requires the
// configured secret as a bearer token.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine and HTTP server. Nothing is listening
// until Serve is called.
func newAPI(handlers *APIHandlers, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		handlers:       handlers,
		logger:         logger,
	}
	handlers.logger = logger

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
	)
	// cors.New panics without any allowed origins
	if len(config.CORS.AllowOrigins) > 0 {
		r.Use(cors.New(config.CORS.GINConfig()))
	}

	r.GET(apiHealthCheck, handlers.healthCheck)

	if config.Debug {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))

	protected.GET(apiPathGuildMutes, handlers.listMutes)
	protected.POST(apiPathGuildMutes, handlers.createMute)
	protected.DELETE(apiPathGuildMute, handlers.liftMute)
	protected.GET(apiPathGuildConfig, handlers.getSettings)
	protected.PUT(apiPathGuildConfig, handlers.updateSettings)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if e != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers contains the handlers for the API endpoints.
type APIHandlers struct {
	mutes     *MuteService
	settings  GuildSettingsStore
	scheduler *Scheduler
	discord   *Discord
	logger    *slog.Logger
}

type healthCheckResponse struct {
	PendingUnmutes          int   `json:"pending_unmutes"`
	UnmutesFired            int64 `json:"unmutes_fired"`
	UnmutesCanceled         int64 `json:"unmutes_canceled"`
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type createMuteRequest struct {
	UserID   string `json:"user_id" binding:"required,numeric"`
	Duration string `json:"duration" binding:"required"`
}

type updateSettingsRequest struct {
	MuteRoleID string `json:"mute_role_id" binding:"required,numeric"`
}

// muteResponse is a [MuteRecord] with its timestamps rendered for humans
type muteResponse struct {
	MuteRecord
	MutedAtTime  time.Time `json:"muted_at_time"`
	UnmuteAtTime time.Time `json:"unmute_at_time"`
}

type liftResponse struct {
	Mute          *MuteRecord `json:"mute,omitempty"`
	MemberGone    bool        `json:"member_gone"`
	RestoredRoles []string    `json:"restored_roles"`
	FailedRoles   []string    `json:"failed_roles"`
}

func newMuteResponse(rec MuteRecord) muteResponse {
	return muteResponse{
		MuteRecord:   rec,
		MutedAtTime:  rec.MutedAtTime(),
		UnmuteAtTime: rec.UnmuteAtTime(),
	}
}

// healthCheck reports the number of armed unmutes, how many timers have
// fired or been cancelled since startup, and whether the discord
// gateway is connected.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{}
	if h.scheduler != nil {
		resp.PendingUnmutes = h.scheduler.Pending()
		resp.UnmutesFired = h.scheduler.metricFired.Load()
		resp.UnmutesCanceled = h.scheduler.metricCanceled.Load()
	}
	if h.discord != nil {
		resp.DiscordGatewayConnected = h.discord.connected.Load()
	}
	c.JSON(http.StatusOK, resp)
}

// listMutes responds with the guild's active mutes, soonest to end first.
func (h *APIHandlers) listMutes(c *gin.Context) {
	logger := ginContextLogger(c)
	records, err := h.mutes.Active(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		logger.Error("error listing mutes", tint.Err(err))
		ginReplyError(c, "error listing mutes")
		return
	}
	resp := make([]muteResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, newMuteResponse(rec))
	}
	c.JSON(http.StatusOK, resp)
}

// createMute mutes a member.
//
// Responses:
//   - 201 Created: the new (or replaced) mute
//   - 400 Bad Request: invalid payload or duration
//   - 404 Not Found: the user isn't a member of the guild
//   - 409 Conflict: the guild has no mute role
//   - 502 Bad Gateway: the mute role couldn't be assigned
func (h *APIHandlers) createMute(c *gin.Context) {
	logger := ginContextLogger(c)
	var req createMuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	// a client hanging up mid mute mustn't leave the member half muted
	ctx := WithLogger(context.WithoutCancel(c.Request.Context()), logger)
	result, err := h.mutes.MuteFor(ctx, c.Param("guild_id"), req.UserID, req.Duration)
	var mutationErr *RoleMutationError
	switch {
	case errors.Is(err, ErrInvalidDuration):
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
	case errors.Is(err, ErrMemberNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "member not found"})
	case errors.Is(err, ErrNoMuteRole):
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
	case errors.As(err, &mutationErr):
		c.AbortWithStatusJSON(http.StatusBadGateway, httpError{Error: err.Error()})
	case err != nil:
		logger.Error("error muting member", tint.Err(err))
		ginReplyError(c, "error muting member")
	default:
		c.JSON(http.StatusCreated, newMuteResponse(result.Record))
	}
}

// liftMute ends a mute early.
//
// Responses:
//   - 200 OK: the mute was lifted
//   - 404 Not Found: the member isn't muted
func (h *APIHandlers) liftMute(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := WithLogger(c.Request.Context(), logger)
	result, err := h.mutes.Lift(ctx, c.Param("guild_id"), c.Param("user_id"))
	switch {
	case errors.Is(err, ErrNotMuted):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("error lifting mute", tint.Err(err))
		ginReplyError(c, "error lifting mute")
		return
	}

	resp := liftResponse{
		Mute:          result.Record,
		MemberGone:    result.MemberGone,
		RestoredRoles: result.Restored.Succeeded(),
		FailedRoles:   []string{},
	}
	if resp.RestoredRoles == nil {
		resp.RestoredRoles = []string{}
	}
	for _, failed := range result.Restored.Failed() {
		resp.FailedRoles = append(resp.FailedRoles, failed.RoleID)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	settings, err := h.settings.GuildSettings(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		logger.Error("error getting guild settings", tint.Err(err))
		ginReplyError(c, "error getting guild settings")
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *APIHandlers) updateSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	settings, err := h.settings.SetMuteRole(
		c.Request.Context(),
		c.Param("guild_id"),
		req.MuteRoleID,
	)
	if err != nil {
		logger.Error("error updating guild settings", tint.Err(err))
		ginReplyError(c, "error updating guild settings")
		return
	}
	logger.Info("updated guild settings", "settings", structToSlogValue(settings))
	c.JSON(http.StatusOK, settings)
}

// authMiddleware rejects requests without the expected bearer token. If
// no secret is configured, every request is rejected.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !ok || secret == "" || !secretsEqual(token, secret) {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each request, and
// returns it in the X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

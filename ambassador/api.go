package ambassador

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix                = "/debug"
	apiPrefix                  = "/api"
	apiPathQuit                = "/quit"
	apiPathPause               = "/pause"
	apiPathResume              = "/resume"
	apiPathLogin               = "/login"
	apiPathLogout              = "/logout"
	apiPathLoggedIn            = "/logged_in"
	apiHealthCheck             = "/healthz"
	apiDiscordInteractions     = "/discord/interactions"
	apiPathRegisterCommands    = "/discord/register_commands"
	apiPathConfig              = "/config"
	apiPathMetrics             = "/metrics"
	apiPathSetup               = "/setup"
	apiPathSetupStatus         = "/setup/status"
	apiPathUsers               = "/users"
	apiPathUser                = "/users/:id"
	apiPathServers             = "/servers"
	apiPathCharacters          = "/characters"
	apiPathWarnings            = "/warnings"
	apiPathBans                = "/bans"
	apiPathNotes               = "/notes"
	apiPathRoleplays           = "/roleplays"
	apiPathRoleplayMessages    = "/roleplays/:id/messages"
	apiPathInteractionLogs     = "/interactions"
	apiPathSpecies             = "/species"
	apiPathSpeciesTransforms   = "/species/:name/transformations"
	apiPathColours             = "/colours"
	apiPathTransformations     = "/transformations"
	apiPathCatalogSeed         = "/catalog/seed"
	apiPathAutoroleEvaluate    = "/autoroles/evaluate"
	apiStopSignalTimeout       = 30 * time.Second
	apiNotificationSendTimeout = 10 * time.Second
)

var structValidator = validator.New()

// API is the admin HTTP server. Everything under apiPrefix requires
// a session created by logging in with the admin credentials.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger
}

func newAPI(a *Ambassador, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel))

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger.With(loggerNameKey, "api"),
	}
	api.store = newSessionStore(a)
	apiHandlers := &APIHandlers{a: a, api: api}

	httpServer, err := config.newHTTPServer(r)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	api.httpServer = httpServer
	corsConfig := config.CORS.corsConfig(config.Development)

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionName, api.store),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(a, api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathMetrics, apiHandlers.requestCounts)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	// services are created once the database is open, so routes look
	// them up per request
	protected.GET(
		apiPathUsers, listHandler(
			func(ctx context.Context, p Pagination) ([]User, error) { return a.users.List(ctx, p) },
		),
	)
	protected.GET(apiPathUser, apiHandlers.getUser)
	protected.PATCH(apiPathUser, apiHandlers.updateUser)
	protected.GET(
		apiPathServers, listHandler(
			func(ctx context.Context, p Pagination) ([]Server, error) { return a.servers.List(ctx, p) },
		),
	)
	protected.GET(
		apiPathCharacters, listHandler(
			func(ctx context.Context, p Pagination) ([]Character, error) { return a.characters.ListAll(ctx, p) },
		),
	)
	protected.GET(
		apiPathWarnings, listHandler(
			func(ctx context.Context, p Pagination) ([]UserWarning, error) {
				return a.moderation.ListAllWarnings(ctx, p)
			},
		),
	)
	protected.GET(
		apiPathBans, listHandler(
			func(ctx context.Context, p Pagination) ([]UserBan, error) { return a.moderation.ListAllBans(ctx, p) },
		),
	)
	protected.GET(
		apiPathNotes, listHandler(
			func(ctx context.Context, p Pagination) ([]UserNote, error) { return a.moderation.ListAllNotes(ctx, p) },
		),
	)
	protected.GET(
		apiPathRoleplays, listHandler(
			func(ctx context.Context, p Pagination) ([]Roleplay, error) { return a.roleplays.ListAll(ctx, p) },
		),
	)
	protected.GET(apiPathRoleplayMessages, apiHandlers.getRoleplayMessages)
	protected.GET(
		apiPathInteractionLogs, listHandler(
			func(ctx context.Context, p Pagination) ([]InteractionLog, error) {
				return listInteractionLogs(ctx, a.db, p)
			},
		),
	)

	protected.GET(
		apiPathSpecies, listHandler(
			func(ctx context.Context, p Pagination) ([]Species, error) {
				return a.transformations.ListSpecies(ctx, p)
			},
		),
	)
	protected.POST(
		apiPathSpecies, createHandler(
			func(ctx context.Context, n NewSpecies) (*Species, error) {
				return a.transformations.CreateSpecies(ctx, n)
			},
		),
	)
	protected.GET(apiPathSpeciesTransforms, apiHandlers.getSpeciesTransformations)
	protected.GET(
		apiPathColours, listHandler(
			func(ctx context.Context, p Pagination) ([]Colour, error) {
				return a.transformations.ListColours(ctx, p)
			},
		),
	)
	protected.POST(
		apiPathColours, createHandler(
			func(ctx context.Context, n NewColour) (*Colour, error) {
				return a.transformations.CreateColour(ctx, n)
			},
		),
	)
	protected.POST(
		apiPathTransformations, createHandler(
			func(ctx context.Context, n NewTransformation) (*Transformation, error) {
				return a.transformations.CreateTransformation(ctx, n)
			},
		),
	)
	protected.POST(apiPathCatalogSeed, apiHandlers.seedCatalog)
	protected.POST(apiPathAutoroleEvaluate, apiHandlers.evaluateAutoroles)

	return api, nil
}

// Serve listens on the configured address, with TLS if certs are set
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	} else {
		a.logger.Warn("starting API without TLS")
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the admin API's request handlers
type APIHandlers struct {
	a   *Ambassador
	api *API
}

func (h *APIHandlers) requestCounts(c *gin.Context) {
	c.JSON(http.StatusOK, h.api.RequestCounts())
}

type healthCheckResponse struct {
	Paused       bool          `json:"paused"`
	PendingSetup bool          `json:"pending_setup"`
	Gateway      *GatewayStats `json:"gateway,omitempty"`
	Uptime       string        `json:"uptime"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Paused:       h.a.paused.Load(),
		PendingSetup: h.a.pendingSetup.Load(),
	}
	if h.a.discord != nil {
		stats := h.a.discord.Stats()
		resp.Gateway = &stats
	}
	if !h.a.startedAt.IsZero() {
		resp.Uptime = time.Since(h.a.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	created, err := h.a.discord.registerCommands(h.a.commands.applicationCommands())
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.a.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// then notifies other instances to reload it
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var req RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("bad payload", tint.Err(err))
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := WithLogger(c, logger)
	updated, serversChanged, err := h.a.applyRuntimeConfigUpdate(ctx, req)
	if err != nil {
		logger.Error("error updating config", tint.Err(err))
		replyError(c, http.StatusInternalServerError, "error updating config")
		return
	}
	c.JSON(http.StatusAccepted, updated)

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), apiNotificationSendTimeout)
	defer cancel()
	for _, guildID := range serversChanged {
		h.a.publish(notifyCtx, notifyServerUpdated, guildID)
	}
	h.a.publish(notifyCtx, notifyRuntimeConfig, "")
}

// botQuit tells every instance to shut down
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiStopSignalTimeout)
	defer cancel()

	if !h.a.publish(WithLogger(ctx, log), notifyStop, "") {
		replyError(c, http.StatusGatewayTimeout, "unable to send stop signal")
		return
	}
	replyMessage(c, "quitting")
}

// botPause pauses command handling and background jobs on every instance
func (h *APIHandlers) botPause(c *gin.Context) {
	if !h.a.Pause(WithLogger(c, ginContextLogger(c))) {
		replyError(c, http.StatusConflict, "already paused")
		return
	}
	h.announceRuntimeConfigChange(c)
	replyMessage(c, "paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if !h.a.Resume(WithLogger(c, ginContextLogger(c))) {
		replyError(c, http.StatusConflict, "not paused")
		return
	}
	h.announceRuntimeConfigChange(c)
	replyMessage(c, "resumed")
}

func (h *APIHandlers) announceRuntimeConfigChange(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), apiNotificationSendTimeout)
	defer cancel()
	h.a.publish(WithLogger(ctx, ginContextLogger(c)), notifyRuntimeConfig, "")
}

func (h *APIHandlers) getUser(c *gin.Context) {
	u, err := h.a.users.GetUser(c, c.Param("id"))
	if err != nil {
		replyServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

type apiPatchUser struct {
	Ignored *bool `json:"ignored" binding:"required"`
}

// updateUser sets whether the bot ignores the user
func (h *APIHandlers) updateUser(c *gin.Context) {
	var patch apiPatchUser
	if err := c.ShouldBindJSON(&patch); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}
	userID := c.Param("id")
	if err := h.a.users.SetIgnored(c, userID, *patch.Ignored); err != nil {
		replyServiceError(c, err)
		return
	}
	u, err := h.a.users.GetUser(c, userID)
	if err != nil {
		replyServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *APIHandlers) getRoleplayMessages(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		replyError(c, http.StatusBadRequest, "invalid roleplay id")
		return
	}
	var p Pagination
	if e := c.ShouldBindQuery(&p); e != nil {
		replyError(c, http.StatusBadRequest, "invalid pagination")
		return
	}
	if _, err = h.a.roleplays.GetByID(c, uint(id)); err != nil {
		replyServiceError(c, err)
		return
	}
	messages, err := h.a.roleplays.ListMessages(c, uint(id), p)
	if err != nil {
		replyServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *APIHandlers) getSpeciesTransformations(c *gin.Context) {
	transformations, err := h.a.transformations.ListTransformations(c, c.Param("name"))
	if err != nil {
		replyServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, transformations)
}

// seedCatalog adds the built-in species and colours that don't exist yet
func (h *APIHandlers) seedCatalog(c *gin.Context) {
	result, err := h.a.transformations.Seed(WithLogger(c, ginContextLogger(c)))
	if err != nil {
		replyServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type autoroleEvaluateQuery struct {
	GuildID string `form:"guild_id" binding:"required"`
}

// evaluateAutoroles runs autorole evaluation for one guild immediately,
// rather than waiting for the schedule
func (h *APIHandlers) evaluateAutoroles(c *gin.Context) {
	var q autoroleEvaluateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		replyError(c, http.StatusBadRequest, err.Error())
		return
	}
	if h.a.paused.Load() {
		replyError(c, http.StatusConflict, ErrPaused.Error())
		return
	}
	result, err := h.a.autoroles.Evaluate(WithLogger(c, ginContextLogger(c)), q.GuildID)
	if err != nil {
		replyServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// listHandler binds [Pagination] from the query string and replies with
// whatever list returns
func listHandler[T any](list func(ctx context.Context, p Pagination) ([]T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p Pagination
		if err := c.ShouldBindQuery(&p); err != nil {
			replyError(c, http.StatusBadRequest, "invalid pagination")
			return
		}
		items, err := list(c, p)
		if err != nil {
			replyServiceError(c, err)
			return
		}
		if items == nil {
			items = []T{}
		}
		c.JSON(http.StatusOK, items)
	}
}

// createHandler binds a JSON body of type N and replies 201 with the
// created item
func createHandler[N any, T any](create func(ctx context.Context, n N) (*T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var n N
		if err := c.ShouldBindJSON(&n); err != nil {
			replyError(c, http.StatusBadRequest, err.Error())
			return
		}
		item, err := create(WithLogger(c, ginContextLogger(c)), n)
		if err != nil {
			replyServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

//nolint:gochecknoinits // validator tag name must match gin's
func init() {
	structValidator.SetTagName("binding")
}

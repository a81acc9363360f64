package ambassador

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/ambassador/ambassador.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	setupPollInterval             = 5 * time.Second
	runtimeConfigRefreshTimeout   = 30 * time.Second
	runtimeConfigRefreshSendAfter = 5 * time.Second
	shutdownAnnouncementInterval  = 10 * time.Second
	serverNotifyTimeout           = 10 * time.Second
)

// Ambassador is the bot: it owns the database, the discord session, the
// admin API, the optional webhook server, and the services behind every
// slash command.
type Ambassador struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	// db is used for reads, writeDB for writes
	db      *gorm.DB
	writeDB DBI

	discord              *Discord
	dbNotifier           DBNotifier
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// webhookInteractionHandler handles interactions POSTed to the
	// webhook server. It's set on Run, as it needs the runtime context.
	webhookInteractionHandler func(c *gin.Context)

	// getInteractionHandlerFunc wraps gateway interactions in an
	// [InteractionHandler]. Tests replace it to capture responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	cache           SettingsCache
	users           *UserService
	servers         *ServerService
	characters      *CharacterService
	transformations *TransformationService
	moderation      *ModerationService
	autoroles       *AutoroleService
	roleplays       *RoleplayService
	commands        *commandRegistry
	jobs            *jobs

	signalStop    chan struct{}
	signalReady   chan struct{}
	eventShutdown chan struct{}

	triggerServerUpdatedCh        chan string
	triggerRuntimeConfigRefreshCh chan bool

	// runMu prevents concurrent calls to Run
	runMu sync.Mutex

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// pendingSetup is true until admin credentials are set via the API
	pendingSetup atomic.Bool
	paused       atomic.Bool
	startedAt    time.Time

	// registerCommands overwrites the registered slash commands on Run
	registerCommands bool
}

// New creates an Ambassador from the given config. Any errors found while
// setting up are joined and returned together.
func New(config *Config) (*Ambassador, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(errs, errors.New("invalid database type (must be 'sqlite' or 'postgres')"))
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	a := &Ambassador{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerServerUpdatedCh:        make(chan string, 1),
		signalStop:                    make(chan struct{}, 1),
		commands:                      defaultCommands(),
	}
	defaultConfig := DefaultRuntimeConfig()
	a.runtimeConfig = &defaultConfig

	a.logHandler = newLogHandler(config.LogLevel)
	a.logger = slog.New(a.logHandler)
	slog.SetDefault(a.logger)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
		disc = &Discord{config: config.Discord}
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	disc.logger = slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord")
	disc.amb = a
	a.discord = disc

	a.cache = newSettingsCache(config.Cache)

	if config.Jobs != nil {
		j, jobErr := newJobs(a, config.Jobs)
		errs = append(errs, jobErr)
		a.jobs = j
	}

	api, err := newAPI(a, config.API)
	errs = append(errs, err)
	a.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(a, config.Discord.WebhookServer)
		errs = append(errs, e)
		a.discordWebhookServer = webhookServer
	}

	return a, errors.Join(errs...)
}

// initServices builds the services on top of writeDB. It's called once
// the database is open.
func (a *Ambassador) initServices() {
	concurrency := DefaultAutoroleConcurrency
	if a.config.Jobs != nil {
		concurrency = a.config.Jobs.AutoroleConcurrency
	}

	a.users = NewUserService(a.writeDB, a.logger, a.config.UserCacheTTL)
	a.servers = NewServerService(a.writeDB, a.cache, a.logger)
	a.servers.defaultWarningThreshold = func() int {
		return a.RuntimeConfig().DefaultWarningThreshold
	}
	a.servers.onUpdate = a.notifyServerUpdated
	a.characters = NewCharacterService(a.writeDB, a.users, a.logger)
	a.transformations = NewTransformationService(a.writeDB, a.users, a.servers, a.logger)
	a.moderation = NewModerationService(a.writeDB, a.servers, a.users, a.discord, a.logger)
	a.autoroles = NewAutoroleService(a.writeDB, a.discord, a.logger, concurrency)
	a.roleplays = NewRoleplayService(a.writeDB, a.users, a.logger)
}

func (a *Ambassador) ValidateConfig() error {
	return a.config.Validate()
}

// RuntimeConfig returns a copy of the current runtime configuration
func (a *Ambassador) RuntimeConfig() RuntimeConfig {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return *a.runtimeConfig
}

// RegisterSlashCommands overwrites the bot's registered commands
func (a *Ambassador) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return a.discord.registerCommands(a.commands.applicationCommands(), options...)
}

// RegisterCommandsOnReady makes Run register the bot's slash commands
// once the discord session is created
func (a *Ambassador) RegisterCommandsOnReady() {
	a.registerCommands = true
}

// Run opens the database, connects to discord and serves the API until
// ctx is canceled or a stop signal is received, then shuts down.
func (a *Ambassador) Run(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.startedAt = time.Now()
	logger := a.logger

	if err := a.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(a)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	a.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	a.webhookInteractionHandler = webhookReceiveHandler(ctx, a)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", a.config))

	// canceling the runtime context starts a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-a.signalStop:
			a.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			a.logger.Warn("context canceled")
		}
	}()

	go func() {
		httpErr := a.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			a.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, a.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- a.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if a.api != nil && a.api.listener != nil {
				go func() {
					if e := a.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := a.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	runtimeCfg := a.RuntimeConfig()

	if a.discordWebhookServer != nil {
		a.startWebhookServer(ctx, runtimeWG)
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if discErr := a.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if a.registerCommands {
		if _, regErr := a.RegisterSlashCommands(); regErr != nil {
			return fmt.Errorf("error registering commands: %w", regErr)
		}
	}

	if discErr := a.discordInit(ctx, runtimeCfg, logger); discErr != nil {
		return discErr
	}

	a.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	a.startServerUpdatedListener(ctx, runtimeWG)
	if a.jobs != nil {
		a.jobs.Start(ctx, runtimeWG)
	}

	a.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := a.dbNotifier.Listen(ctx); e != nil {
			logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	// block until an interrupt, or a stop signal from the API
	<-ctx.Done()

	return a.shutdown(ctx, runtimeWG)
}

// initRun opens the database, builds the services, and loads (or
// creates) the runtime config
func (a *Ambassador) initRun(ctx context.Context) error {
	a.logger.Debug("initializing DB...")
	if err := a.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	a.initServices()

	// the runtime config is persisted so a paused bot stays paused
	// across restarts
	var state RuntimeConfig
	if err := a.db.WithContext(ctx).Last(&state).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", err)
		}
		state = DefaultRuntimeConfig()
		if _, err = a.writeDB.Create(ctx, &state); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if err := structValidator.Struct(state); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		a.pendingSetup.Store(true)
	}
	a.paused.Store(state.Paused)
	a.setRuntimeLevels(state)

	a.cfgMu.Lock()
	a.runtimeConfig = &state
	a.cfgMu.Unlock()

	return a.seedCatalogIfEmpty(ctx)
}

func (a *Ambassador) initDB(ctx context.Context) error {
	gl := newGORMLogger(newLogHandler(a.config.DatabaseLogLevel), a.config.DatabaseSlowThreshold)
	db, err := openDB(ctx, a.config.DatabaseType, a.config.Database, gl)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	a.logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	a.db = db
	a.writeDB = NewDatabase(db, a.logger, a.config.DatabaseType == dbTypePostgres)
	return nil
}

// seedCatalogIfEmpty creates the built-in species and colours the first
// time the bot starts against a database
func (a *Ambassador) seedCatalogIfEmpty(ctx context.Context) error {
	var count int64
	if err := a.db.WithContext(ctx).Model(&Species{}).Count(&count).Error; err != nil {
		return fmt.Errorf("error counting species: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := a.transformations.Seed(ctx)
	return err
}

// waitOnSetup blocks until admin credentials exist, which happens via the
// API's setup endpoint, possibly on another instance
func (a *Ambassador) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !a.pendingSetup.Load() {
		return nil
	}

	addr := a.config.API.Listen
	if a.api != nil && a.api.listener != nil {
		addr = a.api.listener.Addr().String()
	}
	logger.WarnContext(ctx, fmt.Sprintf("pending initial setup at: %s%s", addr, apiPathSetup))

	ticker := time.NewTicker(setupPollInterval)
	defer ticker.Stop()
	for {
		if !a.pendingSetup.Load() {
			return nil
		}
		var state RuntimeConfig
		if err := a.db.WithContext(ctx).Last(&state).Error; err != nil {
			logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		} else if state.AdminUsername != "" && state.AdminPassword != "" {
			a.cfgMu.Lock()
			a.runtimeConfig.AdminUsername = state.AdminUsername
			a.runtimeConfig.AdminPassword = state.AdminPassword
			a.cfgMu.Unlock()
			a.pendingSetup.Store(false)
			return nil
		}
		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return a.shutdown(ctx, runtimeWG)
		case <-ticker.C:
		}
	}
}

// discordInit opens the gateway connection, if enabled
func (a *Ambassador) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := a.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (a *Ambassador) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := a.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			a.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// startRuntimeConfigRefresher reloads [RuntimeConfig] from the database
// every [Config.RuntimeConfigTTL], and whenever another instance
// announces a change
func (a *Ambassador) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	if ttl := a.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case a.triggerRuntimeConfigRefreshCh <- false:
					case <-time.After(runtimeConfigRefreshSendAfter):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-a.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				a.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config if forced, or if the
// stored config changed since it was last loaded
func (a *Ambassador) refreshRuntimeConfig(ctx context.Context, force bool) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	previous := a.runtimeConfig
	var current RuntimeConfig
	if err := a.db.WithContext(ctx).Last(&current).Error; err != nil {
		a.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}
	if !force && current.UpdatedAt == previous.UpdatedAt {
		a.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	a.unsafeApplyRuntimeConfig(ctx, previous, &current)
}

// unsafeApplyRuntimeConfig swaps in the new config, opening or closing the
// gateway and updating the bot's status as needed. cfgMu must be held.
func (a *Ambassador) unsafeApplyRuntimeConfig(
	ctx context.Context,
	previous *RuntimeConfig,
	current *RuntimeConfig,
) {
	session := a.discord.session
	if session != nil {
		switch {
		case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
			if err := session.Close(); err != nil {
				a.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
			}
		case !previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
			session.SetIdentify(
				discordgo.Identify{
					Intents:  a.config.Discord.GatewayIntents,
					Presence: getDiscordPresenceStatusUpdate(*current),
				},
			)
			if err := session.Open(); err != nil {
				a.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
			}
		case current.DiscordGatewayEnabled &&
			(current.Paused != previous.Paused || current.DiscordCustomStatus != previous.DiscordCustomStatus):
			a.updatePresence(ctx, *current)
		}
	}

	a.paused.Store(current.Paused)
	a.runtimeConfig = current
	a.setRuntimeLevels(*current)
	a.logger.InfoContext(ctx, "refreshed runtime config")
}

// updatePresence shows the bot as do-not-disturb while paused, otherwise
// sets its custom status
func (a *Ambassador) updatePresence(ctx context.Context, cfg RuntimeConfig) {
	err := a.discord.setPresence(cfg.Paused, cfg.DiscordCustomStatus)
	if err != nil && !errors.Is(err, errNoDiscordSession) {
		a.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
}

// applyRuntimeConfigUpdate saves the update and applies it locally,
// returning the new config and the servers whose warning threshold
// followed a changed default
func (a *Ambassador) applyRuntimeConfigUpdate(
	ctx context.Context,
	req RuntimeConfigUpdate,
) (RuntimeConfig, []string, error) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	previous := a.runtimeConfig
	updated, serversChanged, err := updateRuntimeConfig(ctx, a.writeDB, req, previous)
	if err != nil {
		return *previous, nil, err
	}
	for _, guildID := range serversChanged {
		a.servers.Invalidate(ctx, guildID)
	}
	a.unsafeApplyRuntimeConfig(ctx, previous, &updated)
	return updated, serversChanged, nil
}

func (a *Ambassador) setRuntimeLevels(state RuntimeConfig) {
	a.config.LogLevel.Set(state.LogLevel.Level())
	a.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	a.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	a.config.Discord.WebhookServer.LogLevel.Set(state.DiscordWebhookLogLevel.Level())
	a.config.API.LogLevel.Set(state.APILogLevel.Level())
	a.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

// Pause stops command handling and background jobs. It returns false if
// the bot was already paused.
func (a *Ambassador) Pause(ctx context.Context) bool {
	if a.paused.Swap(true) {
		return false
	}
	a.logger.InfoContext(ctx, "bot paused")
	a.setPersistedPause(ctx, true)
	return true
}

// Resume undoes [Ambassador.Pause]. It returns false if the bot wasn't
// paused.
func (a *Ambassador) Resume(ctx context.Context) bool {
	if !a.paused.Swap(false) {
		return false
	}
	a.logger.InfoContext(ctx, "bot resumed")
	a.setPersistedPause(ctx, false)
	return true
}

func (a *Ambassador) setPersistedPause(ctx context.Context, paused bool) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	a.runtimeConfig.Paused = paused
	a.updatePresence(ctx, *a.runtimeConfig)
	if a.writeDB == nil || a.runtimeConfig.ID == 0 {
		return
	}
	if _, err := a.writeDB.Update(ctx, a.runtimeConfig, columnRuntimeConfigPaused, paused); err != nil {
		a.logger.ErrorContext(ctx, "unable to persist paused state", tint.Err(err))
	}
}

// startServerUpdatedListener drops cached server settings when another
// instance announces they changed
func (a *Ambassador) startServerUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-a.triggerServerUpdatedCh:
				a.invalidateServerCache(ctx, guildID)
			}
		}
	}()
}

func (a *Ambassador) invalidateServerCache(ctx context.Context, guildID string) {
	if a.servers == nil {
		return
	}
	a.logger.DebugContext(ctx, "invalidating server settings", "guild_id", guildID)
	a.servers.Invalidate(ctx, guildID)
}

// notifyServerUpdated tells other instances the server's settings changed.
// It doesn't block the caller.
func (a *Ambassador) notifyServerUpdated(ctx context.Context, guildID string) {
	if a.dbNotifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverNotifyTimeout)
	go func() {
		defer cancel()
		a.publish(ctx, notifyServerUpdated, guildID)
	}()
}

func (a *Ambassador) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	a.logger.WarnContext(ctx, "shutting down")
	defer func() {
		go func() {
			a.eventShutdown <- struct{}{}
		}()
	}()

	shutdownStart := time.Now()
	shutdownTimeout := a.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		a.logger.Warn("immediate shutdown")
		a.forceClose()
		return errors.New("shutdown timeout is zero, closed immediately")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	a.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// wait for in-flight interactions, listeners and jobs
		runtimeWG.Wait()
		a.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if a.jobs != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				a.jobs.Stop(closeCtx)
			}()
		}
		if a.api != nil && a.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				a.logger.InfoContext(ctx, "stopping http server")
				_ = a.api.httpServer.Shutdown(closeCtx)
			}()
		}
		if a.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				a.logger.InfoContext(ctx, "stopping webhook http server")
				_ = a.discordWebhookServer.httpServer.Shutdown(closeCtx)
			}()
		}
		if a.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				a.logger.InfoContext(ctx, "closing discord session")
				_ = a.discord.session.Close()
				for _, remove := range a.discord.removeHandlers {
					remove()
				}
			}()
		}
		if a.cache != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := a.cache.Close(); err != nil {
					a.logger.ErrorContext(ctx, "error closing cache", tint.Err(err))
				}
			}()
		}
		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			a.logger.InfoContext(ctx, "shutdown complete", "shutdown_duration", time.Since(shutdownStart))
			return nil
		case <-announcementTicker.C:
			a.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			a.logger.Warn("graceful shutdown timed out, forcing close")
			a.forceClose()
			return errors.New("graceful shutdown timed out")
		}
	}
}

func (a *Ambassador) forceClose() {
	if a.api != nil && a.api.httpServer != nil {
		go func() {
			_ = a.api.httpServer.Close()
		}()
	}
	if a.discordWebhookServer != nil {
		go func() {
			_ = a.discordWebhookServer.httpServer.Close()
		}()
	}
}

func (a *Ambassador) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := a.logger.With(loggerNameKey, "discord_session")

	if a.discord.session == nil {
		session, err := a.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		a.discord.session = session
	}
	ctx = WithLogger(ctx, logger)

	for _, remove := range a.discord.removeHandlers {
		remove()
	}

	a.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  a.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(a.RuntimeConfig()),
		},
	)

	// track runs a gateway event handler in its own goroutine, so
	// shutdown can wait on it
	track := func(f func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			f()
		}()
	}

	session := a.discord.session
	a.discord.removeHandlers = a.discord.removeHandlers[:0]
	for _, h := range a.discord.gatewayHandlers() {
		a.discord.removeHandlers = append(a.discord.removeHandlers, session.AddHandler(h))
	}
	a.discord.removeHandlers = append(
		a.discord.removeHandlers,
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := a.getInteractionHandlerFunc(ctx, i)
				track(func() { a.handleInteraction(ctx, handler) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				track(func() { a.handleDiscordMessage(ctx, m.Message) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
				track(func() { a.handleDiscordMessageEdit(ctx, m.Message) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageDelete) {
				track(func() { a.handleDiscordMessageDelete(ctx, m.Message) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, b *discordgo.GuildBanRemove) {
				track(func() { a.handleGuildBanRemove(ctx, b) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				track(func() { a.handleGuildCreate(ctx, g) })
			},
		),
	)

	if a.getInteractionHandlerFunc == nil {
		a.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return gatewayInteraction{
				session: a.discord.session,
				event:   i,
				logger:  a.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
			}
		}
	}
	return nil
}

// handleInteraction answers pings, dispatches autocomplete and
// application commands, and logs the interaction with its outcome
func (a *Ambassador) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	}
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received interaction", "user", structToSlogValue(discordUser))

	started := time.Now()
	entry := newInteractionLog(i, discordUser, handler.InteractionReceiveMethod())
	outcome, cause := a.dispatchInteraction(ctx, handler, discordUser)
	entry.finish(outcome, cause, time.Since(started))
	logger.InfoContext(ctx, "handled interaction", "outcome", outcome, "elapsed", time.Since(started))

	if a.writeDB == nil {
		return
	}
	if _, err := a.writeDB.Create(context.WithoutCancel(ctx), entry); err != nil {
		logger.ErrorContext(ctx, "error logging interaction", tint.Err(err))
	}
}

func (a *Ambassador) dispatchInteraction(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (InteractionOutcome, error) {
	logger := contextLoggerOr(ctx, a.logger)
	i := handler.GetInteraction()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return OutcomeIgnored, nil
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
		return OutcomeIgnored, nil
	}

	u, _, err := a.users.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		if i.Type == discordgo.InteractionApplicationCommand {
			a.respondCommandError(ctx, handler, err)
		}
		return OutcomeFailed, err
	}
	if u.Ignored {
		logger.InfoContext(ctx, "ignoring interaction from ignored user", slog.Group("user", userLogAttrs(*u)...))
		return OutcomeIgnored, nil
	}
	ctx = WithLogger(ctx, logger.With(slog.Group("user", userLogAttrs(*u)...)))
	if i.Type == discordgo.InteractionApplicationCommandAutocomplete {
		return a.handleAutocomplete(ctx, handler, u)
	}
	return a.handleApplicationCommand(ctx, handler, u)
}

// handleDiscordMessage counts guild activity toward autoroles, and records
// the message if it was posted in a roleplay's channel
func (a *Ambassador) handleDiscordMessage(ctx context.Context, m *discordgo.Message) {
	author := messageAuthor(m)
	if author == nil || author.Bot || m.GuildID == "" {
		return
	}
	a.discord.messagesSeen.Add(1)
	logger := contextLoggerOr(ctx, a.logger).With("message_id", m.ID, "channel_id", m.ChannelID)

	at := m.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if err := a.autoroles.RecordActivity(ctx, m.GuildID, m.ChannelID, author.ID, at.UTC()); err != nil {
		logger.ErrorContext(ctx, "error recording activity", tint.Err(err))
	}
	if _, err := a.roleplays.RecordMessage(ctx, m); err != nil {
		logger.ErrorContext(ctx, "error recording roleplay message", tint.Err(err))
	}
}

func (a *Ambassador) handleDiscordMessageEdit(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.GuildID == "" {
		return
	}
	if err := a.roleplays.EditMessage(ctx, m); err != nil {
		contextLoggerOr(ctx, a.logger).ErrorContext(
			ctx, "error updating roleplay message", "message_id", m.ID, tint.Err(err),
		)
	}
}

func (a *Ambassador) handleDiscordMessageDelete(ctx context.Context, m *discordgo.Message) {
	if m == nil {
		return
	}
	if err := a.roleplays.ForgetMessage(ctx, m.ID); err != nil {
		contextLoggerOr(ctx, a.logger).ErrorContext(
			ctx, "error removing roleplay message", "message_id", m.ID, tint.Err(err),
		)
	}
}

// handleGuildBanRemove clears the ban record when a ban is lifted outside
// the bot, so it isn't lifted again on expiry
func (a *Ambassador) handleGuildBanRemove(ctx context.Context, b *discordgo.GuildBanRemove) {
	if b == nil || b.User == nil {
		return
	}
	if err := a.moderation.ForgetBan(ctx, b.GuildID, b.User.ID); err != nil {
		contextLoggerOr(ctx, a.logger).ErrorContext(
			ctx, "error forgetting ban", "guild_id", b.GuildID, "user_id", b.User.ID, tint.Err(err),
		)
	}
}

func (a *Ambassador) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g == nil || g.Guild == nil || g.Unavailable {
		return
	}
	if err := a.servers.SetName(ctx, g.ID, g.Name); err != nil {
		contextLoggerOr(ctx, a.logger).ErrorContext(ctx, "error updating server name", "guild_id", g.ID, tint.Err(err))
	}
}

// handleRecover logs a panic recovered while running a command. It's
// only used when [RuntimeConfig.RecoverPanic] is set.
func (*Ambassador) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, slog.Default())
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

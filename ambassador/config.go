//nolint:lll // struct tags can't be split
package ambassador

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix    = "AMBASSADOR_ENV_PREFIX"
	DefaultEnvPrefix      = "AMB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "ambassador.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout                = 5 * time.Second
	DefaultReadHeaderTimeout          = 5 * time.Second
	DefaultWriteTimeout               = 10 * time.Second
	DefaultIdleTimeout                = 30 * time.Second
	DefaultDiscordWebhookServerListen = "127.0.0.1:5001"
	DefaultTLSMinVersion              = tls.VersionTLS12

	// Guild messages and reactions feed autorole activity tracking and
	// roleplay logging. Guild members and message content are privileged,
	// and must be enabled in the developer portal.
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages

	DefaultDiscordWebhookLogLevel = slog.LevelInfo
	DefaultDiscordLogLevel        = slog.LevelWarn
	DefaultDiscordErrorMessage    = "sorry, something went wrong!"
	DefaultDiscordCustomStatus    = "/character create"
	DefaultDiscordStartupMessage  = "Ambassador reporting for duty."
	DefaultAPIListen              = "127.0.0.1:5000"
	DefaultAPISessionMaxAge       = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
	DefaultUserCacheTTL     = time.Hour

	DefaultCacheTTL                = 10 * time.Minute
	DefaultCacheKeyPrefix          = "ambassador"
	DefaultExpirySweepInterval     = time.Minute
	DefaultAutoroleSchedule        = "@every 15m"
	DefaultAutoroleConcurrency     = 4
	DefaultWarningThreshold        = 0
	discordMaxMessageLength        = 2000
	discordMaxEmbedDescription     = 4096
	discordMaxEmbedFields          = 25
	discordMaxAutocompleteChoices  = 25
	discordMaxApplicationOptionLen = 100
	discordMaxAuditLogReason       = 512
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is loaded from the environment when the bot starts. Settings
// which can change at runtime live in [RuntimeConfig].
type Config struct {
	// Database is a postgres connection string, or a SQLite file path
	Database string `mapstructure:"database" json:"database"`

	DatabaseType string `mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `mapstructure:"database_log_level" json:"database_log_level"`

	// Queries slower than this are logged as warnings
	DatabaseSlowThreshold time.Duration `mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	API     *APIConfig     `mapstructure:"api" json:"api"`
	Discord *DiscordConfig `mapstructure:"discord" json:"discord"`

	// Cache holds server settings. Without a redis address, entries are
	// kept in memory.
	Cache *CacheConfig `mapstructure:"cache" json:"cache"`

	Jobs *JobsConfig `mapstructure:"jobs" json:"jobs"`

	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds connecting to discord and starting the API
	StartupTimeout time.Duration `mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is how long to wait for in-flight interactions and
	// jobs before connections are closed
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL is how often the runtime config is re-read from the
	// database. 0 only reloads on notification.
	RuntimeConfigTTL time.Duration `mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	UserCacheTTL time.Duration `mapstructure:"user_cache_ttl" json:"user_cache_ttl"`

	// Development enables pprof and relaxes CORS and cookie settings
	Development bool `mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks binding tags, plus the settings which only apply when
// a server is enabled
func (c *Config) Validate() error {
	var errs []error
	if err := structValidator.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if c.API != nil && c.API.Listen == "" {
		errs = append(errs, errors.New("api: listen address required"))
	}
	if c.Discord != nil && c.Discord.WebhookServer.Enabled {
		webhook := c.Discord.WebhookServer
		if webhook.Listen == "" {
			errs = append(errs, errors.New("webhook server: listen address required"))
		}
		if webhook.PublicKey == "" {
			errs = append(errs, errors.New("webhook server: public key required"))
		}
	}
	return errors.Join(errs...)
}

type DiscordConfig struct {
	// Bot token, from the developer portal's 'Bot' tab
	Token string `mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	ApplicationID string `mapstructure:"application_id" json:"application_id" binding:"required"`

	WebhookServer DiscordWebhookServerConfig `mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID registers commands to a single guild, which updates
	// immediately. Empty registers them globally.
	GuildID string `mapstructure:"guild_id" json:"guild_id"`

	LogLevel          *slog.LevelVar `mapstructure:"log_level" json:"log_level"`
	DiscordGoLogLevel *slog.LevelVar `mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// StartupMessage is posted to the runtime config's notification
	// channel on each gateway connect
	StartupMessage string `mapstructure:"startup_message" json:"startup_message"`

	GatewayIntents discordgo.Intent `mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// ServerConfig is shared by the API and the webhook server
type ServerConfig struct {
	// ex: "127.0.0.1:5000", or a socket path for "unix"
	Listen        string `mapstructure:"listen" json:"listen"`
	ListenNetwork string `mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL      SSLConfig      `mapstructure:"ssl" json:"ssl"`
	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
}

// newHTTPServer returns a server for handler with c's timeouts, and TLS
// if certs are set
func (c ServerConfig) newHTTPServer(handler http.Handler) (*http.Server, error) {
	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           handler,
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
	}
	if c.SSL.Enabled() {
		tlsCfg, err := c.SSL.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("error loading certs: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}
	return srv, nil
}

func defaultServerConfig(listen string, level slog.Level) ServerConfig {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return ServerConfig{
		Listen:            listen,
		ListenNetwork:     defaultListenNetwork,
		SSL:               SSLConfig{TLSMinVersion: DefaultTLSMinVersion},
		LogLevel:          lvl,
		ReadTimeout:       DefaultReadTimeout,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
}

// DiscordWebhookServerConfig configures receiving interactions over HTTP
// instead of the gateway
type DiscordWebhookServerConfig struct {
	ServerConfig `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// PublicKey verifies request signatures ('General Information' in the
	// developer portal)
	PublicKey string `mapstructure:"public_key" json:"public_key"`
}

// APIConfig configures the admin API
type APIConfig struct {
	ServerConfig `mapstructure:",squash"`

	// Secret signs session cookies. When empty a random key is used, so
	// sessions end on restart.
	Secret string `mapstructure:"secret" json:"secret" log:"[redacted]"`

	CORS CORSConfig `mapstructure:"cors" json:"cors"`

	SessionMaxAge time.Duration `mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Development sets SameSite=None on the session cookie and allows any
	// origin when none are configured
	Development bool `mapstructure:"development" json:"development"`
}

type SSLConfig struct {
	Cert          string `mapstructure:"cert" json:"cert"`
	Key           string `mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `mapstructure:"tls_min_version" json:"tls_min_version"`
}

// Enabled reports whether both a cert and key are set
func (c SSLConfig) Enabled() bool {
	return c.Cert != "" && c.Key != ""
}

// TLSConfig loads the key pair
func (c SSLConfig) TLSConfig() (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   max(c.TLSMinVersion, DefaultTLSMinVersion),
		Certificates: []tls.Certificate{pair},
	}, nil
}

type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age" json:"max_age"`
}

// corsConfig converts c for gin's cors middleware. With no origins set,
// development allows every origin (without credentials) and otherwise
// cross-origin requests are refused.
func (c CORSConfig) corsConfig(development bool) cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
	switch {
	case len(cfg.AllowOrigins) > 0:
	case development:
		cfg.AllowOrigins = []string{"*"}
		cfg.AllowCredentials = false
	default:
		cfg.AllowOriginFunc = func(string) bool { return false }
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// CacheConfig configures the server settings cache
type CacheConfig struct {
	// RedisAddress, if set, stores cached entries in redis so multiple
	// instances share them (e.g. "localhost:6379")
	RedisAddress string `mapstructure:"redis_address" json:"redis_address"`

	RedisPassword string `mapstructure:"redis_password" json:"redis_password" log:"[redacted]"`

	RedisDB int `mapstructure:"redis_db" json:"redis_db" binding:"min=0"`

	// KeyPrefix is prepended to every redis key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`

	TTL time.Duration `mapstructure:"ttl" json:"ttl" binding:"min=0"`
}

// JobsConfig configures background jobs
type JobsConfig struct {
	// ExpirySweepInterval is how often expired bans and warnings are lifted.
	// 0 disables the sweep.
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval" json:"expiry_sweep_interval" binding:"min=0"`

	// AutoroleSchedule is a cron spec (ex: "@every 15m", "0 * * * *") for
	// re-evaluating autoroles. Empty disables scheduled evaluation.
	AutoroleSchedule string `mapstructure:"autorole_schedule" json:"autorole_schedule"`

	// AutoroleConcurrency limits how many members are evaluated at once
	AutoroleConcurrency int `mapstructure:"autorole_concurrency" json:"autorole_concurrency" binding:"min=1"`
}

// DefaultConfig returns a Config with every default set
func DefaultConfig() *Config {
	levelVar := func(l slog.Level) *slog.LevelVar {
		v := &slog.LevelVar{}
		v.Set(l)
		return v
	}
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              levelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		UserCacheTTL:          DefaultUserCacheTTL,
		Cache:                 &CacheConfig{KeyPrefix: DefaultCacheKeyPrefix, TTL: DefaultCacheTTL},
		Jobs: &JobsConfig{
			ExpirySweepInterval: DefaultExpirySweepInterval,
			AutoroleSchedule:    DefaultAutoroleSchedule,
			AutoroleConcurrency: DefaultAutoroleConcurrency,
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				ServerConfig: defaultServerConfig(
					DefaultDiscordWebhookServerListen,
					DefaultDiscordWebhookLogLevel,
				),
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			ServerConfig:  defaultServerConfig(DefaultAPIListen, DefaultAPILogLevel),
			SessionMaxAge: DefaultAPISessionMaxAge,
			CORS:          DefaultCORSConfig(),
		},
	}
}

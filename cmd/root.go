package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/ambassador/ambassador"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = ambassador.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "ambassador [flags]",
	Short: "Discord bot for roleplay, characters, moderation and autoroles",
	PersistentPreRunE: func(*cobra.Command, []string) error {
		loaded := ambassador.DefaultConfig()
		if err := viper.Unmarshal(loaded, viper.DecodeHook(configDecodeHook())); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

// configDecodeHook converts duration strings, space-separated lists and
// log level names while unmarshalling into [ambassador.Config]. Values
// are converted on every unmarshal, so viper itself only holds what was
// read from defaults and the environment.
func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringFieldsDecodeHook(),
		levelVarDecodeHook(),
	)
}

var (
	levelVarType    = reflect.TypeOf(&slog.LevelVar{})
	stringSliceType = reflect.TypeOf([]string{})
)

// stringFieldsDecodeHook splits a string on whitespace when decoding into
// a []string, as with AMB_API_CORS_ALLOW_ORIGINS="https://a https://b"
func stringFieldsDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != stringSliceType {
			return data, nil
		}
		return strings.Fields(data.(string)), nil
	}
}

// levelVarDecodeHook decodes DEBUG, INFO, WARN or ERROR into a *slog.LevelVar
func levelVarDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != levelVarType {
			return data, nil
		}
		return parseLevelVar(data.(string))
	}
}

// parseLevelVar accepts only the four named levels, not offsets like
// "INFO+2"
func parseLevelVar(s string) (*slog.LevelVar, error) {
	lvl := &slog.LevelVar{}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return nil, fmt.Errorf("invalid log level: %q", s)
	}
	switch lvl.Level() {
	case slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError:
		return lvl, nil
	default:
		return nil, fmt.Errorf("invalid log level: %q", s)
	}
}

// Execute runs the root command, cancelling its context on SIGINT, SIGTERM
// or SIGHUP
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
	)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configDefaults are registered with viper before the environment is read.
// Keys map to the mapstructure tags of [ambassador.Config].
func configDefaults() map[string]any {
	return map[string]any{
		"database":                ambassador.DefaultDatabase,
		"database_type":           ambassador.DefaultDatabaseType,
		"database_slow_threshold": ambassador.DefaultDatabaseSlowThreshold,
		"database_log_level":      ambassador.DefaultDatabaseLogLevel.String(),
		"development":             false,
		"runtime_config_ttl":      ambassador.DefaultRuntimeConfigTTL,
		"user_cache_ttl":          ambassador.DefaultUserCacheTTL,
		"log_level":               ambassador.DefaultLogLevel.String(),
		"startup_timeout":         ambassador.DefaultStartupTimeout,
		"shutdown_timeout":        ambassador.DefaultShutdownTimeout,

		"cache.redis_address":  "",
		"cache.redis_password": "",
		"cache.redis_db":       0,
		"cache.key_prefix":     ambassador.DefaultCacheKeyPrefix,
		"cache.ttl":            ambassador.DefaultCacheTTL,

		"jobs.expiry_sweep_interval": ambassador.DefaultExpirySweepInterval,
		"jobs.autorole_schedule":     ambassador.DefaultAutoroleSchedule,
		"jobs.autorole_concurrency":  ambassador.DefaultAutoroleConcurrency,

		"discord.token":               "",
		"discord.application_id":      "",
		"discord.guild_id":            "",
		"discord.log_level":           ambassador.DefaultDiscordLogLevel.String(),
		"discord.discordgo_log_level": ambassador.DefaultDiscordgoLogLevel.String(),
		"discord.gateway_intents":     ambassador.DefaultDiscordGatewayIntent,
		"discord.startup_message":     ambassador.DefaultDiscordStartupMessage,

		"discord.webhook_server.enabled":             false,
		"discord.webhook_server.listen":              ambassador.DefaultDiscordWebhookServerListen,
		"discord.webhook_server.listen_network":      "tcp",
		"discord.webhook_server.public_key":          "",
		"discord.webhook_server.read_timeout":        ambassador.DefaultReadTimeout,
		"discord.webhook_server.read_header_timeout": ambassador.DefaultReadHeaderTimeout,
		"discord.webhook_server.write_timeout":       ambassador.DefaultWriteTimeout,
		"discord.webhook_server.idle_timeout":        ambassador.DefaultIdleTimeout,
		"discord.webhook_server.log_level":           ambassador.DefaultDiscordWebhookLogLevel.String(),

		"api.listen":              ambassador.DefaultAPIListen,
		"api.listen_network":      "tcp",
		"api.secret":              "",
		"api.log_level":           ambassador.DefaultAPILogLevel.String(),
		"api.session_max_age":     ambassador.DefaultAPISessionMaxAge,
		"api.read_timeout":        ambassador.DefaultReadTimeout,
		"api.read_header_timeout": ambassador.DefaultReadHeaderTimeout,
		"api.write_timeout":       ambassador.DefaultWriteTimeout,
		"api.idle_timeout":        ambassador.DefaultIdleTimeout,
		"api.development":         false,

		"api.cors.allow_headers":     ambassador.DefaultCORSAllowHeaders,
		"api.cors.allow_methods":     ambassador.DefaultCORSAllowMethods,
		"api.cors.expose_headers":    ambassador.DefaultCORSExposeHeaders,
		"api.cors.allow_origins":     []string{},
		"api.cors.max_age":           ambassador.DefaultCORSMaxAge,
		"api.cors.allow_credentials": ambassador.DefaultAPICORSAllowCredentials,
	}
}

// keys without a default, which AutomaticEnv won't pick up unless bound
var envOnlyKeys = []string{
	"discord.webhook_server.ssl.cert",
	"discord.webhook_server.ssl.key",
	"discord.webhook_server.ssl.tls_min_version",
	"api.ssl.cert",
	"api.ssl.key",
	"api.ssl.tls_min_version",
}

func loadEnvFile() {
	files := []string{}
	if configFile != "" {
		log.Println("loading env from file", configFile)
		files = append(files, configFile)
	}
	if err := godotenv.Load(files...); err != nil {
		log.Println("no env file loaded:", err)
	}
}

func envPrefix() string {
	if prefix := os.Getenv(ambassador.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return ambassador.DefaultEnvPrefix
}

func initConfig() {
	loadEnvFile()

	viper.SetEnvPrefix(envPrefix())
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, value := range configDefaults() {
		viper.SetDefault(key, value)
	}
	for _, key := range envOnlyKeys {
		if err := viper.BindEnv(key); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Path to a .env file to load before reading the environment",
	)
}

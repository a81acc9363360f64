package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/arcward/ambassador/ambassador"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// resetConfig clears viper and the loaded config before and after a test
// that executes rootCmd
func resetConfig(t testing.TB) {
	t.Helper()
	reset := func() {
		viper.Reset()
		cfg = ambassador.DefaultConfig()
		configFile = ""
		rootCmd.SetArgs([]string{})
	}
	reset()
	t.Cleanup(reset)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetConfig(t)
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()

	envFile := filepath.Join(t.TempDir(), "test.env")

	envContent := `
# General/database config

AMB_DATABASE=/home/foo/ambassador.sqlite3
AMB_DATABASE_TYPE=sqlite
AMB_DATABASE_LOG_LEVEL=INFO
AMB_DATABASE_SLOW_THRESHOLD=200ms
AMB_LOG_LEVEL=INFO
AMB_STARTUP_TIMEOUT=30s
AMB_SHUTDOWN_TIMEOUT=60s
AMB_DEVELOPMENT=true

# Settings cache

AMB_CACHE_REDIS_ADDRESS=localhost:6379
AMB_CACHE_REDIS_DB=2
AMB_CACHE_KEY_PREFIX=amb-test
AMB_CACHE_TTL=2m

# Background jobs

AMB_JOBS_EXPIRY_SWEEP_INTERVAL=30s
AMB_JOBS_AUTOROLE_SCHEDULE=@every 5m
AMB_JOBS_AUTOROLE_CONCURRENCY=8

# Discord bot config

AMB_DISCORD_TOKEN=your-discord-bot-token
AMB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
AMB_DISCORD_GUILD_ID=
AMB_DISCORD_LOG_LEVEL=WARN
AMB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
AMB_DISCORD_STARTUP_MESSAGE="I'm here!"
AMB_DISCORD_GATEWAY_INTENTS=3243773

# Discord webhook server

AMB_DISCORD_WEBHOOK_SERVER_ENABLED=false
AMB_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
AMB_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
AMB_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
AMB_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
AMB_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
AMB_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
AMB_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
AMB_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=5s
AMB_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s
AMB_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s

# API server

AMB_API_LISTEN=127.0.0.1:5000
AMB_API_SSL_CERT=/etc/ssl/cert.pem
AMB_API_SSL_KEY=/etc/ssl/key.pem
AMB_API_SSL_TLS_MIN_VERSION=771
AMB_API_SECRET=your-api-secret
AMB_API_LOG_LEVEL=DEBUG
AMB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
AMB_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
AMB_API_CORS_ALLOW_CREDENTIALS=true
AMB_API_CORS_MAX_AGE=12h
AMB_API_READ_TIMEOUT=5s
AMB_API_READ_HEADER_TIMEOUT=5s
AMB_API_WRITE_TIMEOUT=10s
AMB_API_IDLE_TIMEOUT=30s
AMB_API_SESSION_MAX_AGE=6h
`

	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/ambassador.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assert.Equal(t, "DEBUG", viper.GetString("api.log_level"), "viper keeps the raw value")
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.True(t, viper.GetBool("development"))

	assertLogLevel(t, slog.LevelInfo, cfg.DatabaseLogLevel)
	assertLogLevel(t, slog.LevelInfo, cfg.LogLevel)
	assertLogLevel(t, slog.LevelWarn, cfg.Discord.LogLevel)
	assertLogLevel(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel)
	assertLogLevel(t, slog.LevelInfo, cfg.Discord.WebhookServer.LogLevel)
	assertLogLevel(t, slog.LevelDebug, cfg.API.LogLevel)

	var config ambassador.Config
	err := viper.Unmarshal(&config, viper.DecodeHook(configDecodeHook()))
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/ambassador.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.True(t, config.Development)

	require.NotNil(t, config.Cache)
	assert.Equal(t, "localhost:6379", config.Cache.RedisAddress)
	assert.Equal(t, 2, config.Cache.RedisDB)
	assert.Equal(t, "amb-test", config.Cache.KeyPrefix)
	assert.Equal(t, 2*time.Minute, config.Cache.TTL)

	require.NotNil(t, config.Jobs)
	assert.Equal(t, 30*time.Second, config.Jobs.ExpirySweepInterval)
	assert.Equal(t, "@every 5m", config.Jobs.AutoroleSchedule)
	assert.Equal(t, 8, config.Jobs.AutoroleConcurrency)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	webhook := config.Discord.WebhookServer
	assert.False(t, webhook.Enabled)
	assert.Equal(t, "127.0.0.1:5001", webhook.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", webhook.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", webhook.SSL.Key)
	assert.Equal(t, uint16(771), webhook.SSL.TLSMinVersion)
	assert.Equal(t, "your_discord_public_key_here", webhook.PublicKey)
	assert.Equal(t, 10*time.Second, webhook.WriteTimeout)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(t, ambassador.DefaultCORSAllowHeaders, config.API.CORS.AllowHeaders)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
}

func TestConfigReloadedPerExecute(t *testing.T) {
	resetConfig(t)
	t.Setenv(ambassador.EnvvarSetEnvPrefix, "")
	t.Setenv("AMB_LOG_LEVEL", "ERROR")
	t.Setenv("AMB_API_CORS_ALLOW_ORIGINS", "https://a.example https://b.example https://c.example")

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assertLogLevel(t, slog.LevelError, cfg.LogLevel)
	assert.Len(t, cfg.API.CORS.AllowOrigins, 3)

	t.Setenv("AMB_LOG_LEVEL", "DEBUG")
	t.Setenv("AMB_API_CORS_ALLOW_ORIGINS", "https://a.example")
	require.NoError(t, rootCmd.Execute())
	assertLogLevel(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example"}, cfg.API.CORS.AllowOrigins)

	t.Setenv("AMB_LOG_LEVEL", "LOUD")
	assert.Error(t, rootCmd.Execute(), "invalid levels fail when the config is loaded")
}

func TestStringFieldsDecodeHook(t *testing.T) {
	hook := stringFieldsDecodeHook()
	v, err := hook(reflect.TypeOf(""), reflect.TypeOf([]string{}), "  GET   POST ")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "POST"}, v)

	v, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "GET POST")
	require.NoError(t, err)
	assert.Equal(t, "GET POST", v)
}

func TestLevelVarDecodeHook(t *testing.T) {
	hook := levelVarDecodeHook()

	t.Run(
		"converts level strings", func(t *testing.T) {
			v, err := hook(
				reflect.TypeOf(""),
				reflect.TypeOf(&slog.LevelVar{}),
				"WARN",
			)
			require.NoError(t, err)
			assertLogLevel(t, slog.LevelWarn, v)
		},
	)

	t.Run(
		"rejects unknown levels", func(t *testing.T) {
			_, err := hook(reflect.TypeOf(""), reflect.TypeOf(&slog.LevelVar{}), "LOUD")
			assert.Error(t, err)
		},
	)

	t.Run(
		"ignores other types", func(t *testing.T) {
			v, err := hook(reflect.TypeOf(""), reflect.TypeOf(time.Second), "5s")
			require.NoError(t, err)
			assert.Equal(t, "5s", v)
		},
	)
}

func TestParseLevelVar(t *testing.T) {
	for _, s := range []string{"DEBUG", "info", "Warn", "ERROR"} {
		_, err := parseLevelVar(s)
		assert.NoError(t, err, s)
	}
	for _, s := range []string{"", "LOUD", "INFO+2", "DEBUG-4"} {
		_, err := parseLevelVar(s)
		assert.Error(t, err, s)
	}
}

func TestEnvPrefix(t *testing.T) {
	t.Setenv(ambassador.EnvvarSetEnvPrefix, "")
	assert.Equal(t, ambassador.DefaultEnvPrefix, envPrefix())

	t.Setenv(ambassador.EnvvarSetEnvPrefix, "BOT")
	assert.Equal(t, "BOT", envPrefix())
}

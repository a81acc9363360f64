package ambassador

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDBLogLevel(t *testing.T) {
	for input, want := range map[string]DBLogLevel{
		"debug":  "DEBUG",
		" Info ": "INFO",
		"WARN":   "WARN",
		"error":  "ERROR",
	} {
		got, err := parseDBLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	_, err := parseDBLogLevel("verbose")
	assert.Error(t, err)
	_, err = parseDBLogLevel("INFO+2")
	assert.Error(t, err, "offsets aren't stored")

	assert.Equal(t, slog.LevelWarn, DBLogLevel("WARN").Level())
	assert.Equal(t, slog.LevelInfo, DBLogLevel("garbage").Level())

	var level DBLogLevel
	require.NoError(t, level.Scan([]byte("debug")))
	assert.Equal(t, DBLogLevel("DEBUG"), level)
	assert.Error(t, level.Scan(42))

	require.NoError(t, level.UnmarshalText([]byte("error")))
	text, err := level.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ERROR", string(text))
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}

type logValueExample struct {
	Name     string            `json:"name"`
	Password string            `json:"password" log:"REDACTED"`
	Tags     []string          `json:"tags,omitempty"`
	Skipped  string            `json:"-"`
	Nested   *logValueExample  `json:"nested,omitempty"`
	Extra    map[string]string `json:"extra"`
	internal string
}

func TestStructToSlogValue(t *testing.T) {
	v := structToSlogValue(
		&logValueExample{
			Name:     "outer",
			Password: "hunter2",
			Skipped:  "nope",
			Nested:   &logValueExample{Name: "inner"},
			internal: "x",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, attr := range v.Group() {
		attrs[attr.Key] = attr.Value
	}
	assert.Equal(t, "outer", attrs["name"].String())
	assert.Equal(t, "REDACTED", attrs["password"].String())
	assert.NotContains(t, attrs, "tags")
	assert.NotContains(t, attrs, "extra")
	assert.NotContains(t, attrs, "Skipped")
	assert.NotContains(t, attrs, "internal")
	require.Contains(t, attrs, "nested")
	assert.Equal(t, slog.KindGroup, attrs["nested"].Kind())

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*logValueExample)(nil)))
	assert.Equal(t, int64(3), structToSlogValue(3).Int64())
}

func TestGORMLogger_Trace(t *testing.T) {
	buf := &bytes.Buffer{}
	gl := newGORMLogger(
		slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		time.Second,
	)
	sql := func() (string, int64) { return "SELECT 1", 1 }
	ctx := context.Background()

	gl.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Contains(t, buf.String(), "level=DEBUG")
	buf.Reset()

	gl.Trace(ctx, time.Now(), sql, errors.New("boom"))
	assert.Contains(t, buf.String(), "level=ERROR")
	buf.Reset()

	gl.Trace(ctx, time.Now().Add(-2*time.Second), sql, nil)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "slow sql")
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	buf := &bytes.Buffer{}
	logf := discordgoLoggerFunc(
		context.Background(),
		slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logf(discordgo.LogWarning, 0, "heartbeat %s\nretrying", "missed")
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "heartbeat missed retrying")
	assert.Contains(t, out, "logger=discordgo")
}

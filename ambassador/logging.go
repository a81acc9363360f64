package ambassador

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

type loggerContextKey struct{}

// WithLogger returns a copy of ctx carrying logger
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// ContextLogger returns the logger set by [WithLogger], if any
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	return logger, ok && logger != nil
}

func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// newLogHandler returns a tint handler writing to defaultLogWriter. A nil
// level logs at INFO.
func newLogHandler(level *slog.LevelVar) slog.Handler {
	opts := &tint.Options{Level: slog.LevelInfo, AddSource: true}
	if level != nil {
		opts.Level = level
	}
	return tint.NewHandler(defaultLogWriter, opts)
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{"id", i.ID, "type", i.Type.String()}
	for _, kv := range [][2]string{{"guild_id", i.GuildID}, {"channel_id", i.ChannelID}} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return attrs
}

func userLogAttrs(u User) []any {
	return []any{"id", u.ID, "username", u.Username, "global_name", u.GlobalName}
}

// structToSlogValue logs a struct as a group keyed by its JSON field
// names, skipping empty fields. A `log:"..."` tag replaces the field's
// value, so secrets can be tagged `log:"REDACTED"`.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() == reflect.Pointer {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := range typ.NumField() {
		field := typ.Field(i)
		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch {
		case key == "-" || !field.IsExported():
			continue
		case key == "":
			key = field.Name
		}
		if replacement := field.Tag.Get("log"); replacement != "" {
			attrs = append(attrs, slog.String(key, replacement))
			continue
		}
		fv := val.Field(i)
		if isEmptyLogValue(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func isEmptyLogValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}

var discordgoSlogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogError:         slog.LevelError,
}

// discordgoLoggerFunc returns a replacement for [discordgo.Logger] that
// sends discordgo's log lines to handler
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(int, int, string, ...any) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := discordgoSlogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.Log(ctx, level, strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " "))
	}
}

// DBLogLevel is a slog level name (DEBUG, INFO, WARN or ERROR) stored in a
// [RuntimeConfig] column and set through the API
type DBLogLevel string

func parseDBLogLevel(s string) (DBLogLevel, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return "", fmt.Errorf("unknown log level: %q", s)
	}
	switch level {
	case slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError:
		return DBLogLevel(level.String()), nil
	default:
		return "", fmt.Errorf("unsupported log level: %q", s)
	}
}

// Level returns the slog level, or INFO if l isn't a valid level name
func (l DBLogLevel) Level() slog.Level {
	parsed, err := parseDBLogLevel(string(l))
	if err != nil {
		return slog.LevelInfo
	}
	var level slog.Level
	_ = level.UnmarshalText([]byte(parsed))
	return level
}

func (l DBLogLevel) String() string {
	return string(l)
}

func (l DBLogLevel) MarshalText() ([]byte, error) {
	return []byte(l), nil
}

func (l *DBLogLevel) UnmarshalText(b []byte) error {
	parsed, err := parseDBLogLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return l.UnmarshalText([]byte(v))
	case []byte:
		return l.UnmarshalText(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

func (l DBLogLevel) Value() (driver.Value, error) {
	return string(l), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

// gormLogger implements [logger.Interface] with slog. Missing records
// are expected (lookups by name), so they're logged like any other query.
type gormLogger struct {
	log           *slog.Logger
	slowThreshold time.Duration
}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) gormLogger {
	return gormLogger{
		log:           slog.New(handler).With(loggerNameKey, "gorm"),
		slowThreshold: slowThreshold,
	}
}

// LogMode returns g unchanged. Levels are set on the handler.
func (g gormLogger) LogMode(logger.LogLevel) logger.Interface {
	return g
}

func (g gormLogger) Info(ctx context.Context, msg string, args ...any) {
	g.log.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	g.log.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormLogger) Error(ctx context.Context, msg string, args ...any) {
	g.log.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{"elapsed", elapsed, "rows", rows, "sql", sql}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.log.ErrorContext(ctx, "sql failed", append(attrs, tint.Err(err))...)
	case g.slowThreshold > 0 && elapsed > g.slowThreshold:
		g.log.WarnContext(ctx, "slow sql", append(attrs, "threshold", g.slowThreshold)...)
	default:
		g.log.DebugContext(ctx, "sql", attrs...)
	}
}

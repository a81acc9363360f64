package ambassador

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

// sqlite settings for a single writer with WAL. The pragmas go in the
// DSN so every new connection in the pool gets them.
var (
	sqliteConnLifetime = 5 * time.Minute
	sqliteDSNParams    = [][2]string{
		{"_journal_mode", "WAL"},
		{"_synchronous", "NORMAL"},
		{"_foreign_keys", "1"},
		{"_busy_timeout", "5000"},
	}
)

// dbWriteTimeout applies to writes whose context has no deadline
var dbWriteTimeout = 30 * time.Second

const (
	defaultPageLimit = 25
	maxPageLimit     = 100
)

type Sort string

const (
	SortAscending  Sort = "asc"
	SortDescending Sort = "desc"
)

// Pagination is bound from the query string of list endpoints
type Pagination struct {
	Limit  int  `form:"limit" json:"limit" binding:"omitempty,min=1,max=100"`
	Offset int  `form:"offset" json:"offset" binding:"omitempty,min=0"`
	Order  Sort `form:"order" json:"order" binding:"omitempty,oneof=asc desc"`
}

// apply adds ordering, limit and offset to db. Results are newest
// first unless ascending order was requested.
func (p Pagination) apply(db *gorm.DB, orderColumn string) *gorm.DB {
	limit := min(p.Limit, maxPageLimit)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return db.Order(
		clause.OrderByColumn{
			Column: clause.Column{Name: orderColumn},
			Desc:   p.Order != SortAscending,
		},
	).Limit(limit).Offset(max(p.Offset, 0))
}

// ModelUnixTime is embedded in soft-deleted models. Timestamps are Unix
// milliseconds.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// ModelTimestamps is for hard-deleted rows, whose unique names must be
// reusable once deleted.
type ModelTimestamps struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// allModels is every model migrated by [CreateDB]
func allModels() []any {
	return []any{
		&RuntimeConfig{},
		&InteractionLog{},
		&User{},
		&UserProtectionEntry{},
		&TransformationOptIn{},
		&Server{},
		&Species{},
		&Colour{},
		&Transformation{},
		&Character{},
		&Appearance{},
		&AppearanceComponent{},
		&UserWarning{},
		&UserBan{},
		&UserNote{},
		&AutoroleConfiguration{},
		&AutoroleCondition{},
		&AutoroleAffirmation{},
		&AutoroleGrant{},
		&UserActivity{},
		&Roleplay{},
		&RoleplayParticipant{},
		&RoleplayMessage{},
	}
}

// DBI is the write side of the database. Reads use DB() directly.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (rowsAffected int64, err error)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		args ...any,
	) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)

	// Transaction runs fc in a transaction. fc must only use tx, as
	// calling back into the DBI deadlocks when writes are serialized.
	Transaction(ctx context.Context, fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// database implements [DBI]. SQLite allows one writer at a time, so
// unless concurrent writes are enabled, writes hold a mutex.
type database struct {
	db         *gorm.DB
	logger     *slog.Logger
	concurrent bool
	mu         sync.Mutex
}

// NewDatabase returns a DBI for db. concurrentWrites should be false for
// SQLite.
func NewDatabase(db *gorm.DB, logger *slog.Logger, concurrentWrites bool) DBI {
	if logger == nil {
		logger = slog.Default()
	}
	return &database{
		db:         db,
		logger:     logger.With(loggerNameKey, "writedb"),
		concurrent: concurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// write runs op against a session bound to ctx, holding the write lock
// when required
func (d *database) write(ctx context.Context, op func(db *gorm.DB) *gorm.DB) (int64, error) {
	var rv *gorm.DB
	err := d.locked(
		ctx, func(ctx context.Context) error {
			rv = op(d.db.WithContext(ctx))
			return rv.Error
		},
	)
	if rv == nil {
		return 0, err
	}
	return rv.RowsAffected, err
}

func (d *database) locked(ctx context.Context, fn func(context.Context) error) error {
	if !d.concurrent {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbWriteTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	return d.write(ctx, func(db *gorm.DB) *gorm.DB { return db.Create(value) })
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	return d.write(ctx, func(db *gorm.DB) *gorm.DB { return db.Model(model).Updates(values) })
}

func (d *database) Update(ctx context.Context, model any, column string, value any) (int64, error) {
	return d.write(ctx, func(db *gorm.DB) *gorm.DB { return db.Model(model).Update(column, value) })
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	args ...any,
) (int64, error) {
	return d.write(
		ctx, func(db *gorm.DB) *gorm.DB {
			return db.Model(model).Where(query, args...).Updates(values)
		},
	)
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (int64, error) {
	return d.write(ctx, func(db *gorm.DB) *gorm.DB { return db.Delete(value, conds...) })
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	return d.locked(
		ctx, func(ctx context.Context) error {
			return d.db.WithContext(ctx).Transaction(fc, opts...)
		},
	)
}

// Duration is a time.Duration stored as a string column ("72h0m0s") and
// encoded as a JSON string
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	case nil:
		d.Duration = 0
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Duration", value)
	}
}

func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (Duration) GormDataType() string {
	return "string"
}

// CreateDB opens the database and migrates every model. Used by the CLI,
// where the bot's configured loggers aren't set up.
func CreateDB(ctx context.Context, databaseType string, dsn string) (*gorm.DB, error) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	handler := newLogHandler(level)
	slog.New(handler).InfoContext(
		ctx, "initializing database", "database_type", databaseType, "database", dsn,
	)

	db, err := openDB(ctx, databaseType, dsn, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
	if err != nil {
		return nil, err
	}
	if err = migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(allModels()...)
		},
	)
}

// openDB connects to a 'sqlite' file (creating its directory) or a
// 'postgres' DSN
func openDB(ctx context.Context, databaseType string, dsn string, gl gormLogger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		dialector = sqlite.Open(sqliteDSN(dsn))
	case dbTypePostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf(
			"unsupported database type %q (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}

	db, err := gorm.Open(
		dialector, &gorm.Config{
			Logger:         gl,
			TranslateError: true,
			NowFunc:        func() time.Time { return time.Now().UTC() },
		},
	)
	if err != nil {
		return nil, err
	}
	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// sqliteDSN appends the connection pragmas to dsn, leaving any the DSN
// already sets
func sqliteDSN(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dsn
	}
	for _, p := range sqliteDSNParams {
		if !query.Has(p[0]) {
			query.Set(p[0], p[1])
		}
	}
	return base + "?" + query.Encode()
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(sqliteConnLifetime)
	return sqlDB.PingContext(ctx)
}

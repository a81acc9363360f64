package ambassador

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const postgresNotifyChannel = "ambassador_events"

var (
	notificationDeliverTimeout = 15 * time.Second
	notifierReconnectDelay     = 5 * time.Second
)

type notificationKind string

const (
	notifyRuntimeConfig notificationKind = "runtime_config"
	notifyServerUpdated notificationKind = "server_updated"
	notifyStop          notificationKind = "stop"
)

// notification is sent to every instance sharing the database, including
// the one that sent it
type notification struct {
	Kind    notificationKind `json:"kind"`
	Sender  string           `json:"sender"`
	GuildID string           `json:"guild_id,omitempty"`
}

// DBNotifier tells every bot instance sharing the database about changes
// made by one of them (or the API)
type DBNotifier interface {
	Publish(ctx context.Context, n notification) error

	// Listen delivers notifications until ctx is done
	Listen(ctx context.Context) error
}

func newDBNotifier(a *Ambassador) (DBNotifier, error) {
	id, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(loggerNameKey, "db_notifier", "notifier_id", id)
	switch a.config.DatabaseType {
	case dbTypeSQLite:
		return &localNotifier{a: a, id: id}, nil
	case dbTypePostgres:
		return &postgresNotifier{a: a, id: id, dsn: a.config.Database, logger: logger}, nil
	default:
		return nil, fmt.Errorf("no notifier for database type %q", a.config.DatabaseType)
	}
}

// publish sends a notification, logging failures. It reports whether the
// notification was sent.
func (a *Ambassador) publish(ctx context.Context, kind notificationKind, guildID string) bool {
	if a.dbNotifier == nil {
		return false
	}
	err := a.dbNotifier.Publish(ctx, notification{Kind: kind, GuildID: guildID})
	if err != nil {
		contextLoggerOr(ctx, a.logger).ErrorContext(
			ctx, "error sending notification", "kind", kind, "guild_id", guildID, tint.Err(err),
		)
		return false
	}
	return true
}

// deliver hands n to the goroutine responsible for it
func (a *Ambassador) deliver(ctx context.Context, n notification) error {
	ctx, cancel := context.WithTimeout(ctx, notificationDeliverTimeout)
	defer cancel()

	switch n.Kind {
	case notifyRuntimeConfig:
		select {
		case a.triggerRuntimeConfigRefreshCh <- true:
		case <-ctx.Done():
			return ctx.Err()
		}
	case notifyServerUpdated:
		if n.GuildID == "" {
			return errors.New("server update without a guild ID")
		}
		select {
		case a.triggerServerUpdatedCh <- n.GuildID:
		case <-ctx.Done():
			return ctx.Err()
		}
	case notifyStop:
		select {
		case a.signalStop <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	return nil
}

// localNotifier delivers in-process. SQLite databases aren't shared
// between instances.
type localNotifier struct {
	a  *Ambassador
	id string
}

func (l *localNotifier) Publish(ctx context.Context, n notification) error {
	n.Sender = l.id
	return l.a.deliver(ctx, n)
}

func (*localNotifier) Listen(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// postgresNotifier uses LISTEN/NOTIFY on a dedicated connection
type postgresNotifier struct {
	a      *Ambassador
	id     string
	dsn    string
	logger *slog.Logger
}

func (p *postgresNotifier) Publish(ctx context.Context, n notification) error {
	n.Sender = p.id
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.a.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)", postgresNotifyChannel, string(payload),
	).Error
}

// Listen reconnects after connection errors until ctx is done
func (p *postgresNotifier) Listen(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("error creating listener pool: %w", err)
	}
	defer pool.Close()

	for {
		err = p.listen(ctx, pool)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.ErrorContext(ctx, "listener failed, reconnecting", tint.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(notifierReconnectDelay):
		}
	}
}

func (p *postgresNotifier) listen(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannel); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "listening for notifications", "channel", postgresNotifyChannel)

	for {
		msg, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			return e
		}
		var n notification
		if e = json.Unmarshal([]byte(msg.Payload), &n); e != nil {
			p.logger.WarnContext(ctx, "ignoring malformed notification", "payload", msg.Payload)
			continue
		}
		p.logger.DebugContext(
			ctx, "received notification", "kind", n.Kind, "sender", n.Sender, "guild_id", n.GuildID,
		)
		if e = p.a.deliver(ctx, n); e != nil {
			p.logger.WarnContext(ctx, "error delivering notification", "kind", n.Kind, tint.Err(e))
		}
	}
}

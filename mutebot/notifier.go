package mutebot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	postgresNotifyChannelMuteChanged = "mutebot_mute_changed"
	recordSeparator                  = string(rune(30))
)

const dbNotifierRetryInterval = 5 * time.Second

// DBNotifier tells other bot instances sharing the database that a mute
// record changed, so they can cancel or re-arm their own timers.
type DBNotifier interface {
	// ID identifies this notifier. Notifications carrying the same ID
	// are ignored by Listen.
	ID() string

	// MuteChanged announces that the mute record for the given key was
	// created, replaced or deleted
	MuteChanged(ctx context.Context, guildID, userID string) bool

	// Listen calls handler for each change announced by another
	// instance, until ctx is cancelled
	Listen(ctx context.Context, handler func(ctx context.Context, guildID, userID string)) error
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db *gorm.DB,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID := uuid.NewString()
	log := logger.With(loggerNameKey, "db_notifier", "notifier_id", notifyID)
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, sqliteNotifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:            db,
			dsn:           dsn,
			logger:        log,
			pgNotifyID:    notifyID,
			retryInterval: dbNotifierRetryInterval,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// sqliteNotifier is used when the database can't be shared between
// instances, so there's never anyone to notify.
type sqliteNotifier struct {
	logger         *slog.Logger
	sqliteNotifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) MuteChanged(ctx context.Context, guildID, userID string) bool {
	s.logger.DebugContext(
		ctx,
		"mute changed",
		columnMuteGuildID, guildID,
		columnMuteUserID, userID,
	)
	return true
}

func (s *sqliteNotifier) Listen(
	ctx context.Context,
	_ func(context.Context, string, string),
) error {
	s.logger.DebugContext(ctx, "listener called, nothing to listen to")
	return nil
}

type postgresNotifier struct {
	db            *gorm.DB
	dsn           string
	logger        *slog.Logger
	pgNotifyID    string
	retryInterval time.Duration
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func newMuteChangedMessage(notifierID, guildID, userID string) string {
	return strings.Join([]string{notifierID, guildID, userID}, recordSeparator)
}

func parseMuteChangedMessage(s string) (notifierID, guildID, userID string, ok bool) {
	parts := strings.Split(s, recordSeparator)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func (p *postgresNotifier) MuteChanged(
	ctx context.Context,
	guildID, userID string,
) bool {
	msg := newMuteChangedMessage(p.ID(), guildID, userID)
	notifyErr := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelMuteChanged,
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending mute change notification",
			tint.Err(notifyErr),
			columnMuteGuildID, guildID,
			columnMuteUserID, userID,
		)
		return false
	}
	p.logger.DebugContext(
		ctx,
		"sent mute change notification",
		columnMuteGuildID, guildID,
		columnMuteUserID, userID,
	)
	return true
}

func (p *postgresNotifier) Listen(
	ctx context.Context,
	handler func(ctx context.Context, guildID, userID string),
) error {
	logger := p.logger.With("channel", postgresNotifyChannelMuteChanged)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	p.listen(ctx, poolListener(pool), handler)
	return nil
}

// listenConn is a connection that has run LISTEN on the mute change
// channel
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

type pgxListenConn struct {
	conn *pgxpool.Conn
}

func (c pgxListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

// Release hands the connection back to the pool, which drops it if
// it's been closed
func (c pgxListenConn) Release() {
	c.conn.Release()
}

// poolListener returns a func which acquires a connection from pool and
// starts listening on it
func poolListener(pool *pgxpool.Pool) func(context.Context) (listenConn, error) {
	return func(ctx context.Context) (listenConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("error acquiring connection: %w", err)
		}
		if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelMuteChanged); err != nil {
			conn.Release()
			return nil, fmt.Errorf("error setting up listener: %w", err)
		}
		return pgxListenConn{conn: conn}, nil
	}
}

// listen waits on notifications until ctx is done. When a connection
// fails it's released and a fresh one is acquired, after waiting
// retryInterval.
func (p *postgresNotifier) listen(
	ctx context.Context,
	acquire func(context.Context) (listenConn, error),
	handler func(ctx context.Context, guildID, userID string),
) {
	logger := p.logger.With("channel", postgresNotifyChannelMuteChanged)
	retryInterval := p.retryInterval
	if retryInterval <= 0 {
		retryInterval = dbNotifierRetryInterval
	}
	wait := func() {
		select {
		case <-ctx.Done():
		case <-time.After(retryInterval):
		}
	}

	var conn listenConn
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for ctx.Err() == nil {
		if conn == nil {
			c, err := acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				logger.ErrorContext(ctx, "error starting listener", tint.Err(err))
				wait()
				continue
			}
			conn = c
			logger.InfoContext(ctx, "started listening on channel")
		}

		notification, e := conn.WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification, reconnecting", tint.Err(e))
			conn.Release()
			conn = nil
			wait()
			continue
		}

		notifierID, guildID, userID, ok := parseMuteChangedMessage(notification.Payload)
		if !ok {
			logger.WarnContext(
				ctx,
				"received malformed notification",
				"payload", notification.Payload,
			)
			continue
		}
		if notifierID == p.ID() {
			continue
		}
		logger.InfoContext(
			ctx,
			"received mute change notification",
			columnMuteGuildID, guildID,
			columnMuteUserID, userID,
		)
		handler(ctx, guildID, userID)
	}
}

package mutebot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMuteChangedMessage(t *testing.T) {
	t.Parallel()
	msg := newMuteChangedMessage("n1", "g1", "u1")
	notifierID, guildID, userID, ok := parseMuteChangedMessage(msg)
	require.True(t, ok)
	assert.Equal(t, "n1", notifierID)
	assert.Equal(t, "g1", guildID)
	assert.Equal(t, "u1", userID)

	for _, payload := range []string{
		"",
		"n1",
		"n1" + recordSeparator + "g1",
		"n1" + recordSeparator + "g1" + recordSeparator + "u1" + recordSeparator + "extra",
	} {
		_, _, _, ok = parseMuteChangedMessage(payload)
		assert.False(t, ok, "%q", payload)
	}
}

func TestNewDBNotifier(t *testing.T) {
	t.Parallel()
	logger := testLogger(t)

	sqliteNotifier, err := newDBNotifier(dbTypeSQLite, "test.sqlite3", nil, logger)
	require.NoError(t, err)
	assert.NotEmpty(t, sqliteNotifier.ID())

	other, err := newDBNotifier(dbTypeSQLite, "test.sqlite3", nil, logger)
	require.NoError(t, err)
	assert.NotEqual(t, sqliteNotifier.ID(), other.ID())

	pgNotifier, err := newDBNotifier(dbTypePostgres, "postgres://localhost/mutebot", nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &postgresNotifier{}, pgNotifier)

	_, err = newDBNotifier("mysql", "", nil, logger)
	assert.Error(t, err)
}

func TestSQLiteNotifier(t *testing.T) {
	t.Parallel()
	notifier, err := newDBNotifier(dbTypeSQLite, "test.sqlite3", nil, testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	assert.True(t, notifier.MuteChanged(ctx, "g1", "u1"))

	// there's nothing to listen to, so Listen returns right away
	called := false
	require.NoError(
		t,
		notifier.Listen(
			ctx,
			func(context.Context, string, string) { called = true },
		),
	)
	assert.False(t, called)
}

// scriptedConn replays payloads, then fails as a dropped connection would
type scriptedConn struct {
	payloads []string
	released *int
}

func (c *scriptedConn) WaitForNotification(context.Context) (*pgconn.Notification, error) {
	if len(c.payloads) == 0 {
		return nil, errors.New("unexpected EOF")
	}
	payload := c.payloads[0]
	c.payloads = c.payloads[1:]
	return &pgconn.Notification{Channel: postgresNotifyChannelMuteChanged, Payload: payload}, nil
}

func (c *scriptedConn) Release() {
	*c.released++
}

func TestPostgresNotifier_ListenReconnects(t *testing.T) {
	t.Parallel()
	p := &postgresNotifier{
		logger:        testLogger(t),
		pgNotifyID:    "self",
		retryInterval: time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	released := 0
	acquired := 0
	conns := []*scriptedConn{
		{
			payloads: []string{
				newMuteChangedMessage("other", "g1", "u1"),
				newMuteChangedMessage("self", "g1", "u2"),
				"garbage",
			},
			released: &released,
		},
		{
			payloads: []string{newMuteChangedMessage("other", "g2", "u3")},
			released: &released,
		},
	}
	acquire := func(ctx context.Context) (listenConn, error) {
		acquired++
		switch acquired {
		case 1:
			return nil, errors.New("connection refused")
		case 2, 3:
			return conns[acquired-2], nil
		default:
			cancel()
			return nil, ctx.Err()
		}
	}

	var changes []string
	p.listen(
		ctx,
		acquire,
		func(_ context.Context, guildID, userID string) {
			changes = append(changes, guildID+"/"+userID)
		},
	)

	assert.Equal(t, []string{"g1/u1", "g2/u3"}, changes)
	assert.Equal(t, 4, acquired)
	assert.Equal(t, 2, released, "each failed connection should be released")
}

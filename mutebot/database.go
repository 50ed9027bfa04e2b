package mutebot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// MuteRecordStore is durable storage for [MuteRecord], keyed by
// (guild ID, user ID).
type MuteRecordStore interface {
	// Put inserts rec, replacing any existing record with the same key
	Put(ctx context.Context, rec MuteRecord) error

	// Get returns the record for the given key, or nil if there isn't one.
	// A corrupt record is returned along with an error wrapping
	// [ErrCorruptRecord].
	Get(ctx context.Context, guildID, userID string) (*MuteRecord, error)

	// Delete removes the record for the given key. Deleting a record
	// that doesn't exist is not an error.
	Delete(ctx context.Context, guildID, userID string) error

	// ListActive lazily yields every record stored for guildID. Records
	// which fail validation are logged and skipped. A record whose saved
	// roles can't be decoded is logged and yielded with none. A non-nil error is only yielded when the query itself
	// fails, after which iteration stops.
	ListActive(ctx context.Context, guildID string) iter.Seq2[MuteRecord, error]

	// Guilds returns the IDs of guilds with at least one stored record
	Guilds(ctx context.Context) ([]string, error)
}

// GuildSettingsStore persists [GuildSettings].
type GuildSettingsStore interface {
	GuildSettings(ctx context.Context, guildID string) (*GuildSettings, error)
	SetMuteRole(ctx context.Context, guildID, roleID string) (*GuildSettings, error)
}

// database is the gorm-backed [MuteRecordStore] and [GuildSettingsStore].
//
// SQLite doesn't tolerate concurrent writers well, so unless
// enableConcurrentWrites is set, writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps db. If log is nil, the default logger is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "mute_store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withTimeout applies dbOperationTimeout when ctx has no deadline of
// its own
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Put(ctx context.Context, rec MuteRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	d.Lock()
	defer d.Unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: columnMuteGuildID},
				{Name: columnMuteUserID},
			},
			UpdateAll: true,
		},
	).Create(&rec).Error
}

func (d *database) Get(ctx context.Context, guildID, userID string) (
	*MuteRecord,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var row storedMuteRecord
	err := d.db.WithContext(ctx).Model(&MuteRecord{}).Where(
		columnMuteGuildID+" = ? AND "+columnMuteUserID+" = ?",
		guildID,
		userID,
	).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("error getting mute %s/%s: %w", guildID, userID, err)
	}
	rec, err := row.record()
	if err != nil {
		return &rec, err
	}
	return &rec, nil
}

// storedMuteRecord is a mute_records row with the saved roles left
// undecoded, so a row with an unreadable role list can still be lifted.
type storedMuteRecord struct {
	GuildID        string
	UserID         string
	SentinelRoleID string
	MutedAt        int64
	UnmuteAt       int64
	SavedRoleIDs   sql.NullString
	UpdatedAt      int64
}

// record decodes the row. On error, the returned record is still
// populated as far as possible: a role list which can't be decoded is
// left empty, and the error wraps [ErrCorruptRecord].
func (r storedMuteRecord) record() (MuteRecord, error) {
	rec := MuteRecord{
		GuildID:        r.GuildID,
		UserID:         r.UserID,
		SentinelRoleID: r.SentinelRoleID,
		MutedAt:        r.MutedAt,
		UnmuteAt:       r.UnmuteAt,
		UpdatedAt:      r.UpdatedAt,
	}
	var saved any
	if r.SavedRoleIDs.Valid {
		saved = r.SavedRoleIDs.String
	}
	if err := rec.SavedRoleIDs.Scan(saved); err != nil {
		rec.SavedRoleIDs = RoleIDs{}
		return rec, errors.Join(err, rec.validate())
	}
	return rec, rec.validate()
}

func (d *database) Delete(ctx context.Context, guildID, userID string) error {
	d.Lock()
	defer d.Unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Where(
		columnMuteGuildID+" = ? AND "+columnMuteUserID+" = ?",
		guildID,
		userID,
	).Delete(&MuteRecord{}).Error
}

func (d *database) ListActive(
	ctx context.Context,
	guildID string,
) iter.Seq2[MuteRecord, error] {
	return func(yield func(MuteRecord, error) bool) {
		logger := d.logger.With(columnMuteGuildID, guildID)

		db := d.db.WithContext(ctx)
		rows, err := db.Model(&MuteRecord{}).Where(
			columnMuteGuildID+" = ?",
			guildID,
		).Order(columnMuteUnmuteAt).Rows()
		if err != nil {
			yield(MuteRecord{}, fmt.Errorf("error listing mutes: %w", err))
			return
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				logger.WarnContext(ctx, "error closing rows", tint.Err(closeErr))
			}
		}()

		for rows.Next() {
			var row storedMuteRecord
			if scanErr := db.ScanRows(rows, &row); scanErr != nil {
				logger.ErrorContext(
					ctx,
					"skipping unreadable mute record",
					tint.Err(scanErr),
				)
				continue
			}
			rec, recErr := row.record()
			if validErr := rec.validate(); validErr != nil {
				logger.ErrorContext(
					ctx,
					"skipping invalid mute record",
					"mute", rec,
					tint.Err(validErr),
				)
				continue
			}
			if recErr != nil {
				// still yielded, so the mute ends on time and the
				// sentinel role is removed
				logger.ErrorContext(
					ctx,
					"mute record has unreadable saved roles",
					"mute", rec,
					tint.Err(recErr),
				)
			}
			if !yield(rec, nil) {
				return
			}
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			yield(MuteRecord{}, fmt.Errorf("error reading mutes: %w", rowsErr))
		}
	}
}

func (d *database) Guilds(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var guildIDs []string
	err := d.db.WithContext(ctx).Model(&MuteRecord{}).Distinct(
		columnMuteGuildID,
	).Order(columnMuteGuildID).Pluck(columnMuteGuildID, &guildIDs).Error
	return guildIDs, err
}

func (d *database) GuildSettings(ctx context.Context, guildID string) (
	*GuildSettings,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var settings GuildSettings
	err := d.db.WithContext(ctx).Where("guild_id = ?", guildID).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &GuildSettings{GuildID: guildID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (d *database) SetMuteRole(ctx context.Context, guildID, roleID string) (
	*GuildSettings,
	error,
) {
	d.Lock()
	defer d.Unlock()

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	settings := &GuildSettings{GuildID: guildID, MuteRoleID: roleID}
	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"mute_role_id", "updated_at"}),
		},
	).Create(settings).Error
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// CreateDB opens the database and migrates the schema.
//
// databaseType must be 'sqlite' or 'postgres'. database is the
// connection string, or the SQLite file path.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	logLevel slog.Leveler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logLevel == nil {
		logLevel = slog.LevelWarn
	}
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     logLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "db")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return nil, err
		}
	}

	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&MuteRecord{},
				&GuildSettings{},
			)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}
	return nil
}

// getDB opens a gorm connection for the given database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

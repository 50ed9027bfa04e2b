package mutebot

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	columnMuteGuildID      = "guild_id"
	columnMuteUserID       = "user_id"
	columnMuteUnmuteAt     = "unmute_at"
	columnMuteSavedRoleIDs = "saved_role_ids"
)

var ErrCorruptRecord = errors.New("corrupt mute record")

// MuteRecord is the durable description of an active mute. There is at
// most one per (GuildID, UserID), and it exists only while the member
// holds SentinelRoleID in place of SavedRoleIDs.
type MuteRecord struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	UserID  string `gorm:"primaryKey" json:"user_id"`

	// SentinelRoleID is the role assigned for the duration of the mute
	SentinelRoleID string `json:"sentinel_role_id"`

	// MutedAt is when the mute began, in unix milliseconds
	MutedAt int64 `json:"muted_at"`

	// UnmuteAt is when the mute should end, in unix milliseconds
	UnmuteAt int64 `gorm:"index" json:"unmute_at"`

	// SavedRoleIDs are the roles the member held immediately before
	// being muted, in the order they were reported
	SavedRoleIDs RoleIDs `json:"saved_role_ids"`

	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func newMuteRecord(
	guildID string,
	userID string,
	sentinelRoleID string,
	mutedAt time.Time,
	duration time.Duration,
	savedRoleIDs []string,
) MuteRecord {
	return MuteRecord{
		GuildID:        guildID,
		UserID:         userID,
		SentinelRoleID: sentinelRoleID,
		MutedAt:        mutedAt.UnixMilli(),
		UnmuteAt:       mutedAt.Add(duration).UnixMilli(),
		SavedRoleIDs:   RoleIDs(savedRoleIDs),
	}
}

func (m MuteRecord) MutedAtTime() time.Time {
	return time.UnixMilli(m.MutedAt).UTC()
}

func (m MuteRecord) UnmuteAtTime() time.Time {
	return time.UnixMilli(m.UnmuteAt).UTC()
}

// Remaining returns the time left until the mute ends, relative to now.
// Overdue mutes return a negative duration.
func (m MuteRecord) Remaining(now time.Time) time.Duration {
	return m.UnmuteAtTime().Sub(now)
}

// validate reports records which can't be acted on
func (m MuteRecord) validate() error {
	switch {
	case m.GuildID == "" || m.UserID == "":
		return fmt.Errorf("%w: missing key", ErrCorruptRecord)
	case m.SentinelRoleID == "":
		return fmt.Errorf("%w: missing sentinel role", ErrCorruptRecord)
	case m.UnmuteAt <= m.MutedAt:
		return fmt.Errorf(
			"%w: unmute_at (%d) is not after muted_at (%d)",
			ErrCorruptRecord,
			m.UnmuteAt,
			m.MutedAt,
		)
	}
	return nil
}

func (m MuteRecord) key() muteKey {
	return muteKey{guildID: m.GuildID, userID: m.UserID}
}

func (m MuteRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnMuteGuildID, m.GuildID),
		slog.String(columnMuteUserID, m.UserID),
		slog.String("sentinel_role_id", m.SentinelRoleID),
		slog.Time("muted_at", m.MutedAtTime()),
		slog.Time(columnMuteUnmuteAt, m.UnmuteAtTime()),
		slog.Any(columnMuteSavedRoleIDs, []string(m.SavedRoleIDs)),
	)
}

// muteKey identifies a mute record, and the timer armed for it
type muteKey struct {
	guildID string
	userID  string
}

func (k muteKey) String() string {
	return k.guildID + "/" + k.userID
}

// RoleIDs is an ordered list of role IDs, stored as a JSON array.
type RoleIDs []string

// Scan implements the sql.Scanner interface.
func (r *RoleIDs) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*r = RoleIDs{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("%w: unexpected type for RoleIDs: %T", ErrCorruptRecord, value)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	*r = ids
	return nil
}

// Value implements the driver.Valuer interface.
func (r RoleIDs) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(r))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (RoleIDs) GormDataType() string {
	return "string"
}

// GuildSettings holds per-guild configuration.
type GuildSettings struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`

	// MuteRoleID is the sentinel role assigned to muted members.
	// If empty, [DiscordConfig.MuteRoleID] is used.
	MuteRoleID string `json:"mute_role_id"`

	ModelUnixTime
}

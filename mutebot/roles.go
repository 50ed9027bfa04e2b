package mutebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lmittmann/tint"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrRoleNotFound   = errors.New("role not found")
)

// RoleMutator adds and removes a single role from a guild member.
// There's no multi-role transaction, each call succeeds or fails on
// its own.
type RoleMutator interface {
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// GuildDirectory looks up live guild state.
type GuildDirectory interface {
	// MemberRoles returns the IDs of the roles held by the member, or
	// an error wrapping ErrMemberNotFound if they're not in the guild.
	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)

	// GuildRoles returns the IDs of every role that currently exists
	// in the guild.
	GuildRoles(ctx context.Context, guildID string) ([]string, error)
}

// GuildClient is everything the mute core needs from the chat platform.
type GuildClient interface {
	RoleMutator
	GuildDirectory
}

// RoleMutationError is returned when a role couldn't be added to or
// removed from a member.
type RoleMutationError struct {
	Op      string
	GuildID string
	UserID  string
	RoleID  string
	Err     error
}

func (e *RoleMutationError) Error() string {
	return fmt.Sprintf(
		"%s role %s for %s/%s: %v",
		e.Op, e.RoleID, e.GuildID, e.UserID, e.Err,
	)
}

func (e *RoleMutationError) Unwrap() error {
	return e.Err
}

const (
	roleOpAdd    = "add"
	roleOpRemove = "remove"
)

// RoleResult is the outcome of a single role mutation. Err is nil on
// success. Skipped is set when the mutation wasn't attempted, ex: the
// role no longer exists.
type RoleResult struct {
	RoleID  string
	Skipped bool
	Err     error
}

// RoleBatchResult is the per-role outcome of a batch of role mutations.
type RoleBatchResult struct {
	Op      string
	Results []RoleResult
}

// Succeeded returns the IDs of roles that were mutated
func (r RoleBatchResult) Succeeded() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Err == nil {
			ids = append(ids, res.RoleID)
		}
	}
	return ids
}

// Failed returns the results of mutations which failed or were skipped
func (r RoleBatchResult) Failed() []RoleResult {
	var failed []RoleResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Complete reports whether every role in the batch was mutated.
func (r RoleBatchResult) Complete() bool {
	return len(r.Failed()) == 0
}

// Err joins every per-role error, or returns nil if the batch completed.
func (r RoleBatchResult) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s %s: %w", r.Op, res.RoleID, res.Err))
	}
	return errors.Join(errs...)
}

func (r RoleBatchResult) LogValue() slog.Value {
	failed := r.Failed()
	failedIDs := make([]string, 0, len(failed))
	for _, res := range failed {
		failedIDs = append(failedIDs, res.RoleID)
	}
	return slog.GroupValue(
		slog.String("op", r.Op),
		slog.Int("total", len(r.Results)),
		slog.Any("succeeded", r.Succeeded()),
		slog.Any("failed", failedIDs),
	)
}

// RoleSnapshotter captures the roles held by a member, strips them,
// and later puts them back.
//
// Individual role failures never abort a batch. Callers get a
// [RoleBatchResult] to tell "fully restored" from "partially restored".
type RoleSnapshotter struct {
	client GuildClient
	logger *slog.Logger
}

func NewRoleSnapshotter(client GuildClient, logger *slog.Logger) *RoleSnapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleSnapshotter{
		client: client,
		logger: logger.With(loggerNameKey, "roles"),
	}
}

// Capture returns the roles currently held by the member, less any
// role in exclude (typically the sentinel role), in the order reported
// by the platform.
func (r *RoleSnapshotter) Capture(
	ctx context.Context,
	guildID, userID string,
	exclude ...string,
) ([]string, error) {
	held, err := r.client.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	captured := make([]string, 0, len(held))
	for _, roleID := range held {
		if roleID == "" || slices.Contains(exclude, roleID) {
			continue
		}
		if slices.Contains(captured, roleID) {
			continue
		}
		captured = append(captured, roleID)
	}
	return captured, nil
}

// Strip removes each of roleIDs from the member. Every role is
// attempted regardless of earlier failures.
func (r *RoleSnapshotter) Strip(
	ctx context.Context,
	guildID, userID string,
	roleIDs []string,
) RoleBatchResult {
	result := RoleBatchResult{Op: roleOpRemove, Results: make([]RoleResult, 0, len(roleIDs))}
	for _, roleID := range roleIDs {
		err := r.client.RemoveRole(ctx, guildID, userID, roleID)
		if err != nil {
			r.logger.WarnContext(
				ctx,
				"error removing role",
				columnMuteGuildID, guildID,
				columnMuteUserID, userID,
				"role_id", roleID,
				tint.Err(err),
			)
		}
		result.Results = append(result.Results, RoleResult{RoleID: roleID, Err: err})
	}
	return result
}

// Restore adds each of roleIDs back to the member. Roles which no
// longer exist in the guild are skipped and reported with
// ErrRoleNotFound.
func (r *RoleSnapshotter) Restore(
	ctx context.Context,
	guildID, userID string,
	roleIDs []string,
) RoleBatchResult {
	result := RoleBatchResult{Op: roleOpAdd, Results: make([]RoleResult, 0, len(roleIDs))}
	if len(roleIDs) == 0 {
		return result
	}

	liveRoles, err := r.client.GuildRoles(ctx, guildID)
	if err != nil {
		// can't tell which roles still exist, so try them all and let
		// the platform reject the missing ones
		r.logger.WarnContext(
			ctx,
			"error listing guild roles",
			columnMuteGuildID, guildID,
			tint.Err(err),
		)
		liveRoles = nil
	}

	for _, roleID := range roleIDs {
		if liveRoles != nil && !slices.Contains(liveRoles, roleID) {
			r.logger.WarnContext(
				ctx,
				"skipping deleted role",
				columnMuteGuildID, guildID,
				columnMuteUserID, userID,
				"role_id", roleID,
			)
			result.Results = append(
				result.Results,
				RoleResult{RoleID: roleID, Skipped: true, Err: ErrRoleNotFound},
			)
			continue
		}
		addErr := r.client.AddRole(ctx, guildID, userID, roleID)
		if addErr != nil {
			r.logger.WarnContext(
				ctx,
				"error restoring role",
				columnMuteGuildID, guildID,
				columnMuteUserID, userID,
				"role_id", roleID,
				tint.Err(addErr),
			)
		}
		result.Results = append(result.Results, RoleResult{RoleID: roleID, Err: addErr})
	}
	return result
}

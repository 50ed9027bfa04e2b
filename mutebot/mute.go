package mutebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// roleMutationTimeout limits the role changes made for a single mute or
// unmute, once they've started
const roleMutationTimeout = 30 * time.Second

var (
	ErrInvalidDuration = errors.New("invalid duration")
	ErrNotMuted        = errors.New("not muted")
	ErrNoMuteRole      = errors.New("no mute role configured")
)

// MuteService mutes guild members by swapping their roles for a single
// sentinel role, and puts the roles back when the mute expires.
//
// Every active mute has a [MuteRecord] in the store and, in this process,
// at most one armed timer. Timers don't survive a restart, so Recover
// re-arms them from the stored records on startup.
//
// Unmuting is idempotent: a timer firing after the record was already
// removed (by an administrator, or by another instance) does nothing.
type MuteService struct {
	store     MuteRecordStore
	settings  GuildSettingsStore
	roles     *RoleSnapshotter
	client    GuildClient
	scheduler *Scheduler
	notifier  DBNotifier
	config    MutesConfig
	logger    *slog.Logger

	// defaultMuteRoleID is used for guilds without their own mute role
	defaultMuteRoleID string

	// mutationTimeout limits role changes once they've started, see
	// [MuteService.mutationContext]
	mutationTimeout time.Duration

	// recoverLimiter staggers overdue unmutes found by Recover
	recoverLimiter *rate.Limiter

	now func() time.Time

	mu     sync.Mutex
	timers map[muteKey]*muteTimer
	locks  map[muteKey]*keyLock
}

// muteTimer is the timer armed for a mute, and the unmute time it was
// armed for
type muteTimer struct {
	handle   *ScheduledAction
	unmuteAt int64
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// MuteResult describes a completed Mute.
type MuteResult struct {
	Record MuteRecord

	// Replaced is set when the member was already muted, and the
	// existing mute was replaced
	Replaced bool

	// Stripped is the outcome of removing the member's roles
	Stripped RoleBatchResult
}

// UnmuteResult describes the outcome of an unmute.
type UnmuteResult struct {
	// Record is the mute that was lifted. Nil if NotMuted is set.
	Record *MuteRecord

	// NotMuted is set when there was no record to act on
	NotMuted bool

	// MemberGone is set when the member left the guild. The record is
	// still removed, but no roles are restored.
	MemberGone bool

	// Stale is set when a timer fired for a mute that has since been
	// replaced with a later one, so nothing was done
	Stale bool

	Restored RoleBatchResult
}

func (r *UnmuteResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("not_muted", r.NotMuted),
		slog.Bool("member_gone", r.MemberGone),
		slog.Bool("stale", r.Stale),
	}
	if r.Record != nil {
		attrs = append(attrs, slog.Any("mute", *r.Record))
	}
	if len(r.Restored.Results) > 0 {
		attrs = append(attrs, slog.Any("restored", r.Restored))
	}
	return slog.GroupValue(attrs...)
}

func NewMuteService(
	store MuteRecordStore,
	settings GuildSettingsStore,
	client GuildClient,
	scheduler *Scheduler,
	config MutesConfig,
	logger *slog.Logger,
) *MuteService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MuteService{
		store:     store,
		settings:  settings,
		roles:     NewRoleSnapshotter(client, logger),
		client:    client,
		scheduler: scheduler,
		config:    config,
		logger:    logger.With(loggerNameKey, "mutes"),
		now:       time.Now,
		timers:    map[muteKey]*muteTimer{},
		locks:     map[muteKey]*keyLock{},

		mutationTimeout: roleMutationTimeout,
		recoverLimiter:  newRecoverLimiter(config),
	}
}

// mutationContext returns a context for role changes which have to run
// to completion: it keeps ctx's values but not its deadline or
// cancellation. A member left with some roles removed and no sentinel
// role (or the reverse) can't be repaired until the next restart.
func (s *MuteService) mutationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.mutationTimeout)
}

// lockKey serializes operations on a single (guild, user) pair. Operations
// on different pairs never wait on each other.
func (s *MuteService) lockKey(key muteKey) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// MuteRoleFor returns the sentinel role for the guild: the guild's own
// setting if it has one, otherwise the configured default.
func (s *MuteService) MuteRoleFor(ctx context.Context, guildID string) (string, error) {
	if s.settings != nil {
		settings, err := s.settings.GuildSettings(ctx, guildID)
		if err != nil {
			return "", fmt.Errorf("error loading guild settings: %w", err)
		}
		if settings != nil && settings.MuteRoleID != "" {
			return settings.MuteRoleID, nil
		}
	}
	if s.defaultMuteRoleID != "" {
		return s.defaultMuteRoleID, nil
	}
	return "", fmt.Errorf("%w for guild %s", ErrNoMuteRole, guildID)
}

// MuteFor parses durationString, resolves the guild's mute role and
// mutes the member.
func (s *MuteService) MuteFor(
	ctx context.Context,
	guildID string,
	userID string,
	durationString string,
) (*MuteResult, error) {
	duration, err := ParseDuration(durationString)
	if err != nil {
		return nil, err
	}
	sentinelRoleID, err := s.MuteRoleFor(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return s.Mute(ctx, guildID, userID, sentinelRoleID, duration)
}

// Mute replaces the member's roles with sentinelRoleID, and arranges
// for them to be restored after duration.
//
// The record is stored before any roles are touched. If the member is
// already muted, the existing mute is replaced: the roles saved by the
// original mute are kept, the end time moves to now+duration and the
// previous timer is cancelled.
//
// Failing to remove individual roles isn't an error, see
// [MuteResult.Stripped]. Failing to add the sentinel role returns a
// [*RoleMutationError], after the removed roles are put back.
func (s *MuteService) Mute(
	ctx context.Context,
	guildID string,
	userID string,
	sentinelRoleID string,
	duration time.Duration,
) (*MuteResult, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidDuration)
	}
	if s.config.MaxDuration > 0 && duration > s.config.MaxDuration {
		return nil, fmt.Errorf(
			"%w: %s exceeds the maximum of %s",
			ErrInvalidDuration,
			formatMuteDuration(duration),
			formatMuteDuration(s.config.MaxDuration),
		)
	}
	if sentinelRoleID == "" {
		return nil, ErrNoMuteRole
	}

	key := muteKey{guildID: guildID, userID: userID}
	unlock := s.lockKey(key)
	defer unlock()

	logger := s.logger.With(
		columnMuteGuildID, guildID,
		columnMuteUserID, userID,
	)

	existing, err := s.store.Get(ctx, guildID, userID)
	if err != nil {
		if existing == nil || !errors.Is(err, ErrCorruptRecord) {
			return nil, err
		}
		logger.WarnContext(ctx, "replacing corrupt mute record", "mute", *existing, tint.Err(err))
		existing = nil
	}

	exclude := []string{sentinelRoleID}
	if existing != nil {
		exclude = append(exclude, existing.SentinelRoleID)
	}
	held, err := s.roles.Capture(ctx, guildID, userID, exclude...)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := newMuteRecord(guildID, userID, sentinelRoleID, now, duration, held)
	if existing != nil {
		rec.MutedAt = existing.MutedAt
		rec.SavedRoleIDs = slices.Clone(existing.SavedRoleIDs)
		for _, roleID := range held {
			if !slices.Contains(rec.SavedRoleIDs, roleID) {
				rec.SavedRoleIDs = append(rec.SavedRoleIDs, roleID)
			}
		}
	}

	if err = s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("error saving mute: %w", err)
	}

	// the record is stored, so the caller giving up from here on
	// would leave the member half muted
	ctx, cancel := s.mutationContext(ctx)
	defer cancel()

	stripped := s.roles.Strip(ctx, guildID, userID, held)

	if addErr := s.client.AddRole(ctx, guildID, userID, sentinelRoleID); addErr != nil {
		mutationErr := &RoleMutationError{
			Op:      roleOpAdd,
			GuildID: guildID,
			UserID:  userID,
			RoleID:  sentinelRoleID,
			Err:     addErr,
		}
		logger.ErrorContext(
			ctx,
			"error adding mute role, rolling back",
			tint.Err(mutationErr),
		)
		rollbackCtx, rollbackCancel := s.mutationContext(ctx)
		defer rollbackCancel()
		ctx = rollbackCtx

		restored := s.roles.Restore(ctx, guildID, userID, stripped.Succeeded())
		if !restored.Complete() {
			logger.ErrorContext(ctx, "roles not fully restored", "restored", restored)
		}

		var rollbackErr error
		if existing != nil {
			rollbackErr = s.store.Put(ctx, *existing)
		} else {
			rollbackErr = s.store.Delete(ctx, guildID, userID)
		}
		if rollbackErr != nil {
			logger.ErrorContext(ctx, "error rolling back mute record", tint.Err(rollbackErr))
		}
		return nil, errors.Join(mutationErr, rollbackErr)
	}

	if existing != nil && existing.SentinelRoleID != sentinelRoleID {
		if removeErr := s.client.RemoveRole(
			ctx,
			guildID,
			userID,
			existing.SentinelRoleID,
		); removeErr != nil {
			logger.WarnContext(
				ctx,
				"error removing previous mute role",
				"role_id", existing.SentinelRoleID,
				tint.Err(removeErr),
			)
		}
	}

	if err = s.arm(rec); err != nil {
		logger.ErrorContext(ctx, "error scheduling unmute", tint.Err(err))
	}
	s.notifyChanged(ctx, key)

	logger.InfoContext(
		ctx,
		"muted member",
		"mute", rec,
		"duration", formatMuteDuration(duration),
		"replaced", existing != nil,
		"stripped", stripped,
	)
	return &MuteResult{Record: rec, Replaced: existing != nil, Stripped: stripped}, nil
}

// Unmute restores the member's saved roles, removes the sentinel role
// and deletes the record. If there's no record, it does nothing and
// returns a result with NotMuted set.
func (s *MuteService) Unmute(
	ctx context.Context,
	guildID string,
	userID string,
) (*UnmuteResult, error) {
	return s.unmute(ctx, muteKey{guildID: guildID, userID: userID}, 0)
}

// Lift ends a mute early: the timer is cancelled, then the member is
// unmuted. Returns ErrNotMuted if the member wasn't muted.
func (s *MuteService) Lift(
	ctx context.Context,
	guildID string,
	userID string,
) (*UnmuteResult, error) {
	key := muteKey{guildID: guildID, userID: userID}
	s.disarm(key)

	result, err := s.unmute(ctx, key, 0)
	if err != nil {
		if result != nil && result.Record != nil {
			if armErr := s.arm(*result.Record); armErr != nil {
				s.logger.ErrorContext(ctx, "error re-arming unmute", tint.Err(armErr))
			}
		}
		return result, err
	}
	if result.NotMuted {
		return result, ErrNotMuted
	}
	return result, nil
}

// unmute does the work for Unmute. If armedFor is non-zero, the call
// came from a timer armed for that unmute time, and a record with a
// later unmute time is left alone.
func (s *MuteService) unmute(
	ctx context.Context,
	key muteKey,
	armedFor int64,
) (*UnmuteResult, error) {
	unlock := s.lockKey(key)
	defer unlock()

	logger := s.logger.With(
		columnMuteGuildID, key.guildID,
		columnMuteUserID, key.userID,
	)

	rec, err := s.store.Get(ctx, key.guildID, key.userID)
	if err != nil {
		if rec == nil || !errors.Is(err, ErrCorruptRecord) {
			return nil, err
		}
		logger.WarnContext(ctx, "unmuting with corrupt record", "mute", *rec, tint.Err(err))
	}
	result := &UnmuteResult{Record: rec}
	if rec == nil {
		logger.DebugContext(ctx, "not muted, nothing to do")
		result.NotMuted = true
		return result, nil
	}
	if armedFor != 0 && rec.UnmuteAt > armedFor {
		logger.InfoContext(ctx, "mute was extended, skipping", "mute", *rec)
		result.Stale = true
		return result, nil
	}

	ctx, cancel := s.mutationContext(ctx)
	defer cancel()

	held, err := s.client.MemberRoles(ctx, key.guildID, key.userID)
	switch {
	case errors.Is(err, ErrMemberNotFound):
		logger.WarnContext(ctx, "member left the guild, roles not restored", "mute", *rec)
		result.MemberGone = true
	case err != nil:
		return result, fmt.Errorf("error getting member roles: %w", err)
	default:
		result.Restored = s.roles.Restore(
			ctx,
			key.guildID,
			key.userID,
			missingRoles(rec.SavedRoleIDs, held),
		)
		if slices.Contains(held, rec.SentinelRoleID) {
			if removeErr := s.client.RemoveRole(
				ctx,
				key.guildID,
				key.userID,
				rec.SentinelRoleID,
			); removeErr != nil {
				return result, &RoleMutationError{
					Op:      roleOpRemove,
					GuildID: key.guildID,
					UserID:  key.userID,
					RoleID:  rec.SentinelRoleID,
					Err:     removeErr,
				}
			}
		}
	}

	if err = s.store.Delete(ctx, key.guildID, key.userID); err != nil {
		return result, fmt.Errorf("error deleting mute: %w", err)
	}
	s.disarm(key)
	s.notifyChanged(ctx, key)

	if result.Restored.Complete() {
		logger.InfoContext(ctx, "unmuted member", "result", result)
	} else {
		logger.WarnContext(
			ctx,
			"unmuted member, some roles not restored",
			"result", result,
			tint.Err(result.Restored.Err()),
		)
	}
	return result, nil
}

// Recover re-arms timers for every mute stored for the guild.
//
// Overdue mutes aren't lifted here: each gets a timer, staggered by
// [MutesConfig.RecoverRate], so a long outage doesn't turn into a burst
// of unmutes or hold up the caller. The rest are checked against the
// member's live roles, at most [MutesConfig.RecoverConcurrency] at a
// time, and re-applied if they diverged.
//
// A failure for one member doesn't stop the others, every error is
// returned joined.
func (s *MuteService) Recover(ctx context.Context, guildID string) error {
	logger := s.logger.With(columnMuteGuildID, guildID)

	var g errgroup.Group
	g.SetLimit(max(1, s.config.RecoverConcurrency))

	var (
		errsMu sync.Mutex
		errs   []error
	)
	addErr := func(err error) {
		errsMu.Lock()
		errs = append(errs, err)
		errsMu.Unlock()
	}

	// the cursor holds a connection open, and sqlite only has one, so
	// records are read in full before any of them are acted on
	records, err := s.Active(ctx, guildID)
	if err != nil {
		addErr(err)
	}

	now := s.now()
	var overdue int
	for _, rec := range records {
		if rec.UnmuteAt <= now.UnixMilli() {
			overdue++
			delay := s.recoverLimiter.ReserveN(now, 1).DelayFrom(now)
			if armErr := s.armAfter(rec.key(), rec.UnmuteAt, delay, true); armErr != nil {
				addErr(fmt.Errorf("%s: %w", rec.key(), armErr))
			}
			continue
		}
		g.Go(
			func() error {
				if recoverErr := s.recoverOne(ctx, rec); recoverErr != nil {
					logger.ErrorContext(
						ctx,
						"error recovering mute",
						"mute", rec,
						tint.Err(recoverErr),
					)
					addErr(fmt.Errorf("%s: %w", rec.key(), recoverErr))
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	logger.InfoContext(
		ctx,
		"recovered mutes",
		"count", len(records),
		"overdue", overdue,
		"errors", len(errs),
	)
	return errors.Join(errs...)
}

func newRecoverLimiter(config MutesConfig) *rate.Limiter {
	if config.RecoverRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(config.RecoverRate), max(1, config.RecoverBurst))
}

// recoverOne re-applies and re-arms a mute which hasn't ended yet
func (s *MuteService) recoverOne(ctx context.Context, rec MuteRecord) error {
	reapplied, err := s.reapply(ctx, rec)
	switch {
	case errors.Is(err, ErrNotMuted):
		return nil
	case errors.Is(err, ErrMemberNotFound):
		s.disarm(rec.key())
		_, err = s.unmute(ctx, rec.key(), 0)
		return err
	case err != nil:
		s.logger.WarnContext(
			ctx,
			"couldn't verify mute, re-arming anyway",
			"mute", rec,
			tint.Err(err),
		)
	}
	return s.arm(reapplied)
}

// reapply makes the member's live roles match rec: roles they hold
// besides the sentinel are stripped (and saved) and the sentinel is
// added if missing. Returns the record as it now stands.
func (s *MuteService) reapply(ctx context.Context, rec MuteRecord) (MuteRecord, error) {
	key := rec.key()
	unlock := s.lockKey(key)
	defer unlock()

	current, err := s.store.Get(ctx, key.guildID, key.userID)
	if err != nil {
		return rec, err
	}
	if current == nil {
		return rec, ErrNotMuted
	}
	rec = *current

	held, err := s.client.MemberRoles(ctx, key.guildID, key.userID)
	if err != nil {
		return rec, err
	}
	extra := slices.DeleteFunc(
		slices.Clone(held),
		func(roleID string) bool { return roleID == rec.SentinelRoleID },
	)
	hasSentinel := slices.Contains(held, rec.SentinelRoleID)
	if len(extra) == 0 && hasSentinel {
		return rec, nil
	}

	logger := s.logger.With(
		columnMuteGuildID, key.guildID,
		columnMuteUserID, key.userID,
	)
	logger.WarnContext(
		ctx,
		"member roles diverged from mute record, re-applying",
		"mute", rec,
		"held", held,
	)

	if len(extra) > 0 {
		for _, roleID := range extra {
			if !slices.Contains(rec.SavedRoleIDs, roleID) {
				rec.SavedRoleIDs = append(rec.SavedRoleIDs, roleID)
			}
		}
		if err = s.store.Put(ctx, rec); err != nil {
			return rec, fmt.Errorf("error saving mute: %w", err)
		}
		stripped := s.roles.Strip(ctx, key.guildID, key.userID, extra)
		if !stripped.Complete() {
			logger.WarnContext(ctx, "roles not fully stripped", "stripped", stripped)
		}
	}
	if !hasSentinel {
		if err = s.client.AddRole(ctx, key.guildID, key.userID, rec.SentinelRoleID); err != nil {
			return rec, &RoleMutationError{
				Op:      roleOpAdd,
				GuildID: key.guildID,
				UserID:  key.userID,
				RoleID:  rec.SentinelRoleID,
				Err:     err,
			}
		}
	}
	return rec, nil
}

// RecoverAll runs Recover for every guild with stored mutes.
func (s *MuteService) RecoverAll(ctx context.Context) error {
	guildIDs, err := s.store.Guilds(ctx)
	if err != nil {
		return fmt.Errorf("error listing guilds: %w", err)
	}
	var errs []error
	for _, guildID := range guildIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if recoverErr := s.Recover(ctx, guildID); recoverErr != nil {
			errs = append(errs, recoverErr)
		}
	}
	return errors.Join(errs...)
}

// Active returns the guild's stored mutes, soonest to expire first.
func (s *MuteService) Active(ctx context.Context, guildID string) ([]MuteRecord, error) {
	var records []MuteRecord
	for rec, err := range s.store.ListActive(ctx, guildID) {
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Resync re-arms or cancels the local timer for a mute which was
// changed elsewhere (ex: by another instance sharing the database).
// Roles aren't touched.
func (s *MuteService) Resync(ctx context.Context, guildID, userID string) error {
	key := muteKey{guildID: guildID, userID: userID}
	rec, err := s.store.Get(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		s.disarm(key)
		return nil
	}
	return s.arm(*rec)
}

// Armed returns the number of mutes with a timer armed in this process.
func (s *MuteService) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// arm schedules the unmute for rec, replacing any timer already armed
// for the same member.
func (s *MuteService) arm(rec MuteRecord) error {
	return s.armAfter(rec.key(), rec.UnmuteAt, rec.Remaining(s.now()), true)
}

func (s *MuteService) armAfter(
	key muteKey,
	unmuteAt int64,
	delay time.Duration,
	replace bool,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[key]; ok {
		if !replace {
			return nil
		}
		prev.handle.Cancel()
		delete(s.timers, key)
	}

	t := &muteTimer{unmuteAt: unmuteAt}
	handle, err := s.scheduler.Schedule(
		delay,
		func(ctx context.Context) {
			s.fire(ctx, key, t)
		},
	)
	if err != nil {
		return err
	}
	t.handle = handle
	s.timers[key] = t
	return nil
}

// disarm cancels the timer armed for key, if any
func (s *MuteService) disarm(key muteKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.handle.Cancel()
		delete(s.timers, key)
	}
}

func (s *MuteService) fire(ctx context.Context, key muteKey, t *muteTimer) {
	s.mu.Lock()
	if s.timers[key] == t {
		delete(s.timers, key)
	}
	s.mu.Unlock()

	_, err := s.unmute(ctx, key, t.unmuteAt)
	if err == nil {
		return
	}
	s.logger.ErrorContext(
		ctx,
		"scheduled unmute failed",
		columnMuteGuildID, key.guildID,
		columnMuteUserID, key.userID,
		tint.Err(err),
	)
	if ctx.Err() != nil || s.config.UnmuteRetryDelay <= 0 {
		return
	}
	if retryErr := s.armAfter(
		key,
		t.unmuteAt,
		s.config.UnmuteRetryDelay,
		false,
	); retryErr != nil && !errors.Is(retryErr, ErrSchedulerClosed) {
		s.logger.ErrorContext(ctx, "error scheduling unmute retry", tint.Err(retryErr))
	}
}

func (s *MuteService) notifyChanged(ctx context.Context, key muteKey) {
	if s.notifier == nil {
		return
	}
	s.notifier.MuteChanged(ctx, key.guildID, key.userID)
}

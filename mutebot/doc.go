// Package mutebot implements a Discord bot which temporarily mutes guild
// members by replacing all of their roles with a single mute role, and
// restores the original roles once the mute expires.
//
// Key components of the package include:
//
//   - MuteBot: Ties the bot together and manages its lifecycle.
//   - MuteService: Mutes and unmutes members, and arms the unmute timers.
//   - RoleSnapshotter: Captures, strips and restores a member's roles.
//   - Scheduler: Runs each unmute once its mute ends.
//   - Database: Persists active mutes and per-guild settings, so mutes
//     survive a restart.
//   - API: Optional backend API for listing, creating and lifting mutes.
//
// The bot supports these commands:
//
//   - /mute: Mutes a member for a duration like 30m, 12h or 7d.
//   - /unmute: Lifts a mute early.
//   - /mute-role: Sets the role given to muted members.
//
// On startup, every stored mute is recovered: expired mutes are lifted
// right away, and timers are re-armed for the rest.
package mutebot

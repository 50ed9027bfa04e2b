package mutebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandMute     = "mute"
	DiscordSlashCommandUnmute   = "unmute"
	DiscordSlashCommandMuteRole = "mute-role"

	commandOptionUser     = "user"
	commandOptionDuration = "duration"
	commandOptionRole     = "role"

	// discordInteractionTimeout is how long discord waits for the
	// initial response before giving up on the interaction
	discordInteractionTimeout = 3 * time.Second

	// commandTimeout bounds a command after it's been acknowledged.
	// Deferred responses can be edited for 15 minutes.
	commandTimeout = time.Minute

	interactionEditTimeout = 10 * time.Second
)

// appCommands returns the slash commands registered by the bot. They're
// restricted to members who can manage roles by default, server admins
// can change that in discord's integration settings.
func appCommands() []*discordgo.ApplicationCommand {
	var manageRoles int64 = discordgo.PermissionManageRoles
	dmPerm := false
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	durationMinLength := 2

	return []*discordgo.ApplicationCommand{
		{
			Name:                     DiscordSlashCommandMute,
			Description:              "Temporarily replace a member's roles with the mute role",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &manageRoles,
			DMPermission:             &dmPerm,
			Contexts:                 &contexts,
			IntegrationTypes:         &integrationTypes,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        commandOptionUser,
					Description: "Member to mute",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionDuration,
					Description: "How long, ex: 30m, 12h, 7d",
					Required:    true,
					MinLength:   &durationMinLength,
					MaxLength:   20,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandUnmute,
			Description:              "Lift a member's mute and restore their roles",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &manageRoles,
			DMPermission:             &dmPerm,
			Contexts:                 &contexts,
			IntegrationTypes:         &integrationTypes,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        commandOptionUser,
					Description: "Member to unmute",
					Required:    true,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandMuteRole,
			Description:              "Set the role given to muted members",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &manageRoles,
			DMPermission:             &dmPerm,
			Contexts:                 &contexts,
			IntegrationTypes:         &integrationTypes,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        commandOptionRole,
					Description: "The mute role",
					Required:    true,
				},
			},
		},
	}
}

// commandHandler answers slash commands.
type commandHandler struct {
	mutes        *MuteService
	settings     GuildSettingsStore
	session      DiscordSessionHandler
	logger       *slog.Logger
	errorMessage string
}

// handlerInteractionCreate returns the discordgo handler for slash
// commands. Commands run with ctx as their parent.
func (h *commandHandler) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(WithLogger(ctx, h.logger), rc)
			}
		}()
		h.handle(ctx, i)
	}
}

func (h *commandHandler) handle(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	logger := h.logger.With(
		"interaction_id", i.ID,
		"command", data.Name,
		columnMuteGuildID, i.GuildID,
	)

	ackCtx, ackCancel := context.WithTimeout(ctx, discordInteractionTimeout)
	err := h.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ackCtx),
	)
	ackCancel()
	if err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	reply := h.reply(WithLogger(cmdCtx, logger), i)
	logger.InfoContext(ctx, "handled command", "reply", reply)

	// the command may have outlived ctx, the reply still goes out
	editCtx, editCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		interactionEditTimeout,
	)
	defer editCancel()
	if _, err = h.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Content:         &reply,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(editCtx),
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// reply runs the command and returns the message to send back
func (h *commandHandler) reply(ctx context.Context, i *discordgo.InteractionCreate) string {
	if i.GuildID == "" {
		return "This command can only be used in a server."
	}
	data := i.ApplicationCommandData()
	options := discordInteractionOptions(i)

	switch data.Name {
	case DiscordSlashCommandMute:
		userOpt, durationOpt := options[commandOptionUser], options[commandOptionDuration]
		if userOpt == nil || durationOpt == nil {
			return "Usage: /mute user duration"
		}
		return h.mute(ctx, i.GuildID, userOpt.UserValue(nil).ID, durationOpt.StringValue())
	case DiscordSlashCommandUnmute:
		userOpt := options[commandOptionUser]
		if userOpt == nil {
			return "Usage: /unmute user"
		}
		return h.unmute(ctx, i.GuildID, userOpt.UserValue(nil).ID)
	case DiscordSlashCommandMuteRole:
		roleOpt := options[commandOptionRole]
		if roleOpt == nil {
			return "Usage: /mute-role role"
		}
		return h.setMuteRole(ctx, i.GuildID, roleOpt.RoleValue(nil, i.GuildID).ID)
	default:
		return fmt.Sprintf("Unknown command: %s", data.Name)
	}
}

func (h *commandHandler) mute(ctx context.Context, guildID, userID, duration string) string {
	result, err := h.mutes.MuteFor(ctx, guildID, userID, duration)
	var mutationErr *RoleMutationError
	switch {
	case errors.Is(err, ErrInvalidDuration):
		return fmt.Sprintf(
			"Invalid duration %q: use a whole number followed by m, h or d (ex: 30m, 12h, 7d).",
			duration,
		)
	case errors.Is(err, ErrNoMuteRole):
		return "No mute role is set for this server. Set one with /mute-role first."
	case errors.Is(err, ErrMemberNotFound):
		return fmt.Sprintf("<@%s> isn't a member of this server.", userID)
	case errors.As(err, &mutationErr):
		return fmt.Sprintf(
			"Couldn't give <@%s> the mute role <@&%s>. Make sure my role is above it.",
			userID,
			mutationErr.RoleID,
		)
	case err != nil:
		h.logError(ctx, "error muting member", err)
		return h.errorMessage
	}

	rec := result.Record
	verb := "Muted"
	if result.Replaced {
		verb = "Updated the mute for"
	}
	msg := fmt.Sprintf(
		"%s <@%s>, ends <t:%d:R>.",
		verb,
		userID,
		rec.UnmuteAtTime().Unix(),
	)
	if failed := result.Stripped.Failed(); len(failed) > 0 {
		msg += fmt.Sprintf(" I couldn't remove %d of their roles.", len(failed))
	}
	return msg
}

func (h *commandHandler) unmute(ctx context.Context, guildID, userID string) string {
	result, err := h.mutes.Lift(ctx, guildID, userID)
	switch {
	case errors.Is(err, ErrNotMuted):
		return fmt.Sprintf("<@%s> isn't muted.", userID)
	case err != nil:
		h.logError(ctx, "error unmuting member", err)
		return h.errorMessage
	}
	if result.MemberGone {
		return fmt.Sprintf("<@%s> left the server, their mute has been cleared.", userID)
	}
	msg := fmt.Sprintf("Unmuted <@%s>.", userID)
	if failed := result.Restored.Failed(); len(failed) > 0 {
		msg += fmt.Sprintf(" I couldn't restore %d of their roles.", len(failed))
	}
	return msg
}

func (h *commandHandler) setMuteRole(ctx context.Context, guildID, roleID string) string {
	if roleID == guildID {
		return "The @everyone role can't be the mute role."
	}
	if _, err := h.settings.SetMuteRole(ctx, guildID, roleID); err != nil {
		h.logError(ctx, "error setting mute role", err)
		return h.errorMessage
	}
	return fmt.Sprintf("Mute role set to <@&%s>.", roleID)
}

func (h *commandHandler) logError(ctx context.Context, msg string, err error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = h.logger
	}
	logger.ErrorContext(ctx, msg, tint.Err(err))
}

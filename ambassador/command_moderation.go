package ambassador

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
)

const (
	commandWarning = "warning"
	commandBan     = "ban"
	commandNote    = "note"
	optionContent  = "content"
)

func durationOption(description string) *discordgo.ApplicationCommandOption {
	return stringOption(optionDuration, description+" (examples: 30m, 12h, 3d, 2w)", false, 32)
}

func warningCommand() *command {
	return &command{
		definition: guildCommand(
			commandWarning,
			"Manage user warnings",
			subcommandOption(
				"add",
				"Warn a user",
				userOption(optionUser, "The user to warn", true),
				stringOption(optionReason, "Why the user is being warned", true, MaxModerationReasonLength),
				durationOption("How long the warning lasts"),
			),
			subcommandOption(
				"list",
				"List a user's warnings",
				userOption(optionUser, "The user", true),
				boolOption(optionAll, "Include expired warnings", false),
			),
			subcommandOption(
				"delete",
				"Delete a warning",
				intOption(optionID, "The warning ID", true, 1, maxIDOptionValue),
			),
			subcommandOption(
				"clear",
				"Delete all of a user's warnings",
				userOption(optionUser, "The user", true),
			),
		),
		guildOnly: true,
		subcommands: map[string]subcommand{
			"add":    moderatorSubcommand(warningAdd, discordgo.PermissionModerateMembers),
			"list":   moderatorSubcommand(warningList, discordgo.PermissionModerateMembers),
			"delete": moderatorSubcommand(warningDelete, discordgo.PermissionModerateMembers),
			"clear":  moderatorSubcommand(warningClear, discordgo.PermissionModerateMembers),
		},
	}
}

func banCommand() *command {
	return &command{
		definition: guildCommand(
			commandBan,
			"Manage bans",
			subcommandOption(
				"add",
				"Ban a user",
				userOption(optionUser, "The user to ban", true),
				stringOption(optionReason, "Why the user is being banned", true, MaxModerationReasonLength),
				durationOption("How long the ban lasts"),
			),
			subcommandOption("list", "List active bans"),
			subcommandOption("show", "Show a user's ban", userOption(optionUser, "The user", true)),
			subcommandOption("lift", "Lift a ban", userOption(optionUser, "The banned user", true)),
		),
		guildOnly: true,
		subcommands: map[string]subcommand{
			"add":  moderatorSubcommand(banAdd, discordgo.PermissionBanMembers),
			"list": moderatorSubcommand(banList, discordgo.PermissionBanMembers),
			"show": moderatorSubcommand(banShow, discordgo.PermissionBanMembers),
			"lift": moderatorSubcommand(banLift, discordgo.PermissionBanMembers),
		},
	}
}

func noteCommand() *command {
	return &command{
		definition: guildCommand(
			commandNote,
			"Manage moderator notes about users",
			subcommandOption(
				"add",
				"Add a note about a user",
				userOption(optionUser, "The user", true),
				stringOption(optionContent, "The note", true, MaxModerationReasonLength),
			),
			subcommandOption("list", "List notes about a user", userOption(optionUser, "The user", true)),
			subcommandOption("delete", "Delete a note", intOption(optionID, "The note ID", true, 1, maxIDOptionValue)),
		),
		guildOnly: true,
		subcommands: map[string]subcommand{
			"add":    moderatorSubcommand(noteAdd, discordgo.PermissionModerateMembers),
			"list":   moderatorSubcommand(noteList, discordgo.PermissionModerateMembers),
			"delete": moderatorSubcommand(noteDelete, discordgo.PermissionModerateMembers),
		},
	}
}

// moderatorSubcommand returns an ephemeral subcommand usable by members
// with the given permission or the server's moderator role
func moderatorSubcommand(
	run func(c *commandContext) (*discordgo.MessageEmbed, error),
	permission int64,
) subcommand {
	return subcommand{run: run, permission: permission, moderatorRole: true, ephemeral: true}
}

func (c *commandContext) moderationRequest() ModerationRequest {
	return ModerationRequest{
		GuildID:  c.guildID(),
		Target:   c.resolvedUser(optionUser),
		Author:   c.discordUser,
		Reason:   c.opts.String(optionReason),
		Duration: c.opts.String(optionDuration),
	}
}

func (c *commandContext) idOption() uint {
	id, _ := c.opts.Int(optionID)
	if id < 0 {
		return 0
	}
	return uint(id)
}

func warningAdd(c *commandContext) (*discordgo.MessageEmbed, error) {
	result, err := c.a.moderation.AddWarning(c.ctx, c.moderationRequest())
	if err != nil {
		return nil, err
	}
	return warningResultEmbed(result, c.now), nil
}

func warningList(c *commandContext) (*discordgo.MessageEmbed, error) {
	target := c.resolvedUser(optionUser)
	all, _ := c.opts.Bool(optionAll)
	warnings, err := c.a.moderation.ListWarnings(c.ctx, c.guildID(), target.ID, all)
	if err != nil {
		return nil, err
	}
	return warningListEmbed(target.ID, warnings, c.now), nil
}

func warningDelete(c *commandContext) (*discordgo.MessageEmbed, error) {
	w, err := c.a.moderation.DeleteWarning(c.ctx, c.guildID(), c.idOption())
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Warning deleted",
		fmt.Sprintf("Deleted warning #%d for %s", w.ID, userMention(w.UserID)),
	), nil
}

func warningClear(c *commandContext) (*discordgo.MessageEmbed, error) {
	target := c.resolvedUser(optionUser)
	n, err := c.a.moderation.ClearWarnings(c.ctx, c.guildID(), target.ID)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Warnings cleared",
		fmt.Sprintf(
			"Deleted %s %s for %s",
			humanize.Comma(n),
			english.PluralWord(int(n), "warning", ""),
			userMention(target.ID),
		),
	), nil
}

func banAdd(c *commandContext) (*discordgo.MessageEmbed, error) {
	ban, err := c.a.moderation.Ban(c.ctx, c.moderationRequest())
	if err != nil {
		return nil, err
	}
	return banEmbed("User banned", ban, c.now), nil
}

func banList(c *commandContext) (*discordgo.MessageEmbed, error) {
	bans, err := c.a.moderation.ListBans(c.ctx, c.guildID())
	if err != nil {
		return nil, err
	}
	return banListEmbed(bans, c.now), nil
}

func banShow(c *commandContext) (*discordgo.MessageEmbed, error) {
	ban, err := c.a.moderation.GetBan(c.ctx, c.guildID(), c.resolvedUser(optionUser).ID)
	if err != nil {
		return nil, err
	}
	return banEmbed("Ban", ban, c.now), nil
}

func banLift(c *commandContext) (*discordgo.MessageEmbed, error) {
	ban, err := c.a.moderation.LiftBan(c.ctx, c.guildID(), c.resolvedUser(optionUser).ID, c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	return banEmbed("Ban lifted", ban, c.now), nil
}

func noteAdd(c *commandContext) (*discordgo.MessageEmbed, error) {
	note, err := c.a.moderation.AddNote(
		c.ctx,
		c.guildID(),
		c.resolvedUser(optionUser),
		c.discordUser.ID,
		c.opts.String(optionContent),
	)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Note added",
		fmt.Sprintf("Added note #%d about %s", note.ID, userMention(note.UserID)),
	), nil
}

func noteList(c *commandContext) (*discordgo.MessageEmbed, error) {
	target := c.resolvedUser(optionUser)
	notes, err := c.a.moderation.ListNotes(c.ctx, c.guildID(), target.ID)
	if err != nil {
		return nil, err
	}
	return noteListEmbed(target.ID, notes), nil
}

func noteDelete(c *commandContext) (*discordgo.MessageEmbed, error) {
	note, err := c.a.moderation.DeleteNote(c.ctx, c.guildID(), c.idOption())
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Note deleted",
		fmt.Sprintf("Deleted note #%d about %s", note.ID, userMention(note.UserID)),
	), nil
}

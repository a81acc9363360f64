package ambassador

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

const (
	commandRoleplay = "roleplay"
	optionPublic    = "public"
	optionOffset    = "offset"
	optionNSFW      = "nsfw"
)

func roleplayCommand() *command {
	nameArg := func() *discordgo.ApplicationCommandOption {
		return autocompleteOption(optionName, "The roleplay", true)
	}
	definition := guildCommand(
		commandRoleplay,
		"Run and record roleplays",
		subcommandOption(
			"create",
			"Create a roleplay",
			stringOption(optionName, "The roleplay's name", true, MaxRoleplayNameLength),
			stringOption(optionSummary, "What it's about", false, MaxRoleplaySummaryLength),
			boolOption(optionPublic, "Anyone can see and join it", false),
			boolOption(optionNSFW, "Mark it as NSFW", false),
		),
		subcommandOption("show", "Show a roleplay", nameArg()),
		subcommandOption("list", "List roleplays you can see"),
		subcommandOption("delete", "Delete a roleplay and its log", nameArg()),
		subcommandOption(
			"rename",
			"Rename a roleplay",
			nameArg(),
			stringOption(optionNewName, "The new name", true, MaxRoleplayNameLength),
		),
		subcommandOption(
			"summary",
			"Change a roleplay's summary",
			nameArg(),
			stringOption(optionSummary, "The summary (leave empty to clear)", false, MaxRoleplaySummaryLength),
		),
		subcommandOption(
			"visibility",
			"Make a roleplay public or private",
			nameArg(),
			boolOption(optionPublic, "Public", true),
		),
		subcommandOption(
			"nsfw",
			"Mark a roleplay as NSFW",
			nameArg(),
			boolOption(optionNSFW, "NSFW", true),
		),
		subcommandOption(
			"start",
			"Start recording a roleplay",
			nameArg(),
			channelOption(optionChannel, "Where it takes place (defaults to this channel)", false),
		),
		subcommandOption("stop", "Stop recording a roleplay", nameArg()),
		subcommandOption("join", "Join a roleplay", nameArg()),
		subcommandOption("leave", "Leave a roleplay", nameArg()),
		subcommandOption(
			"kick",
			"Remove someone from a roleplay",
			nameArg(),
			userOption(optionUser, "The participant", true),
		),
		subcommandOption(
			"transfer",
			"Give a roleplay to another participant",
			nameArg(),
			userOption(optionUser, "The new owner", true),
		),
		subcommandOption(
			"log",
			"Show recorded messages",
			nameArg(),
			intOption(optionOffset, "Messages to skip", false, 0, maxIDOptionValue),
		),
	)
	return &command{
		definition: definition,
		guildOnly:  true,
		subcommands: map[string]subcommand{
			"create":     {run: roleplayCreate},
			"show":       {run: roleplayShow},
			"list":       {run: roleplayList, ephemeral: true},
			"delete":     {run: roleplayDelete, ephemeral: true},
			"rename":     {run: roleplayRename},
			"summary":    {run: roleplaySetSummary, ephemeral: true},
			"visibility": {run: roleplaySetPublic, ephemeral: true},
			"nsfw":       {run: roleplaySetNSFW, ephemeral: true},
			"start":      {run: roleplayStart},
			"stop":       {run: roleplayStop},
			"join":       {run: roleplayJoin},
			"leave":      {run: roleplayLeave},
			"kick":       {run: roleplayKick},
			"transfer":   {run: roleplayTransfer},
			"log":        {run: roleplayLog, ephemeral: true},
		},
		autocomplete: roleplayAutocomplete,
	}
}

func roleplayAutocomplete(
	c *commandContext,
	focused *discordgo.ApplicationCommandInteractionDataOption,
) ([]*discordgo.ApplicationCommandOptionChoice, error) {
	if focused.Name != optionName || c.guildID() == "" {
		return nil, nil
	}
	names, err := c.a.roleplays.Search(c.ctx, c.guildID(), focused.StringValue(), discordMaxAutocompleteChoices)
	if err != nil {
		return nil, err
	}
	return nameChoices(names), nil
}

func (c *commandContext) roleplayName() string {
	return c.opts.String(optionName)
}

func roleplayCreate(c *commandContext) (*discordgo.MessageEmbed, error) {
	public, _ := c.opts.Bool(optionPublic)
	nsfw, _ := c.opts.Bool(optionNSFW)
	rp, err := c.a.roleplays.Create(
		c.ctx, NewRoleplay{
			GuildID: c.guildID(),
			Owner:   c.discordUser,
			Name:    c.roleplayName(),
			Summary: c.opts.String(optionSummary),
			Public:  public,
			NSFW:    nsfw,
		},
	)
	if err != nil {
		return nil, err
	}
	return roleplayEmbed(rp), nil
}

func roleplayShow(c *commandContext) (*discordgo.MessageEmbed, error) {
	rp, err := c.a.roleplays.Show(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	return roleplayEmbed(rp), nil
}

func roleplayList(c *commandContext) (*discordgo.MessageEmbed, error) {
	roleplays, err := c.a.roleplays.List(c.ctx, c.guildID(), c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	return roleplayListEmbed(roleplays), nil
}

func roleplayDelete(c *commandContext) (*discordgo.MessageEmbed, error) {
	rp, err := c.a.roleplays.Delete(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	return successEmbed("Roleplay deleted", fmt.Sprintf("Deleted **%s** and its log", rp.Name)), nil
}

func roleplayRename(c *commandContext) (*discordgo.MessageEmbed, error) {
	rp, err := c.a.roleplays.Rename(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID, c.opts.String(optionNewName))
	if err != nil {
		return nil, err
	}
	return roleplayEmbed(rp), nil
}

func roleplaySetSummary(c *commandContext) (*discordgo.MessageEmbed, error) {
	rp, err := c.a.roleplays.SetSummary(
		c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID, c.opts.String(optionSummary),
	)
	if err != nil {
		return nil, err
	}
	return roleplayEmbed(rp), nil
}

func roleplaySetPublic(c *commandContext) (*discordgo.MessageEmbed, error) {
	public, _ := c.opts.Bool(optionPublic)
	rp, err := c.a.roleplays.SetPublic(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID, public)
	if err != nil {
		return nil, err
	}
	return roleplayEmbed(rp), nil
}

func roleplaySetNSFW(c *commandContext) (*discordgo.MessageEmbed, error) {
	nsfw, _ := c.opts.Bool(optionNSFW)
	rp, err := c.a.roleplays.SetNSFW(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID, nsfw)
	if err != nil {
		return nil, err
	}
	return roleplayEmbed(rp), nil
}

func roleplayStart(c *commandContext) (*discordgo.MessageEmbed, error) {
	channelID := c.opts.Snowflake(optionChannel)
	if channelID == "" {
		channelID = c.channelID()
	}
	rp, err := c.a.roleplays.Start(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID, channelID)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Roleplay started",
		fmt.Sprintf("Recording **%s** in %s", rp.Name, channelMention(rp.ChannelID)),
	), nil
}

func roleplayStop(c *commandContext) (*discordgo.MessageEmbed, error) {
	rp, err := c.a.roleplays.Stop(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	return successEmbed("Roleplay stopped", fmt.Sprintf("Stopped recording **%s**", rp.Name)), nil
}

func roleplayJoin(c *commandContext) (*discordgo.MessageEmbed, error) {
	rp, err := c.a.roleplays.Join(c.ctx, c.guildID(), c.roleplayName(), c.discordUser)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Joined roleplay",
		fmt.Sprintf("%s joined **%s**", userMention(c.discordUser.ID), rp.Name),
	), nil
}

func roleplayLeave(c *commandContext) (*discordgo.MessageEmbed, error) {
	rp, err := c.a.roleplays.Leave(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Left roleplay",
		fmt.Sprintf("%s left **%s**", userMention(c.discordUser.ID), rp.Name),
	), nil
}

func roleplayKick(c *commandContext) (*discordgo.MessageEmbed, error) {
	target := c.resolvedUser(optionUser)
	rp, err := c.a.roleplays.Kick(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID, target.ID)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Removed from roleplay",
		fmt.Sprintf("%s was removed from **%s**", userMention(target.ID), rp.Name),
	), nil
}

func roleplayTransfer(c *commandContext) (*discordgo.MessageEmbed, error) {
	target := c.resolvedUser(optionUser)
	rp, err := c.a.roleplays.Transfer(c.ctx, c.guildID(), c.roleplayName(), c.discordUser.ID, target.ID)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Roleplay transferred",
		fmt.Sprintf("%s now owns **%s**", userMention(target.ID), rp.Name),
	), nil
}

func roleplayLog(c *commandContext) (*discordgo.MessageEmbed, error) {
	offset, _ := c.opts.Int(optionOffset)
	rp, messages, err := c.a.roleplays.Messages(
		c.ctx,
		c.guildID(),
		c.roleplayName(),
		c.discordUser.ID,
		Pagination{Limit: embedListLimit, Offset: int(offset), Order: SortAscending},
	)
	if err != nil {
		return nil, err
	}
	return roleplayLogEmbed(rp, messages), nil
}

package ambassador

import (
	"github.com/bwmarrin/discordgo"
)

const commandServer = "server"

func serverCommand() *command {
	manage := func(run func(c *commandContext) (*discordgo.MessageEmbed, error)) subcommand {
		return subcommand{run: run, permission: discordgo.PermissionManageServer, ephemeral: true}
	}
	return &command{
		definition: guildCommand(
			commandServer,
			"Server settings",
			subcommandOption("show", "Show this server's settings"),
			subcommandOption(
				"logchannel",
				"Set the channel moderation actions are logged to",
				channelOption(optionChannel, "The channel (leave empty to disable logging)", false),
			),
			subcommandOption(
				"threshold",
				"Set how many active warnings result in a ban",
				intOption(optionValue, "Warning count (0 disables automatic bans)", true, 0, maxWarningThreshold),
			),
			subcommandOption(
				"modrole",
				"Set the role allowed to use moderation commands",
				roleOption(optionRole, "The role (leave empty to clear)", false),
			),
			subcommandOption(
				"optin",
				"Set whether users must opt in before being transformed by others",
				boolOption(optionEnabled, "Require opt-in", true),
			),
		),
		guildOnly: true,
		subcommands: map[string]subcommand{
			"show":       {run: serverShow, ephemeral: true},
			"logchannel": manage(serverSetLogChannel),
			"threshold":  manage(serverSetThreshold),
			"modrole":    manage(serverSetModRole),
			"optin":      manage(serverSetOptIn),
		},
	}
}

func serverShow(c *commandContext) (*discordgo.MessageEmbed, error) {
	s, err := c.a.servers.Get(c.ctx, c.guildID())
	if err != nil {
		return nil, err
	}
	return serverSettingsEmbed(s), nil
}

func serverSetLogChannel(c *commandContext) (*discordgo.MessageEmbed, error) {
	s, err := c.a.servers.SetModerationLogChannel(c.ctx, c.guildID(), c.opts.Snowflake(optionChannel))
	if err != nil {
		return nil, err
	}
	return serverSettingsEmbed(s), nil
}

func serverSetThreshold(c *commandContext) (*discordgo.MessageEmbed, error) {
	n, _ := c.opts.Int(optionValue)
	s, err := c.a.servers.SetWarningThreshold(c.ctx, c.guildID(), int(n))
	if err != nil {
		return nil, err
	}
	return serverSettingsEmbed(s), nil
}

func serverSetModRole(c *commandContext) (*discordgo.MessageEmbed, error) {
	s, err := c.a.servers.SetModeratorRole(c.ctx, c.guildID(), c.opts.Snowflake(optionRole))
	if err != nil {
		return nil, err
	}
	return serverSettingsEmbed(s), nil
}

func serverSetOptIn(c *commandContext) (*discordgo.MessageEmbed, error) {
	required, _ := c.opts.Bool(optionEnabled)
	s, err := c.a.servers.SetRequireOptIn(c.ctx, c.guildID(), required)
	if err != nil {
		return nil, err
	}
	return serverSettingsEmbed(s), nil
}

package ambassador

import (
	"fmt"

	embed "github.com/Clinet/discordgo-embed"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
)

const (
	commandAutorole     = "autorole"
	optionType          = "type"
	optionCount         = "count"
	optionMessageID     = "message_id"
	optionRequiredRole  = "required_role"
	optionEmoji         = "emoji"
	optionAffirmation   = "affirmation"
	maxConditionMessage = 1_000_000
)

func conditionTypeChoices() []string {
	out := make([]string, 0, len(conditionTypes))
	for _, t := range conditionTypes {
		out = append(out, string(t))
	}
	return out
}

func autoroleCommand() *command {
	roleArg := func() *discordgo.ApplicationCommandOption {
		return roleOption(optionRole, "The autorole", true)
	}
	manage := func(run func(c *commandContext) (*discordgo.MessageEmbed, error)) subcommand {
		return subcommand{run: run, permission: discordgo.PermissionManageRoles, moderatorRole: true, ephemeral: true}
	}
	definition := guildCommand(
		commandAutorole,
		"Roles granted automatically",
		subcommandOption(
			"create",
			"Grant a role automatically when conditions are met",
			roleArg(),
			boolOption(optionAffirmation, "Members must affirm before getting the role", false),
		),
		subcommandOption("delete", "Stop managing a role", roleArg()),
		subcommandOption("show", "Show an autorole's conditions", roleArg()),
		subcommandOption("list", "List autoroles"),
		subcommandOption("enable", "Enable an autorole", roleArg()),
		subcommandOption("disable", "Disable an autorole", roleArg()),
		subcommandOption(
			"affirmation",
			"Set whether members must affirm before getting the role",
			roleArg(),
			boolOption(optionEnabled, "Require affirmation", true),
		),
		subcommandGroupOption(
			"condition",
			"Manage an autorole's conditions",
			subcommandOption(
				"add",
				"Add a condition",
				roleArg(),
				choiceOption(optionType, "The condition type", true, conditionTypeChoices()...),
				durationOption("Time since joining or since last activity"),
				intOption(optionCount, "Message count", false, 1, maxConditionMessage),
				channelOption(optionChannel, "Channel for message counts or reactions", false),
				stringOption(optionMessageID, "Message to react to", false, 32),
				roleOption(optionRequiredRole, "Role the member must have", false),
				stringOption(optionEmoji, "Emoji to react with", false, 64),
			),
			subcommandOption(
				"remove",
				"Remove a condition",
				roleArg(),
				intOption(optionID, "The condition ID", true, 1, maxIDOptionValue),
			),
		),
		subcommandOption("evaluate", "Grant and revoke autoroles now"),
		subcommandOption("affirm", "Affirm that you want a role", roleArg()),
		subcommandOption(
			"activity",
			"Show tracked activity for a member",
			userOption(optionUser, "The member (defaults to you)", false),
		),
	)

	evaluate := manage(autoroleEvaluate)
	evaluate.deferred = true
	return &command{
		definition: definition,
		guildOnly:  true,
		subcommands: map[string]subcommand{
			"create":           manage(autoroleCreate),
			"delete":           manage(autoroleDelete),
			"show":             manage(autoroleShow),
			"list":             manage(autoroleList),
			"enable":           manage(autoroleSetEnabled(true)),
			"disable":          manage(autoroleSetEnabled(false)),
			"affirmation":      manage(autoroleSetAffirmation),
			"condition add":    manage(autoroleAddCondition),
			"condition remove": manage(autoroleRemoveCondition),
			"evaluate":         evaluate,
			"affirm":           {run: autoroleAffirm, ephemeral: true},
			"activity":         {run: autoroleActivity, ephemeral: true},
		},
	}
}

func (c *commandContext) roleID() string {
	return c.opts.Snowflake(optionRole)
}

func autoroleCreate(c *commandContext) (*discordgo.MessageEmbed, error) {
	affirmation, _ := c.opts.Bool(optionAffirmation)
	cfg, err := c.a.autoroles.Create(c.ctx, c.guildID(), c.roleID(), affirmation)
	if err != nil {
		return nil, err
	}
	return autoroleEmbed(cfg), nil
}

func autoroleDelete(c *commandContext) (*discordgo.MessageEmbed, error) {
	if err := c.a.autoroles.Delete(c.ctx, c.guildID(), c.roleID()); err != nil {
		return nil, err
	}
	return successEmbed("Autorole deleted", fmt.Sprintf("%s is no longer managed", roleMention(c.roleID()))), nil
}

func autoroleShow(c *commandContext) (*discordgo.MessageEmbed, error) {
	cfg, err := c.a.autoroles.Get(c.ctx, c.guildID(), c.roleID())
	if err != nil {
		return nil, err
	}
	return autoroleEmbed(cfg), nil
}

func autoroleList(c *commandContext) (*discordgo.MessageEmbed, error) {
	configs, err := c.a.autoroles.List(c.ctx, c.guildID())
	if err != nil {
		return nil, err
	}
	return autoroleListEmbed(configs), nil
}

func autoroleSetEnabled(enabled bool) func(c *commandContext) (*discordgo.MessageEmbed, error) {
	return func(c *commandContext) (*discordgo.MessageEmbed, error) {
		cfg, err := c.a.autoroles.SetEnabled(c.ctx, c.guildID(), c.roleID(), enabled)
		if err != nil {
			return nil, err
		}
		return autoroleEmbed(cfg), nil
	}
}

func autoroleSetAffirmation(c *commandContext) (*discordgo.MessageEmbed, error) {
	required, _ := c.opts.Bool(optionEnabled)
	cfg, err := c.a.autoroles.SetRequiresAffirmation(c.ctx, c.guildID(), c.roleID(), required)
	if err != nil {
		return nil, err
	}
	return autoroleEmbed(cfg), nil
}

func autoroleAddCondition(c *commandContext) (*discordgo.MessageEmbed, error) {
	count, _ := c.opts.Int(optionCount)
	_, err := c.a.autoroles.AddCondition(
		c.ctx, c.guildID(), c.roleID(), NewCondition{
			Type:      c.opts.String(optionType),
			Duration:  c.opts.String(optionDuration),
			Count:     count,
			ChannelID: c.opts.Snowflake(optionChannel),
			MessageID: c.opts.String(optionMessageID),
			RoleID:    c.opts.Snowflake(optionRequiredRole),
			Emoji:     c.opts.String(optionEmoji),
		},
	)
	if err != nil {
		return nil, err
	}
	return autoroleShow(c)
}

func autoroleRemoveCondition(c *commandContext) (*discordgo.MessageEmbed, error) {
	if err := c.a.autoroles.RemoveCondition(c.ctx, c.guildID(), c.roleID(), c.idOption()); err != nil {
		return nil, err
	}
	return autoroleShow(c)
}

func autoroleEvaluate(c *commandContext) (*discordgo.MessageEmbed, error) {
	result, err := c.a.autoroles.Evaluate(c.ctx, c.guildID())
	if err != nil {
		return nil, err
	}
	return embed.NewEmbed().
		SetTitle("Autoroles evaluated").
		SetColor(colourSuccess).
		AddField("Checked", humanize.Comma(result.Checked.Load())).
		AddField("Granted", humanize.Comma(result.Granted.Load())).
		AddField("Revoked", humanize.Comma(result.Revoked.Load())).
		AddField("Errors", humanize.Comma(result.Errors.Load())).
		InlineAllFields().MessageEmbed, nil
}

func autoroleAffirm(c *commandContext) (*discordgo.MessageEmbed, error) {
	granted, err := c.a.autoroles.Affirm(c.ctx, c.guildID(), c.roleID(), c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	if granted {
		return successEmbed("Role granted", fmt.Sprintf("You now have %s", roleMention(c.roleID()))), nil
	}
	return successEmbed(
		"Affirmed",
		fmt.Sprintf("You'll get %s once you meet its conditions", roleMention(c.roleID())),
	), nil
}

func autoroleActivity(c *commandContext) (*discordgo.MessageEmbed, error) {
	member := c.userOrSelf(optionUser)
	if member.ID != c.discordUser.ID {
		allowed, err := c.a.hasPermission(c.ctx, c.interaction, discordgo.PermissionManageRoles, true)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrPermissionDenied
		}
	}
	n, last, err := c.a.autoroles.ActivitySummary(c.ctx, c.guildID(), member.ID)
	if err != nil {
		return nil, err
	}
	return activityEmbed(member.ID, n, last, c.now), nil
}

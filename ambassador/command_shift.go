package ambassador

import (
	"errors"
	"fmt"
	"strings"

	embed "github.com/Clinet/discordgo-embed"
	"github.com/bwmarrin/discordgo"
)

const (
	commandShift          = "shift"
	commandTransformation = "transformation"
	optionLength          = "length"
	optionHeight          = "height"
	optionWeight          = "weight"
	optionMuscularity     = "muscularity"
	optionFatness         = "fatness"
	optionDefault         = "default"
	optionMode            = "mode"
	optionList            = "list"
)

func bodypartChoices(includeAll bool) []string {
	out := make([]string, 0, len(bodypartOrder)+1)
	if includeAll {
		out = append(out, allBodyparts)
	}
	for _, b := range bodypartOrder {
		out = append(out, string(b))
	}
	return out
}

func optionalBodypartChoices() []string {
	var out []string
	for _, b := range bodypartOrder {
		if b.IsChoice() {
			out = append(out, string(b))
		}
	}
	return out
}

func patternChoices() []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, string(p))
	}
	return out
}

func shiftTargetOption() *discordgo.ApplicationCommandOption {
	return userOption(optionUser, "Whose current character to shift (defaults to yours)", false)
}

func shiftCommand() *command {
	definition := anywhereCommand(
		commandShift,
		"Transform a character",
		subcommandOption(
			"species",
			"Shift bodyparts into another species",
			choiceOption(optionPart, "The bodypart", true, bodypartChoices(true)...),
			autocompleteOption(optionSpecies, "The species", true),
			shiftTargetOption(),
		),
		subcommandOption(
			"colour",
			"Change the colour of bodyparts",
			choiceOption(optionPart, "The bodypart", true, bodypartChoices(true)...),
			autocompleteOption(optionColour, "The colour", true),
			shiftTargetOption(),
		),
		subcommandOption(
			"pattern",
			"Change the pattern of bodyparts",
			choiceOption(optionPart, "The bodypart", true, bodypartChoices(true)...),
			choiceOption(optionPattern, "The pattern", true, patternChoices()...),
			autocompleteOption(optionColour, "The pattern's colour", false),
			shiftTargetOption(),
		),
		subcommandOption(
			"patterncolour",
			"Change the colour of a pattern",
			choiceOption(optionPart, "The bodypart", true, bodypartChoices(true)...),
			autocompleteOption(optionColour, "The colour", true),
			shiftTargetOption(),
		),
		subcommandOption(
			"hair",
			"Change hair length",
			intOption(optionLength, "Length in centimetres", true, 1, maxHairLength),
			shiftTargetOption(),
		),
		subcommandOption(
			"size",
			"Change the size of bodyparts",
			choiceOption(optionPart, "The bodypart", true, bodypartChoices(true)...),
			intOption(optionSize, "Size from 1 to 100", true, minComponentSize, maxComponentSize),
			shiftTargetOption(),
		),
		subcommandOption(
			"body",
			"Change overall measurements",
			intOption(optionHeight, "Height in centimetres", false, minAppearanceHeight, maxAppearanceHeight),
			intOption(optionWeight, "Weight in kilograms", false, minAppearanceWeight, maxAppearanceWeight),
			intOption(optionMuscularity, "Muscularity from 0 to 100", false, 0, 100),
			intOption(optionFatness, "Fatness from 0 to 100", false, 0, 100),
			shiftTargetOption(),
		),
		subcommandOption(
			"grow",
			"Grow a new bodypart",
			choiceOption(optionPart, "The bodypart", true, optionalBodypartChoices()...),
			autocompleteOption(optionSpecies, "The species of the new part (defaults to the body's)", false),
			shiftTargetOption(),
		),
		subcommandOption(
			"remove",
			"Remove a bodypart",
			choiceOption(optionPart, "The bodypart", true, optionalBodypartChoices()...),
			shiftTargetOption(),
		),
	)
	return &command{
		definition: definition,
		subcommands: map[string]subcommand{
			"species": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				return c.a.transformations.ShiftSpecies(c.ctx, t, c.opts.String(optionPart), c.opts.String(optionSpecies))
			})},
			"colour": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				return c.a.transformations.ShiftColour(c.ctx, t, c.opts.String(optionPart), c.opts.String(optionColour))
			})},
			"pattern": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				return c.a.transformations.ShiftPattern(
					c.ctx, t,
					c.opts.String(optionPart),
					c.opts.String(optionPattern),
					c.opts.String(optionColour),
				)
			})},
			"patterncolour": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				return c.a.transformations.ShiftPatternColour(c.ctx, t, c.opts.String(optionPart), c.opts.String(optionColour))
			})},
			"hair": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				length, _ := c.opts.Int(optionLength)
				return c.a.transformations.ShiftHairLength(c.ctx, t, int(length))
			})},
			"size": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				size, _ := c.opts.Int(optionSize)
				return c.a.transformations.ShiftSize(c.ctx, t, c.opts.String(optionPart), int(size))
			})},
			"body": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				return c.a.transformations.ShiftBodyStats(
					c.ctx, t, BodyStats{
						Height:      c.optionalInt(optionHeight),
						Weight:      c.optionalInt(optionWeight),
						Muscularity: c.optionalInt(optionMuscularity),
						Fatness:     c.optionalInt(optionFatness),
					},
				)
			})},
			"grow": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				return c.a.transformations.AddBodypart(c.ctx, t, c.opts.String(optionPart), c.opts.String(optionSpecies))
			})},
			"remove": {run: shiftRunner(func(c *commandContext, t ShiftTarget) (string, error) {
				return c.a.transformations.RemoveBodypart(c.ctx, t, c.opts.String(optionPart))
			})},
		},
		autocomplete: catalogAutocomplete,
	}
}

func (c *commandContext) optionalInt(name string) *int {
	v, ok := c.opts.Int(name)
	if !ok {
		return nil
	}
	n := int(v)
	return &n
}

// shiftTarget resolves the current character of the user option, or of
// the invoking user
func (c *commandContext) shiftTarget() (ShiftTarget, error) {
	owner := c.userOrSelf(optionUser)
	character, err := c.a.characters.Current(c.ctx, owner.ID)
	if err != nil {
		if errors.Is(err, ErrNoCurrentCharacter) && owner.ID != c.discordUser.ID {
			return ShiftTarget{}, ErrCharacterNotFound
		}
		return ShiftTarget{}, err
	}
	return ShiftTarget{GuildID: c.guildID(), InvokerID: c.discordUser.ID, Character: character}, nil
}

func shiftRunner(
	shift func(c *commandContext, t ShiftTarget) (string, error),
) func(c *commandContext) (*discordgo.MessageEmbed, error) {
	return func(c *commandContext) (*discordgo.MessageEmbed, error) {
		target, err := c.shiftTarget()
		if err != nil {
			return nil, err
		}
		msg, err := shift(c, target)
		if err != nil {
			return nil, err
		}
		return shiftEmbed(target.Character, msg), nil
	}
}

// catalogAutocomplete suggests species and colours from the catalog
func catalogAutocomplete(
	c *commandContext,
	focused *discordgo.ApplicationCommandInteractionDataOption,
) ([]*discordgo.ApplicationCommandOptionChoice, error) {
	prefix := focused.StringValue()
	var names []string
	switch focused.Name {
	case optionSpecies:
		species, err := c.a.transformations.SearchSpecies(c.ctx, prefix, discordMaxAutocompleteChoices)
		if err != nil {
			return nil, err
		}
		for _, s := range species {
			names = append(names, s.Name)
		}
	case optionColour:
		colours, err := c.a.transformations.SearchColours(c.ctx, prefix, discordMaxAutocompleteChoices)
		if err != nil {
			return nil, err
		}
		for _, col := range colours {
			names = append(names, col.Name)
		}
	default:
		return nil, nil
	}
	return nameChoices(names), nil
}

func transformationCommand() *command {
	protectionModes := []string{string(ProtectionBlacklist), string(ProtectionWhitelist)}
	definition := anywhereCommand(
		commandTransformation,
		"Appearances and transformation settings",
		subcommandOption(
			"describe",
			"Describe a character's appearance",
			userOption(optionUser, "Whose current character to describe (defaults to yours)", false),
			boolOption(optionDefault, "Describe the default appearance instead", false),
		),
		subcommandOption(
			"reset",
			"Shift a character back to its default appearance",
			shiftTargetOption(),
		),
		subcommandOption("save", "Save your current character's appearance as its default"),
		subcommandOption(
			"optin",
			"Opt in to (or out of) being transformed by others on this server",
			boolOption(optionEnabled, "Opt in", true),
		),
		subcommandGroupOption(
			"protection",
			"Control who can transform your characters",
			subcommandOption(
				"mode",
				"Allow everyone except your blacklist, or only your whitelist",
				choiceOption(optionMode, "Protection mode", true, protectionModes...),
			),
			subcommandOption(
				"add",
				"Add a user to your whitelist or blacklist",
				userOption(optionUser, "The user", true),
				choiceOption(optionList, "Which list", true, protectionModes...),
			),
			subcommandOption(
				"remove",
				"Remove a user from your whitelist or blacklist",
				userOption(optionUser, "The user", true),
				choiceOption(optionList, "Which list", true, protectionModes...),
			),
			subcommandOption(
				"show",
				"Show your protection settings",
			),
		),
	)
	return &command{
		definition: definition,
		subcommands: map[string]subcommand{
			"describe":          {run: transformationDescribe},
			"reset":             {run: transformationReset},
			"save":              {run: transformationSave, ephemeral: true},
			"optin":             {run: transformationOptIn, ephemeral: true},
			"protection mode":   {run: protectionMode, ephemeral: true},
			"protection add":    {run: protectionAdd, ephemeral: true},
			"protection remove": {run: protectionRemove, ephemeral: true},
			"protection show":   {run: protectionShow, ephemeral: true},
		},
	}
}

func transformationDescribe(c *commandContext) (*discordgo.MessageEmbed, error) {
	owner := c.userOrSelf(optionUser)
	character, err := c.a.characters.Current(c.ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	kind := AppearanceCurrent
	if useDefault, _ := c.opts.Bool(optionDefault); useDefault {
		kind = AppearanceDefault
	}
	desc, err := c.a.transformations.Describe(c.ctx, character, kind)
	if err != nil {
		return nil, err
	}
	return characterEmbed(character, desc), nil
}

func transformationReset(c *commandContext) (*discordgo.MessageEmbed, error) {
	target, err := c.shiftTarget()
	if err != nil {
		return nil, err
	}
	msg, err := c.a.transformations.Reset(c.ctx, target)
	if err != nil {
		return nil, err
	}
	return shiftEmbed(target.Character, msg), nil
}

func transformationSave(c *commandContext) (*discordgo.MessageEmbed, error) {
	character, err := c.a.characters.Current(c.ctx, c.discordUser.ID)
	if err != nil {
		return nil, err
	}
	target := ShiftTarget{GuildID: c.guildID(), InvokerID: c.discordUser.ID, Character: character}
	if err = c.a.transformations.SaveAsDefault(c.ctx, target); err != nil {
		return nil, err
	}
	return successEmbed(
		"Default appearance saved",
		fmt.Sprintf("**%s**'s current appearance is now its default", character.Name),
	), nil
}

func transformationOptIn(c *commandContext) (*discordgo.MessageEmbed, error) {
	if c.guildID() == "" {
		return nil, ErrGuildOnly
	}
	optIn, _ := c.opts.Bool(optionEnabled)
	if err := c.a.users.SetOptIn(c.ctx, c.guildID(), c.discordUser.ID, optIn); err != nil {
		return nil, err
	}
	if optIn {
		return successEmbed("Opted in", "Others can now transform your characters on this server"), nil
	}
	return successEmbed("Opted out", "Others can no longer transform your characters on this server"), nil
}

func protectionMode(c *commandContext) (*discordgo.MessageEmbed, error) {
	mode, err := parseProtectionType(c.opts.String(optionMode))
	if err != nil {
		return nil, err
	}
	if err = c.a.users.SetProtectionType(c.ctx, c.discordUser.ID, mode); err != nil {
		return nil, err
	}
	return successEmbed("Protection updated", fmt.Sprintf("Your protection mode is now **%s**", mode)), nil
}

func protectionAdd(c *commandContext) (*discordgo.MessageEmbed, error) {
	list, err := parseProtectionType(c.opts.String(optionList))
	if err != nil {
		return nil, err
	}
	target := c.resolvedUser(optionUser)
	if _, err = c.ensureDiscordUser(target); err != nil {
		return nil, err
	}
	if err = c.a.users.AddProtectionEntry(c.ctx, c.discordUser.ID, target.ID, list); err != nil {
		return nil, err
	}
	return successEmbed(
		"Protection updated",
		fmt.Sprintf("Added %s to your %s", userMention(target.ID), list),
	), nil
}

func protectionRemove(c *commandContext) (*discordgo.MessageEmbed, error) {
	list, err := parseProtectionType(c.opts.String(optionList))
	if err != nil {
		return nil, err
	}
	target := c.resolvedUser(optionUser)
	removed, err := c.a.users.RemoveProtectionEntry(c.ctx, c.discordUser.ID, target.ID, list)
	if err != nil {
		return nil, err
	}
	if !removed {
		return successEmbed("Protection unchanged", fmt.Sprintf("%s wasn't on your %s", userMention(target.ID), list)), nil
	}
	return successEmbed(
		"Protection updated",
		fmt.Sprintf("Removed %s from your %s", userMention(target.ID), list),
	), nil
}

func protectionShow(c *commandContext) (*discordgo.MessageEmbed, error) {
	mode := c.user.ProtectionType
	if mode == "" {
		mode = ProtectionBlacklist
	}
	e := embed.NewEmbed().
		SetTitle("Transformation protection").
		SetColor(colourInfo).
		SetDescription(fmt.Sprintf("Mode: **%s**", mode))
	for _, list := range []ProtectionType{ProtectionWhitelist, ProtectionBlacklist} {
		entries, err := c.a.users.ProtectionEntries(c.ctx, c.discordUser.ID, list)
		if err != nil {
			return nil, err
		}
		mentions := make([]string, 0, len(entries))
		for _, entry := range entries {
			mentions = append(mentions, userMention(entry.TargetID))
		}
		value := "none"
		if len(mentions) > 0 {
			value = strings.Join(mentions, ", ")
		}
		e.AddField(titleCase(string(list)), value)
	}
	return e.Truncate().MessageEmbed, nil
}

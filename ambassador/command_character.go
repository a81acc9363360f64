package ambassador

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

const (
	commandCharacter = "character"
	optionAvatar     = "avatar"
	optionPronouns   = "pronouns"
)

func pronounChoices() []string {
	return []string{
		string(PronounsFeminine),
		string(PronounsMasculine),
		string(PronounsNeutral),
		string(PronounsPlural),
	}
}

func characterNameOption(description string) *discordgo.ApplicationCommandOption {
	return autocompleteOption(optionName, description, true)
}

func characterCommand() *command {
	setOption := func(name, description string, value *discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
		return subcommandOption(name, description, characterNameOption("The character to change"), value)
	}
	definition := anywhereCommand(
		commandCharacter,
		"Manage your characters",
		subcommandOption(
			"create",
			"Create a character",
			stringOption(optionName, "The character's name", true, MaxCharacterNameLength),
			stringOption(optionSummary, "A short summary", false, MaxCharacterSummaryLength),
			choiceOption(optionPronouns, "Pronouns used in descriptions", false, pronounChoices()...),
			stringOption(optionAvatar, "Avatar image URL", false, MaxCharacterAvatarURLLength),
		),
		subcommandOption(
			"show",
			"Show a character",
			autocompleteOption(optionName, "The character to show (defaults to the current one)", false),
			userOption(optionUser, "Whose character to show", false),
		),
		subcommandOption(
			"list",
			"List characters",
			userOption(optionUser, "Whose characters to list", false),
		),
		subcommandOption("delete", "Delete a character", characterNameOption("The character to delete")),
		subcommandOption(
			"rename",
			"Rename a character",
			characterNameOption("The character to rename"),
			stringOption(optionNewName, "The new name", true, MaxCharacterNameLength),
		),
		subcommandOption("assume", "Become a character", characterNameOption("The character to assume")),
		subcommandOption("clear", "Stop being your current character"),
		subcommandOption(
			"default",
			"Set the character you are when none is assumed",
			characterNameOption("The default character"),
		),
		subcommandOption(
			"transfer",
			"Give a character to someone else",
			characterNameOption("The character to give away"),
			userOption(optionUser, "The new owner", true),
		),
		subcommandGroupOption(
			"set",
			"Change a character's details",
			setOption(
				"avatar", "Set the avatar",
				stringOption(optionValue, "Image URL (leave empty to clear)", false, MaxCharacterAvatarURLLength),
			),
			setOption(
				"nickname", "Set the nickname",
				stringOption(optionValue, "Nickname (leave empty to clear)", false, MaxCharacterNicknameLength),
			),
			setOption(
				"summary", "Set the summary",
				stringOption(optionValue, "Summary (leave empty to clear)", false, MaxCharacterSummaryLength),
			),
			setOption(
				"description", "Set the description",
				stringOption(optionValue, "Description (leave empty to clear)", false, MaxCharacterDescriptionLength),
			),
			setOption(
				"pronouns", "Set the pronouns",
				choiceOption(optionValue, "Pronouns used in descriptions", true, pronounChoices()...),
			),
			setOption("nsfw", "Mark the character as NSFW", boolOption(optionValue, "NSFW", true)),
		),
	)

	return &command{
		definition: definition,
		subcommands: map[string]subcommand{
			"create":          {run: characterCreate},
			"show":            {run: characterShow},
			"list":            {run: characterList},
			"delete":          {run: characterDelete, ephemeral: true},
			"rename":          {run: characterRename},
			"assume":          {run: characterAssume},
			"clear":           {run: characterClear, ephemeral: true},
			"default":         {run: characterSetDefault, ephemeral: true},
			"transfer":        {run: characterTransfer},
			"set avatar":      {run: characterSetString((*CharacterService).SetAvatar)},
			"set nickname":    {run: characterSetString((*CharacterService).SetNickname)},
			"set summary":     {run: characterSetString((*CharacterService).SetSummary)},
			"set description": {run: characterSetString((*CharacterService).SetDescription)},
			"set pronouns":    {run: characterSetString((*CharacterService).SetPronouns)},
			"set nsfw":        {run: characterSetNSFW},
		},
		autocomplete: characterAutocomplete,
	}
}

// characterAutocomplete suggests the invoking user's characters, or the
// characters of the user given in the same command
func characterAutocomplete(
	c *commandContext,
	focused *discordgo.ApplicationCommandInteractionDataOption,
) ([]*discordgo.ApplicationCommandOptionChoice, error) {
	if focused.Name != optionName {
		return nil, nil
	}
	ownerID := c.discordUser.ID
	if c.opts.Subcommand() == "show" {
		ownerID = c.userOrSelf(optionUser).ID
	}
	characters, err := c.a.characters.Search(c.ctx, ownerID, focused.StringValue(), discordMaxAutocompleteChoices)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(characters))
	for _, ch := range characters {
		names = append(names, ch.Name)
	}
	return nameChoices(names), nil
}

func characterCreate(c *commandContext) (*discordgo.MessageEmbed, error) {
	character, err := c.a.characters.Create(
		c.ctx, c.discordUser.ID, NewCharacter{
			Name:      c.opts.String(optionName),
			Summary:   c.opts.String(optionSummary),
			AvatarURL: c.opts.String(optionAvatar),
			Pronouns:  Pronouns(c.opts.String(optionPronouns)),
		},
	)
	if err != nil {
		return nil, err
	}
	return successEmbed("Character created", fmt.Sprintf("Created **%s**", character.Name)), nil
}

func characterShow(c *commandContext) (*discordgo.MessageEmbed, error) {
	owner := c.userOrSelf(optionUser)
	var character *Character
	var err error
	if name := c.opts.String(optionName); name != "" {
		character, err = c.a.characters.Get(c.ctx, owner.ID, name)
	} else {
		character, err = c.a.characters.Current(c.ctx, owner.ID)
	}
	if err != nil {
		return nil, err
	}
	desc, err := c.a.transformations.Describe(c.ctx, character, AppearanceCurrent)
	if err != nil && !errors.Is(err, ErrNoCurrentCharacter) {
		return nil, err
	}
	return characterEmbed(character, desc), nil
}

func characterList(c *commandContext) (*discordgo.MessageEmbed, error) {
	owner := c.userOrSelf(optionUser)
	characters, err := c.a.characters.List(c.ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	var current *uint
	if u, e := c.a.users.GetUser(c.ctx, owner.ID); e == nil {
		current = u.CurrentCharacterID()
	}
	return characterListEmbed(owner.ID, characters, current), nil
}

func characterDelete(c *commandContext) (*discordgo.MessageEmbed, error) {
	character, err := c.a.characters.Delete(c.ctx, c.discordUser.ID, c.opts.String(optionName))
	if err != nil {
		return nil, err
	}
	return successEmbed("Character deleted", fmt.Sprintf("Deleted **%s**", character.Name)), nil
}

func characterRename(c *commandContext) (*discordgo.MessageEmbed, error) {
	oldName := c.opts.String(optionName)
	character, err := c.a.characters.Rename(c.ctx, c.discordUser.ID, oldName, c.opts.String(optionNewName))
	if err != nil {
		return nil, err
	}
	return successEmbed("Character renamed", fmt.Sprintf("**%s** is now **%s**", oldName, character.Name)), nil
}

func characterAssume(c *commandContext) (*discordgo.MessageEmbed, error) {
	character, err := c.a.characters.Assume(c.ctx, c.discordUser.ID, c.opts.String(optionName))
	if err != nil {
		return nil, err
	}
	return shiftEmbed(character, fmt.Sprintf("%s is now %s.", userMention(c.discordUser.ID), character.DisplayName())), nil
}

func characterClear(c *commandContext) (*discordgo.MessageEmbed, error) {
	if err := c.a.characters.ClearCurrent(c.ctx, c.discordUser.ID); err != nil {
		return nil, err
	}
	return successEmbed("Character cleared", "You're back to your default character"), nil
}

func characterSetDefault(c *commandContext) (*discordgo.MessageEmbed, error) {
	character, err := c.a.characters.SetDefault(c.ctx, c.discordUser.ID, c.opts.String(optionName))
	if err != nil {
		return nil, err
	}
	return successEmbed("Default character", fmt.Sprintf("**%s** is now your default character", character.Name)), nil
}

func characterTransfer(c *commandContext) (*discordgo.MessageEmbed, error) {
	newOwner, err := c.ensureDiscordUser(c.resolvedUser(optionUser))
	if err != nil {
		return nil, err
	}
	character, err := c.a.characters.Transfer(c.ctx, c.discordUser.ID, c.opts.String(optionName), newOwner)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Character transferred",
		fmt.Sprintf("**%s** now belongs to %s", character.Name, userMention(newOwner.ID)),
	), nil
}

type characterSetter func(s *CharacterService, ctx context.Context, ownerID, name, value string) (*Character, error)

// characterSetString returns a handler which sets a string field of the
// named character to the value option
func characterSetString(setter characterSetter) func(c *commandContext) (*discordgo.MessageEmbed, error) {
	return func(c *commandContext) (*discordgo.MessageEmbed, error) {
		character, err := setter(
			c.a.characters,
			c.ctx,
			c.discordUser.ID,
			c.opts.String(optionName),
			c.opts.String(optionValue),
		)
		if err != nil {
			return nil, err
		}
		return successEmbed("Character updated", fmt.Sprintf("Updated **%s**", character.Name)), nil
	}
}

func characterSetNSFW(c *commandContext) (*discordgo.MessageEmbed, error) {
	nsfw, _ := c.opts.Bool(optionValue)
	character, err := c.a.characters.SetNSFW(c.ctx, c.discordUser.ID, c.opts.String(optionName), nsfw)
	if err != nil {
		return nil, err
	}
	return successEmbed("Character updated", fmt.Sprintf("Updated **%s**", character.Name)), nil
}

package ambassador

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCommands(t *testing.T) {
	registry := defaultCommands()
	definitions := registry.applicationCommands()
	require.Len(t, definitions, len(registry.order))

	for _, def := range definitions {
		cmd, ok := registry.get(def.Name)
		require.True(t, ok)
		assert.NotEmpty(t, cmd.subcommands, def.Name)
		for path, sub := range cmd.subcommands {
			assert.NotNil(t, sub.run, "%s %s", def.Name, path)
		}
	}

	assert.Panics(
		t, func() {
			newCommandRegistry(characterCommand(), characterCommand())
		},
	)
}

func TestHandleInteraction_Ping(t *testing.T) {
	a, _ := newTestAmbassador(t)
	handler := runCommand(
		t, a, &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing},
		},
	)
	assert.Equal(t, discordgo.InteractionResponsePong, handler.lastResponse(t).Type)
}

func TestHandleInteraction_CharacterCreate(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	user := newTestUser("1")

	handler := runCommand(
		t, a, commandInteraction(user, 0, commandCharacter, "create", stringOpt(optionName, "Rowan")),
	)
	e := handler.responseEmbed(t)
	assert.Equal(t, "Character created", e.Title)
	assert.Zero(t, handler.lastResponse(t).Data.Flags, "create replies publicly")

	_, err := a.characters.Get(ctx, "1", "rowan")
	require.NoError(t, err)

	var logs []InteractionLog
	require.NoError(t, a.db.Where("user_id = ?", "1").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, commandCharacter, logs[0].Command)
	assert.Equal(t, "create", logs[0].Subcommand)
	assert.Equal(t, OutcomeOK, logs[0].Outcome)
	assert.Empty(t, logs[0].Error)

	handler = runCommand(
		t, a, commandInteraction(user, 0, commandCharacter, "create", stringOpt(optionName, "rowan")),
	)
	e = handler.responseEmbed(t)
	assert.Equal(t, "Error", e.Title)
	assert.Equal(t, ErrCharacterNameTaken.Error(), e.Description)

	logs = nil
	require.NoError(t, a.db.Where("user_id = ?", "1").Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)
	assert.Equal(t, OutcomeFailed, logs[1].Outcome)
	assert.Equal(t, ErrCharacterNameTaken.Error(), logs[1].Error)
}

func TestHandleInteraction_PublicErrors(t *testing.T) {
	a, _ := newTestAmbassador(t)
	handler := runCommand(t, a, commandInteraction(newTestUser("1"), 0, commandCharacter, "show"))
	e := handler.responseEmbed(t)
	assert.Equal(t, ErrNoCurrentCharacter.Error(), e.Description)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, handler.lastResponse(t).Data.Flags)
}

func TestHandleInteraction_Paused(t *testing.T) {
	a, _ := newTestAmbassador(t)
	a.paused.Store(true)

	handler := runCommand(
		t, a, commandInteraction(newTestUser("1"), 0, commandCharacter, "create", stringOpt(optionName, "Rowan")),
	)
	assert.Equal(t, pausedMessage, handler.responseEmbed(t).Description)

	_, err := a.characters.Get(context.Background(), "1", "Rowan")
	assert.ErrorIs(t, err, ErrCharacterNotFound)

	var entry InteractionLog
	require.NoError(t, a.db.Where("user_id = ?", "1").First(&entry).Error)
	assert.Equal(t, OutcomeRejected, entry.Outcome)
	assert.Equal(t, errPaused.Error(), entry.Error)
}

func TestHandleInteraction_UnknownCommand(t *testing.T) {
	a, _ := newTestAmbassador(t)

	handler := runCommand(t, a, commandInteraction(newTestUser("1"), 0, "teleport", "now"))
	assert.Equal(t, unknownCommandMessage, handler.responseEmbed(t).Description)

	handler = runCommand(t, a, commandInteraction(newTestUser("1"), 0, commandCharacter, "fly"))
	assert.Equal(t, unknownCommandMessage, handler.responseEmbed(t).Description)
}

func TestHandleInteraction_GuildOnly(t *testing.T) {
	a, _ := newTestAmbassador(t)
	i := commandInteraction(
		newTestUser("1"), discordgo.PermissionModerateMembers, commandWarning, "add",
		userOpt(optionUser, "2"), stringOpt(optionReason, "spam"),
	)
	i.GuildID = ""

	handler := runCommand(t, a, i)
	assert.Equal(t, ErrGuildOnly.Error(), handler.responseEmbed(t).Description)
}

func TestHandleInteraction_Permissions(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	warn := func(permissions int64, roles ...string) *stubInteractionHandler {
		i := commandInteraction(
			newTestUser("1"), permissions, commandWarning, "add",
			userOpt(optionUser, "2"), stringOpt(optionReason, "spam"),
		)
		i.Member.Roles = roles
		return runCommand(t, a, i)
	}

	handler := warn(0)
	assert.Equal(t, ErrPermissionDenied.Error(), handler.responseEmbed(t).Description)

	handler = warn(discordgo.PermissionModerateMembers)
	assert.Equal(t, "Warning #1 issued", handler.responseEmbed(t).Title)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, handler.lastResponse(t).Data.Flags)

	handler = warn(discordgo.PermissionAdministrator)
	assert.Equal(t, "Warning #2 issued", handler.responseEmbed(t).Title)

	handler = warn(0, testRoleID)
	assert.Equal(t, ErrPermissionDenied.Error(), handler.responseEmbed(t).Description)

	_, err := a.servers.SetModeratorRole(ctx, testGuildID, testRoleID)
	require.NoError(t, err)
	handler = warn(0, testRoleID)
	assert.Equal(t, "Warning #3 issued", handler.responseEmbed(t).Title, "the moderator role can warn")

	// the moderator role doesn't grant server settings
	i := commandInteraction(newTestUser("1"), 0, commandServer, "optin", boolOpt(optionEnabled, true))
	i.Member.Roles = []string{testRoleID}
	handler = runCommand(t, a, i)
	assert.Equal(t, ErrPermissionDenied.Error(), handler.responseEmbed(t).Description)
}

func TestHandleInteraction_IgnoredAndBotUsers(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	mustUser(t, a, "1")
	require.NoError(t, a.users.SetIgnored(ctx, "1", true))

	handler := runCommand(
		t, a, commandInteraction(newTestUser("1"), 0, commandCharacter, "create", stringOpt(optionName, "Rowan")),
	)
	assert.Empty(t, handler.responses, "ignored users get no reply")

	bot := newTestUser("2")
	bot.Bot = true
	handler = runCommand(
		t, a, commandInteraction(bot, 0, commandCharacter, "create", stringOpt(optionName, "Rowan")),
	)
	assert.Empty(t, handler.responses)
}

func TestHandleInteraction_DeferredEvaluate(t *testing.T) {
	a, session := newTestAmbassador(t)
	ctx := context.Background()
	_, err := a.autoroles.Create(ctx, testGuildID, testRoleID, false)
	require.NoError(t, err)
	_, err = a.autoroles.AddCondition(
		ctx, testGuildID, testRoleID, NewCondition{Type: "message_count_in_guild", Count: 1},
	)
	require.NoError(t, err)
	session.addMember(testGuildID, testMember("2", a.autoroles.now()))
	recordMessages(t, a, "2", 1)

	handler := runCommand(
		t, a, commandInteraction(newTestUser("1"), discordgo.PermissionManageRoles, commandAutorole, "evaluate"),
	)
	require.Len(t, handler.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, handler.responses[0].Type)
	require.Len(t, handler.edits, 1)
	require.NotNil(t, handler.edits[0].Embeds)
	embeds := *handler.edits[0].Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "Autoroles evaluated", embeds[0].Title)
	assert.Contains(t, session.member(testGuildID, "2").Roles, testRoleID)
}

func TestHandleInteraction_Roleplay(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	owner := newTestUser("1")

	runCommand(
		t, a, commandInteraction(
			owner, 0, commandRoleplay, "create",
			stringOpt(optionName, "Harbour"), boolOpt(optionPublic, true),
		),
	)
	runCommand(t, a, commandInteraction(newTestUser("2"), 0, commandRoleplay, "join", stringOpt(optionName, "harbour")))

	// start defaults to the current channel
	runCommand(t, a, commandInteraction(owner, 0, commandRoleplay, "start", stringOpt(optionName, "Harbour")))

	rp, err := a.roleplays.Get(ctx, testGuildID, "harbour")
	require.NoError(t, err)
	assert.True(t, rp.Active)
	assert.Equal(t, testChannelID, rp.ChannelID)
	assert.True(t, rp.IsParticipant("2"))

	handler := runCommand(
		t, a, commandInteraction(newTestUser("2"), 0, commandRoleplay, "stop", stringOpt(optionName, "Harbour")),
	)
	assert.Equal(t, ErrNotRoleplayOwner.Error(), handler.responseEmbed(t).Description)
}

func TestHandleInteraction_Autocomplete(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	for _, name := range []string{"Rowan", "Robin", "Ash"} {
		_, err := a.characters.Create(ctx, "1", NewCharacter{Name: name})
		require.NoError(t, err)
	}

	i := commandInteraction(newTestUser("1"), 0, commandCharacter, "assume")
	i.Type = discordgo.InteractionApplicationCommandAutocomplete
	focused := stringOpt(optionName, "ro")
	focused.Focused = true
	data := i.Data.(discordgo.ApplicationCommandInteractionData)
	data.Options[0].Options = append(data.Options[0].Options, focused)

	handler := runCommand(t, a, i)
	r := handler.lastResponse(t)
	assert.Equal(t, discordgo.InteractionApplicationCommandAutocompleteResult, r.Type)
	require.Len(t, r.Data.Choices, 2)
	assert.Equal(t, "Robin", r.Data.Choices[0].Name)
	assert.Equal(t, "Rowan", r.Data.Choices[1].Name)
}

func TestCommandDefinitions_Scope(t *testing.T) {
	guild := guildCommand(commandServer, "settings")
	require.NotNil(t, guild.DMPermission)
	assert.False(t, *guild.DMPermission)

	anywhere := anywhereCommand(commandCharacter, "characters")
	require.NotNil(t, anywhere.DMPermission)
	assert.True(t, *anywhere.DMPermission)

	server := serverCommand()
	for path, sub := range server.subcommands {
		if path == "show" {
			continue
		}
		assert.Equal(t, int64(discordgo.PermissionManageServer), sub.permission, path)
	}

	intents := DefaultDiscordGatewayIntent
	for _, want := range []discordgo.Intent{
		discordgo.IntentsGuildMembers,
		discordgo.IntentsGuildBans,
		discordgo.IntentsMessageContent,
		discordgo.IntentsGuildMessageReactions,
	} {
		assert.Equal(t, want, intents&want)
	}
}

func TestDefaultCommands_Names(t *testing.T) {
	var names []string
	for _, def := range defaultCommands().applicationCommands() {
		names = append(names, def.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			"character", "shift", "transformation", "roleplay",
			"warning", "ban", "note", "autorole", "server",
		},
		names,
	)
}

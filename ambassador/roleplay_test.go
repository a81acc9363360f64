package ambassador

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRoleplay(t testing.TB, a *Ambassador, name string, public bool) *Roleplay {
	t.Helper()
	rp, err := a.roleplays.Create(
		context.Background(),
		NewRoleplay{GuildID: testGuildID, Owner: newTestUser("1"), Name: name, Public: public},
	)
	require.NoError(t, err)
	return rp
}

func roleplayMessage(id, authorID, channelID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		GuildID:   testGuildID,
		ChannelID: channelID,
		Author:    newTestUser(authorID),
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func TestRoleplayService_Create(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()

	_, err := a.roleplays.Create(ctx, NewRoleplay{Owner: newTestUser("1"), Name: "Tavern"})
	assert.ErrorIs(t, err, ErrGuildOnly)

	rp := createTestRoleplay(t, a, "The Tavern", true)
	assert.Equal(t, "1", rp.OwnerID)
	assert.True(t, rp.IsParticipant("1"), "owners start as participants")

	_, err = a.roleplays.Create(
		ctx, NewRoleplay{GuildID: testGuildID, Owner: newTestUser("2"), Name: "the tavern"},
	)
	assert.ErrorIs(t, err, ErrRoleplayNameTaken)

	names, err := a.roleplays.Search(ctx, testGuildID, "the", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"The Tavern"}, names)
}

func TestRoleplayService_Visibility(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	createTestRoleplay(t, a, "Open", true)
	createTestRoleplay(t, a, "Secret", false)

	_, err := a.roleplays.Show(ctx, testGuildID, "secret", "2")
	assert.ErrorIs(t, err, ErrRoleplayPrivate)
	rp, err := a.roleplays.Show(ctx, testGuildID, "secret", "1")
	require.NoError(t, err)
	assert.Equal(t, "Secret", rp.Name)

	visible, err := a.roleplays.List(ctx, testGuildID, "2")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "Open", visible[0].Name)

	visible, err = a.roleplays.List(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	_, err = a.roleplays.Join(ctx, testGuildID, "Secret", newTestUser("2"))
	assert.ErrorIs(t, err, ErrRoleplayPrivate)

	_, err = a.roleplays.SetPublic(ctx, testGuildID, "Secret", "2", true)
	assert.ErrorIs(t, err, ErrNotRoleplayOwner)
	rp, err = a.roleplays.SetPublic(ctx, testGuildID, "Secret", "1", true)
	require.NoError(t, err)
	assert.True(t, rp.Public)
}

func TestRoleplayService_Participants(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	createTestRoleplay(t, a, "Open", true)

	rp, err := a.roleplays.Join(ctx, testGuildID, "open", newTestUser("2"))
	require.NoError(t, err)
	assert.True(t, rp.IsParticipant("2"))
	_, err = a.roleplays.Join(ctx, testGuildID, "open", newTestUser("2"))
	assert.ErrorIs(t, err, ErrAlreadyParticipant)

	_, err = a.roleplays.Leave(ctx, testGuildID, "open", "1")
	assert.ErrorIs(t, err, ErrOwnerCannotLeave)

	_, err = a.roleplays.Transfer(ctx, testGuildID, "open", "1", "1")
	assert.ErrorIs(t, err, ErrCannotTransferToSelf)
	_, err = a.roleplays.Transfer(ctx, testGuildID, "open", "1", "3")
	assert.ErrorIs(t, err, ErrNotParticipant)
	rp, err = a.roleplays.Transfer(ctx, testGuildID, "open", "1", "2")
	require.NoError(t, err)
	assert.Equal(t, "2", rp.OwnerID)

	rp, err = a.roleplays.Leave(ctx, testGuildID, "open", "1")
	require.NoError(t, err)
	assert.False(t, rp.IsParticipant("1"))
	_, err = a.roleplays.Leave(ctx, testGuildID, "open", "1")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = a.roleplays.Join(ctx, testGuildID, "open", newTestUser("3"))
	require.NoError(t, err)
	_, err = a.roleplays.Kick(ctx, testGuildID, "open", "3", "2")
	assert.ErrorIs(t, err, ErrNotRoleplayOwner)
	_, err = a.roleplays.Kick(ctx, testGuildID, "open", "2", "2")
	assert.ErrorIs(t, err, ErrCannotModerateSelf)
	rp, err = a.roleplays.Kick(ctx, testGuildID, "open", "2", "3")
	require.NoError(t, err)
	assert.Len(t, rp.Participants, 1)
}

func TestRoleplayService_StartStop(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	createTestRoleplay(t, a, "First", true)
	createTestRoleplay(t, a, "Second", true)

	_, err := a.roleplays.Stop(ctx, testGuildID, "First", "1")
	assert.ErrorIs(t, err, ErrRoleplayNotActive)

	rp, err := a.roleplays.Start(ctx, testGuildID, "First", "1", testChannelID)
	require.NoError(t, err)
	assert.True(t, rp.Active)
	assert.Equal(t, testChannelID, rp.ChannelID)
	assert.NotNil(t, rp.LastActivityAt)

	_, err = a.roleplays.Start(ctx, testGuildID, "First", "1", testChannelID)
	assert.ErrorIs(t, err, ErrRoleplayActive)
	_, err = a.roleplays.Start(ctx, testGuildID, "Second", "1", testChannelID)
	assert.ErrorIs(t, err, ErrRoleplayChannelInUse)

	rp, err = a.roleplays.Stop(ctx, testGuildID, "First", "1")
	require.NoError(t, err)
	assert.False(t, rp.Active)
	assert.Equal(t, testChannelID, rp.ChannelID, "the channel is kept after stopping")

	_, err = a.roleplays.Start(ctx, testGuildID, "Second", "1", testChannelID)
	assert.NoError(t, err)
}

func TestRoleplayService_RecordMessage(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	createTestRoleplay(t, a, "Scene", true)
	_, err := a.roleplays.Join(ctx, testGuildID, "Scene", newTestUser("2"))
	require.NoError(t, err)

	recorded, err := a.roleplays.RecordMessage(ctx, roleplayMessage("10", "1", testChannelID, "before start"))
	require.NoError(t, err)
	assert.False(t, recorded, "inactive roleplays don't record")

	_, err = a.roleplays.Start(ctx, testGuildID, "Scene", "1", testChannelID)
	require.NoError(t, err)

	recorded, err = a.roleplays.RecordMessage(ctx, roleplayMessage("11", "1", testChannelID, "hello"))
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = a.roleplays.RecordMessage(ctx, roleplayMessage("12", "2", testChannelID, "hi"))
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = a.roleplays.RecordMessage(ctx, roleplayMessage("13", "3", testChannelID, "lurker"))
	require.NoError(t, err)
	assert.False(t, recorded, "non-participants aren't recorded")

	recorded, err = a.roleplays.RecordMessage(ctx, roleplayMessage("14", "1", "elsewhere", "ooc"))
	require.NoError(t, err)
	assert.False(t, recorded)

	botMessage := roleplayMessage("15", "1", testChannelID, "beep")
	botMessage.Author.Bot = true
	recorded, err = a.roleplays.RecordMessage(ctx, botMessage)
	require.NoError(t, err)
	assert.False(t, recorded)

	edited := roleplayMessage("11", "1", testChannelID, "hello there")
	require.NoError(t, a.roleplays.EditMessage(ctx, edited))
	require.NoError(t, a.roleplays.ForgetMessage(ctx, "12"))

	_, _, err = a.roleplays.Messages(ctx, testGuildID, "Scene", "3", Pagination{})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, messages, err := a.roleplays.Messages(ctx, testGuildID, "Scene", "2", Pagination{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello there", messages[0].Content)
	assert.NotNil(t, messages[0].EditedAt)

	deleted, err := a.roleplays.Delete(ctx, testGuildID, "Scene", "1")
	require.NoError(t, err)
	messages, err = a.roleplays.ListMessages(ctx, deleted.ID, Pagination{})
	require.NoError(t, err)
	assert.Empty(t, messages)
	_, err = a.roleplays.Get(ctx, testGuildID, "Scene")
	assert.ErrorIs(t, err, ErrRoleplayNotFound)
}

func TestRoleplayService_Rename(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	createTestRoleplay(t, a, "One", true)
	createTestRoleplay(t, a, "Two", true)

	_, err := a.roleplays.Rename(ctx, testGuildID, "One", "1", "two")
	assert.ErrorIs(t, err, ErrRoleplayNameTaken)

	rp, err := a.roleplays.Rename(ctx, testGuildID, "One", "1", "Three")
	require.NoError(t, err)
	assert.Equal(t, "Three", rp.Name)

	rp, err = a.roleplays.SetSummary(ctx, testGuildID, "three", "1", "  a quiet evening ")
	require.NoError(t, err)
	assert.Equal(t, "a quiet evening", rp.Summary)

	rp, err = a.roleplays.SetNSFW(ctx, testGuildID, "three", "1", true)
	require.NoError(t, err)
	assert.True(t, rp.NSFW)
}

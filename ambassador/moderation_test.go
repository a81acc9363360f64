package ambassador

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModerationRequest_Validate(t *testing.T) {
	now := time.Now().UTC()
	target := newTestUser("1")
	author := newTestUser("2")

	tests := []struct {
		name string
		req  ModerationRequest
		err  error
	}{
		{
			name: "no guild",
			req:  ModerationRequest{Target: target, Author: author, Reason: "spam"},
			err:  ErrGuildOnly,
		},
		{
			name: "no target",
			req:  ModerationRequest{GuildID: testGuildID, Author: author, Reason: "spam"},
			err:  ErrUserNotFound,
		},
		{
			name: "self",
			req:  ModerationRequest{GuildID: testGuildID, Target: author, Author: author, Reason: "spam"},
			err:  ErrCannotModerateSelf,
		},
		{
			name: "blank reason",
			req:  ModerationRequest{GuildID: testGuildID, Target: target, Author: author, Reason: "  "},
			err:  ErrReasonRequired,
		},
		{
			name: "long reason",
			req: ModerationRequest{
				GuildID: testGuildID,
				Target:  target,
				Author:  author,
				Reason:  strings.Repeat("r", MaxModerationReasonLength+1),
			},
			err: ErrReasonTooLong,
		},
		{
			name: "bad duration",
			req: ModerationRequest{
				GuildID: testGuildID, Target: target, Author: author, Reason: "spam", Duration: "soon",
			},
			err: ErrInvalidDuration,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				_, _, err := tc.req.validate(now)
				assert.ErrorIs(t, err, tc.err)
			},
		)
	}

	reason, expiresAt, err := ModerationRequest{
		GuildID: testGuildID, Target: target, Author: author, Reason: " spam ", Duration: "2h",
	}.validate(now)
	require.NoError(t, err)
	assert.Equal(t, "spam", reason)
	require.NotNil(t, expiresAt)
	assert.Equal(t, now.Add(2*time.Hour), *expiresAt)
}

func TestModerationService_WarningThreshold(t *testing.T) {
	a, session := newTestAmbassador(t)
	ctx := context.Background()
	_, err := a.servers.SetWarningThreshold(ctx, testGuildID, 2)
	require.NoError(t, err)
	_, err = a.servers.SetModerationLogChannel(ctx, testGuildID, testChannelID)
	require.NoError(t, err)

	req := ModerationRequest{
		GuildID: testGuildID,
		Target:  newTestUser("1"),
		Author:  newTestUser("2"),
		Reason:  "spam",
	}
	result, err := a.moderation.AddWarning(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ActiveWarnings)
	assert.Nil(t, result.Ban)
	assert.False(t, session.banned(testGuildID, "1"))

	// the target is recorded even though they never used the bot
	_, err = a.users.GetUser(ctx, "1")
	require.NoError(t, err)

	result, err = a.moderation.AddWarning(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.ActiveWarnings)
	require.NotNil(t, result.Ban)
	assert.Equal(t, autoBanReason, result.Ban.Reason)
	assert.True(t, session.banned(testGuildID, "1"))

	result, err = a.moderation.AddWarning(ctx, req)
	require.NoError(t, err, "an existing ban isn't an error")
	assert.Nil(t, result.Ban)

	_, err = a.moderation.Ban(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyBanned)

	embeds := session.sentEmbeds()
	require.Len(t, embeds, 4)
	titles := make([]string, 0, len(embeds))
	for _, e := range embeds {
		assert.Equal(t, testChannelID, e.channelID)
		titles = append(titles, e.embed.Title)
	}
	assert.Equal(t, []string{"Warning", "Warning", "Ban", "Warning"}, titles)
}

func TestModerationService_NoLogChannel(t *testing.T) {
	a, session := newTestAmbassador(t)
	ctx := context.Background()

	_, err := a.moderation.AddWarning(
		ctx, ModerationRequest{
			GuildID: testGuildID,
			Target:  newTestUser("1"),
			Author:  newTestUser("2"),
			Reason:  "spam",
		},
	)
	require.NoError(t, err)
	assert.Empty(t, session.sentEmbeds())
}

func TestModerationService_WarningExpiry(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	now := time.Now().UTC()
	a.moderation.now = func() time.Time { return now }
	_, err := a.servers.SetWarningThreshold(ctx, testGuildID, 0)
	require.NoError(t, err)

	req := ModerationRequest{
		GuildID:  testGuildID,
		Target:   newTestUser("1"),
		Author:   newTestUser("2"),
		Reason:   "spam",
		Duration: "1h",
	}
	_, err = a.moderation.AddWarning(ctx, req)
	require.NoError(t, err)
	req.Duration = ""
	permanent, err := a.moderation.AddWarning(ctx, req)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	count, err := a.moderation.CountActiveWarnings(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	expired, err := a.moderation.ExpireWarnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	active, err := a.moderation.ListWarnings(ctx, testGuildID, "1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, permanent.Warning.ID, active[0].ID)

	history, err := a.moderation.ListWarnings(ctx, testGuildID, "1", true)
	require.NoError(t, err)
	require.Len(t, history, 2, "expired warnings stay in the history")
	var inactive int
	for _, w := range history {
		if !w.Active(now) {
			inactive++
		}
	}
	assert.Equal(t, 1, inactive)

	deleted, err := a.moderation.DeleteWarning(ctx, testGuildID, permanent.Warning.ID)
	require.NoError(t, err)
	assert.Equal(t, "spam", deleted.Reason)
	_, err = a.moderation.DeleteWarning(ctx, testGuildID, permanent.Warning.ID)
	assert.ErrorIs(t, err, ErrWarningNotFound)

	cleared, err := a.moderation.ClearWarnings(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared, "clearing includes expired warnings")
	history, err = a.moderation.ListWarnings(ctx, testGuildID, "1", true)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestModerationService_BanExpiry(t *testing.T) {
	a, session := newTestAmbassador(t)
	ctx := context.Background()
	now := time.Now().UTC()
	a.moderation.now = func() time.Time { return now }
	_, err := a.servers.SetModerationLogChannel(ctx, testGuildID, testChannelID)
	require.NoError(t, err)

	ban, err := a.moderation.Ban(
		ctx, ModerationRequest{
			GuildID:  testGuildID,
			Target:   newTestUser("1"),
			Author:   newTestUser("2"),
			Reason:   "raiding",
			Duration: "1d",
		},
	)
	require.NoError(t, err)
	require.NotNil(t, ban.ExpiresAt)
	assert.Equal(t, "raiding", session.bans[memberKey(testGuildID, "1")])

	lifted, err := a.moderation.ExpireBans(ctx)
	require.NoError(t, err)
	assert.Zero(t, lifted)

	now = now.Add(48 * time.Hour)
	lifted, err = a.moderation.ExpireBans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lifted)
	assert.False(t, session.banned(testGuildID, "1"))

	_, err = a.moderation.GetBan(ctx, testGuildID, "1")
	assert.ErrorIs(t, err, ErrBanNotFound)

	embeds := session.sentEmbeds()
	require.NotEmpty(t, embeds)
	assert.Equal(t, "Ban expired", embeds[len(embeds)-1].embed.Title)
}

func TestModerationService_LiftBan(t *testing.T) {
	a, session := newTestAmbassador(t)
	ctx := context.Background()

	_, err := a.moderation.LiftBan(ctx, testGuildID, "1", "2")
	assert.ErrorIs(t, err, ErrBanNotFound)

	req := ModerationRequest{
		GuildID: testGuildID,
		Target:  newTestUser("1"),
		Author:  newTestUser("2"),
		Reason:  "raiding",
	}
	session.banErr = restError(discordgo.ErrCodeMissingPermissions)
	_, err = a.moderation.Ban(ctx, req)
	require.Error(t, err)
	_, err = a.moderation.GetBan(ctx, testGuildID, "1")
	assert.ErrorIs(t, err, ErrBanNotFound, "failed bans aren't recorded")
	session.banErr = nil

	_, err = a.moderation.Ban(ctx, req)
	require.NoError(t, err)

	// unbanned by hand in Discord, without the bot seeing the event
	delete(session.bans, memberKey(testGuildID, "1"))

	ban, err := a.moderation.LiftBan(ctx, testGuildID, "1", "2")
	require.NoError(t, err)
	assert.Equal(t, "raiding", ban.Reason)

	bans, err := a.moderation.ListBans(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, bans)
}

func TestModerationService_Notes(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	target := newTestUser("1")

	_, err := a.moderation.AddNote(ctx, "", target, "2", "watch them")
	assert.ErrorIs(t, err, ErrGuildOnly)
	_, err = a.moderation.AddNote(ctx, testGuildID, nil, "2", "watch them")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = a.moderation.AddNote(ctx, testGuildID, target, "2", "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	note, err := a.moderation.AddNote(ctx, testGuildID, target, "2", " watch them ")
	require.NoError(t, err)
	assert.Equal(t, "watch them", note.Content)

	notes, err := a.moderation.ListNotes(ctx, testGuildID, "1")
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	_, err = a.moderation.DeleteNote(ctx, "other-guild", note.ID)
	assert.ErrorIs(t, err, ErrNoteNotFound)
	_, err = a.moderation.DeleteNote(ctx, testGuildID, note.ID)
	require.NoError(t, err)
	_, err = a.moderation.DeleteNote(ctx, testGuildID, note.ID)
	assert.ErrorIs(t, err, ErrNoteNotFound)
}

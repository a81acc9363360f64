package ambassador

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharacterService_Create(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	mustUser(t, a, "1")

	c, err := a.characters.Create(
		ctx, "1", NewCharacter{
			Name:      "  Rowan  ",
			Summary:   "A wandering bard",
			AvatarURL: "https://example.com/rowan.png",
			Pronouns:  PronounsFeminine,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "Rowan", c.Name)
	assert.Equal(t, PronounsFeminine, c.Pronouns)

	_, err = a.characters.Create(ctx, "1", NewCharacter{Name: "ROWAN"})
	assert.ErrorIs(t, err, ErrCharacterNameTaken, "names are unique ignoring case")

	_, err = a.characters.Create(ctx, "2", NewCharacter{Name: "Rowan"})
	assert.NoError(t, err, "names are only unique per owner")

	n, err := a.characters.Count(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := a.characters.Get(ctx, "1", "rowan")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestCharacterService_CreateValidation(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()

	tests := []struct {
		name string
		new  NewCharacter
		err  error
	}{
		{name: "empty name", new: NewCharacter{Name: "   "}, err: ErrNameRequired},
		{
			name: "long name",
			new:  NewCharacter{Name: strings.Repeat("a", MaxCharacterNameLength+1)},
			err:  ErrNameTooLong,
		},
		{name: "bad avatar", new: NewCharacter{Name: "A", AvatarURL: "ftp://x/y.png"}, err: ErrInvalidAvatarURL},
		{name: "relative avatar", new: NewCharacter{Name: "B", AvatarURL: "/a.png"}, err: ErrInvalidAvatarURL},
		{name: "bad pronouns", new: NewCharacter{Name: "C", Pronouns: "xe"}, err: ErrInvalidPronouns},
		{
			name: "long summary",
			new:  NewCharacter{Name: "D", Summary: strings.Repeat("s", MaxCharacterSummaryLength+1)},
			err:  ErrSummaryTooLong,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				_, err := a.characters.Create(ctx, "1", tc.new)
				assert.ErrorIs(t, err, tc.err)
			},
		)
	}
}

func TestCharacterService_AssumeAndCurrent(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	mustUser(t, a, "1")

	_, err := a.characters.Current(ctx, "1")
	assert.ErrorIs(t, err, ErrNoCurrentCharacter)

	for _, name := range []string{"Ash", "Birch"} {
		_, err = a.characters.Create(ctx, "1", NewCharacter{Name: name})
		require.NoError(t, err)
	}

	_, err = a.characters.SetDefault(ctx, "1", "ash")
	require.NoError(t, err)
	current, err := a.characters.Current(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Ash", current.Name, "default character is used when none is active")

	_, err = a.characters.Assume(ctx, "1", "Birch")
	require.NoError(t, err)
	current, err = a.characters.Current(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Birch", current.Name)

	require.NoError(t, a.characters.ClearCurrent(ctx, "1"))
	current, err = a.characters.Current(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Ash", current.Name)

	_, err = a.characters.Delete(ctx, "1", "Ash")
	require.NoError(t, err)
	_, err = a.characters.Current(ctx, "1")
	assert.ErrorIs(t, err, ErrNoCurrentCharacter, "deleting clears the default")

	_, err = a.characters.Assume(ctx, "1", "Ash")
	assert.ErrorIs(t, err, ErrCharacterNotFound)
}

func TestCharacterService_Setters(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	mustUser(t, a, "1")
	_, err := a.characters.Create(ctx, "1", NewCharacter{Name: "Cedar"})
	require.NoError(t, err)
	_, err = a.characters.Create(ctx, "1", NewCharacter{Name: "Elm"})
	require.NoError(t, err)

	c, err := a.characters.SetNickname(ctx, "1", "Cedar", "Ced")
	require.NoError(t, err)
	assert.Equal(t, "Ced", c.DisplayName())

	c, err = a.characters.SetNickname(ctx, "1", "Cedar", "")
	require.NoError(t, err)
	assert.Equal(t, "Cedar", c.DisplayName())

	c, err = a.characters.SetSummary(ctx, "1", "Cedar", "Tall")
	require.NoError(t, err)
	assert.Equal(t, "Tall", c.Summary)

	c, err = a.characters.SetDescription(ctx, "1", "Cedar", "Very tall")
	require.NoError(t, err)
	assert.Equal(t, "Very tall", c.Description)

	c, err = a.characters.SetPronouns(ctx, "1", "Cedar", "masculine")
	require.NoError(t, err)
	assert.Equal(t, PronounsMasculine, c.Pronouns)

	c, err = a.characters.SetNSFW(ctx, "1", "Cedar", true)
	require.NoError(t, err)
	assert.True(t, c.NSFW)

	_, err = a.characters.SetAvatar(ctx, "1", "Cedar", "not a url")
	assert.ErrorIs(t, err, ErrInvalidAvatarURL)

	c, err = a.characters.Rename(ctx, "1", "Cedar", "Oak")
	require.NoError(t, err)
	assert.Equal(t, "Oak", c.Name)

	_, err = a.characters.Rename(ctx, "1", "Oak", "elm")
	assert.ErrorIs(t, err, ErrCharacterNameTaken)

	_, err = a.characters.SetSummary(ctx, "2", "Oak", "not mine")
	assert.ErrorIs(t, err, ErrCharacterNotFound)
}

func TestCharacterService_Transfer(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	mustUser(t, a, "1")
	recipient := mustUser(t, a, "2")
	bot, _, err := a.users.GetOrCreateUser(ctx, discordgo.User{ID: "3", Username: "bot", Bot: true})
	require.NoError(t, err)

	_, err = a.characters.Create(ctx, "1", NewCharacter{Name: "Fern"})
	require.NoError(t, err)
	_, err = a.characters.Create(ctx, "2", NewCharacter{Name: "fern"})
	require.NoError(t, err)
	_, err = a.characters.Create(ctx, "1", NewCharacter{Name: "Holly"})
	require.NoError(t, err)
	_, err = a.characters.Assume(ctx, "1", "Holly")
	require.NoError(t, err)

	_, err = a.characters.Transfer(ctx, "1", "Fern", mustUser(t, a, "1"))
	assert.ErrorIs(t, err, ErrCannotTransferToSelf)

	_, err = a.characters.Transfer(ctx, "1", "Fern", bot)
	assert.ErrorIs(t, err, ErrCannotTransferToABot)

	_, err = a.characters.Transfer(ctx, "1", "Fern", recipient)
	assert.ErrorIs(t, err, ErrCharacterAlreadyOwned)

	c, err := a.characters.Transfer(ctx, "1", "Holly", recipient)
	require.NoError(t, err)
	assert.Equal(t, "2", c.OwnerID)

	_, err = a.characters.Current(ctx, "1")
	assert.ErrorIs(t, err, ErrNoCurrentCharacter, "transferring clears the active character")

	list, err := a.characters.List(ctx, "2")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCharacterService_Search(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	for _, name := range []string{"Maple", "Magnolia", "Pine"} {
		_, err := a.characters.Create(ctx, "1", NewCharacter{Name: name})
		require.NoError(t, err)
	}

	found, err := a.characters.Search(ctx, "1", "ma", 25)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Magnolia", found[0].Name)
	assert.Equal(t, "Maple", found[1].Name)

	all, err := a.characters.ListAll(ctx, Pagination{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

package ambassador

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCharacter seeds the catalog and creates a character owned by
// ownerID, starting from the template species
func newTestCharacter(t testing.TB, a *Ambassador, ownerID string, name string) *Character {
	t.Helper()
	ctx := context.Background()
	_, err := a.transformations.Seed(ctx)
	require.NoError(t, err)
	mustUser(t, a, ownerID)
	c, err := a.characters.Create(ctx, ownerID, NewCharacter{Name: name, Pronouns: PronounsFeminine})
	require.NoError(t, err)
	return c
}

func TestTransformationService_Seed(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()

	result, err := a.transformations.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(seedColours), result.Colours)
	assert.Equal(t, len(seedSpecies), result.Species)
	assert.NotZero(t, result.Transformations)

	again, err := a.transformations.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{}, again, "seeding is idempotent")

	wolf, err := a.transformations.ListTransformations(ctx, "WOLF")
	require.NoError(t, err)
	require.NotEmpty(t, wolf)
	assert.Equal(t, BodypartHead, wolf[0].Bodypart, "sorted in bodypart order")
}

func TestTransformationService_ShiftSpecies(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	c := newTestCharacter(t, a, "1", "Rowan")
	target := ShiftTarget{GuildID: testGuildID, InvokerID: "1", Character: c}

	d, err := a.transformations.Describe(ctx, c, "")
	require.NoError(t, err)
	require.NotNil(t, d.Species)
	assert.Equal(t, templateSpeciesName, d.Species.Name)
	assert.Contains(t, d.Text, "Rowan stands")

	_, err = a.transformations.ShiftSpecies(ctx, target, "tail", "wolf")
	assert.ErrorIs(t, err, ErrBodypartNotPresent)

	_, err = a.transformations.ShiftSpecies(ctx, target, "body", "dragonish")
	assert.ErrorIs(t, err, ErrSpeciesNotFound)

	msg, err := a.transformations.ShiftSpecies(ctx, target, "all", "wolf")
	require.NoError(t, err)
	assert.Contains(t, msg, "Rowan")

	d, err = a.transformations.Describe(ctx, c, AppearanceCurrent)
	require.NoError(t, err)
	assert.Equal(t, "wolf", d.Species.Name)
	require.NotNil(t, d.Colour)
	assert.Equal(t, "grey", d.Colour.Name)

	_, err = a.transformations.ShiftSpecies(ctx, target, "all", "wolf")
	assert.ErrorIs(t, err, ErrNoChange)

	d, err = a.transformations.Describe(ctx, c, AppearanceDefault)
	require.NoError(t, err)
	assert.Equal(t, templateSpeciesName, d.Species.Name, "shifting doesn't touch the default appearance")
}

func TestTransformationService_ColourAndSize(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	c := newTestCharacter(t, a, "1", "Rowan")
	target := ShiftTarget{InvokerID: "1", Character: c}

	msg, err := a.transformations.ShiftColour(ctx, target, "body", "white")
	require.NoError(t, err)
	assert.Contains(t, msg, "white")

	_, err = a.transformations.ShiftColour(ctx, target, "body", "white")
	assert.ErrorIs(t, err, ErrNoChange)

	_, err = a.transformations.ShiftColour(ctx, target, "body", "plaid")
	assert.ErrorIs(t, err, ErrColourNotFound)

	_, err = a.transformations.ShiftColour(ctx, target, "antlers", "white")
	assert.ErrorIs(t, err, ErrInvalidBodypart)

	_, err = a.transformations.ShiftSize(ctx, target, "hands", 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	msg, err = a.transformations.ShiftSize(ctx, target, "hands", 90)
	require.NoError(t, err)
	assert.Contains(t, msg, "grow")

	_, err = a.transformations.ShiftHairLength(ctx, target, maxHairLength+1)
	assert.ErrorIs(t, err, ErrInvalidHairLength)

	msg, err = a.transformations.ShiftPattern(ctx, target, "body", "striped", "black")
	require.NoError(t, err)
	assert.Contains(t, msg, "striped")

	height := 200
	msg, err = a.transformations.ShiftBodyStats(ctx, target, BodyStats{Height: &height})
	require.NoError(t, err)
	assert.Contains(t, msg, "200 centimetres")

	tooTall := maxAppearanceHeight + 1
	_, err = a.transformations.ShiftBodyStats(ctx, target, BodyStats{Height: &tooTall})
	assert.ErrorIs(t, err, ErrInvalidBodyStats)
}

func TestTransformationService_Bodyparts(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	c := newTestCharacter(t, a, "1", "Rowan")
	target := ShiftTarget{InvokerID: "1", Character: c}

	_, err := a.transformations.AddBodypart(ctx, target, "body", "")
	assert.ErrorIs(t, err, ErrCoreBodypart)

	_, err = a.transformations.ShiftSpecies(ctx, target, "body", "wolf")
	require.NoError(t, err)

	// the body's species is used when none is given
	msg, err := a.transformations.AddBodypart(ctx, target, "tail", "")
	require.NoError(t, err)
	assert.Contains(t, msg, "tail")

	_, err = a.transformations.AddBodypart(ctx, target, "tail", "")
	assert.ErrorIs(t, err, ErrBodypartAlreadyPresent)

	_, err = a.transformations.RemoveBodypart(ctx, target, "tail")
	require.NoError(t, err)
	_, err = a.transformations.RemoveBodypart(ctx, target, "tail")
	assert.ErrorIs(t, err, ErrBodypartNotPresent)
	_, err = a.transformations.RemoveBodypart(ctx, target, "legs")
	assert.ErrorIs(t, err, ErrCoreBodypart)
}

func TestTransformationService_ResetAndSaveDefault(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	c := newTestCharacter(t, a, "1", "Rowan")
	target := ShiftTarget{InvokerID: "1", Character: c}

	_, err := a.transformations.ShiftSpecies(ctx, target, "all", "wolf")
	require.NoError(t, err)

	_, err = a.transformations.Reset(ctx, target)
	require.NoError(t, err)
	d, err := a.transformations.Describe(ctx, c, "")
	require.NoError(t, err)
	assert.Equal(t, templateSpeciesName, d.Species.Name)

	_, err = a.transformations.ShiftSpecies(ctx, target, "all", "wolf")
	require.NoError(t, err)

	err = a.transformations.SaveAsDefault(ctx, ShiftTarget{InvokerID: "2", Character: c})
	assert.ErrorIs(t, err, ErrNotCharacterOwner)

	require.NoError(t, a.transformations.SaveAsDefault(ctx, target))
	_, err = a.transformations.Reset(ctx, target)
	require.NoError(t, err)
	d, err = a.transformations.Describe(ctx, c, "")
	require.NoError(t, err)
	assert.Equal(t, "wolf", d.Species.Name)
}

func TestTransformationService_Authorize(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()
	c := newTestCharacter(t, a, "1", "Rowan")
	mustUser(t, a, "2")
	target := ShiftTarget{GuildID: testGuildID, InvokerID: "2", Character: c}

	_, err := a.transformations.ShiftColour(ctx, target, "body", "blue")
	require.NoError(t, err, "blacklist mode allows others by default")

	require.NoError(t, a.users.AddProtectionEntry(ctx, "1", "2", ProtectionBlacklist))
	_, err = a.transformations.ShiftColour(ctx, target, "body", "green")
	assert.ErrorIs(t, err, ErrTransformationNotAllowed)

	_, err = a.users.RemoveProtectionEntry(ctx, "1", "2", ProtectionBlacklist)
	require.NoError(t, err)
	_, err = a.servers.SetRequireOptIn(ctx, testGuildID, true)
	require.NoError(t, err)

	_, err = a.transformations.ShiftColour(ctx, target, "body", "green")
	assert.ErrorIs(t, err, ErrTransformationOptInNeeded)

	_, err = a.transformations.ShiftColour(ctx, ShiftTarget{InvokerID: "2", Character: c}, "body", "green")
	require.NoError(t, err, "opt-in only applies in servers")

	require.NoError(t, a.users.SetOptIn(ctx, testGuildID, "1", true))
	_, err = a.transformations.ShiftColour(ctx, target, "body", "red")
	assert.NoError(t, err)

	_, err = a.transformations.ShiftColour(ctx, ShiftTarget{InvokerID: "2"}, "body", "red")
	assert.ErrorIs(t, err, ErrNoCurrentCharacter)
}

func TestTransformationService_Catalog(t *testing.T) {
	a, _ := newTestAmbassador(t)
	ctx := context.Background()

	_, err := a.transformations.CreateColour(ctx, NewColour{Name: "teal", Hex: "teal"})
	assert.ErrorIs(t, err, ErrInvalidHexColour)
	_, err = a.transformations.CreateColour(ctx, NewColour{Name: "teal", Shade: "medium"})
	assert.ErrorIs(t, err, ErrInvalidShade)

	colour, err := a.transformations.CreateColour(ctx, NewColour{Name: "Teal", Hex: "#008080"})
	require.NoError(t, err)
	assert.Equal(t, ShadeNone, colour.Shade)
	_, err = a.transformations.CreateColour(ctx, NewColour{Name: "teal"})
	assert.ErrorIs(t, err, ErrColourNameTaken)

	_, err = a.transformations.CreateSpecies(ctx, NewSpecies{Name: "Otter", FullName: "River Otter"})
	require.NoError(t, err)
	_, err = a.transformations.CreateSpecies(ctx, NewSpecies{Name: "otter"})
	assert.ErrorIs(t, err, ErrSpeciesNameTaken)

	_, err = a.transformations.CreateTransformation(
		ctx, NewTransformation{Species: "otter", Bodypart: "tail", Covering: "fur", DefaultBaseColour: "teal"},
	)
	require.NoError(t, err)
	_, err = a.transformations.CreateTransformation(ctx, NewTransformation{Species: "otter", Bodypart: "tail"})
	assert.ErrorIs(t, err, ErrTransformationExists)
	_, err = a.transformations.CreateTransformation(ctx, NewTransformation{Species: "otter", Bodypart: "fins"})
	assert.ErrorIs(t, err, ErrInvalidBodypart)
	_, err = a.transformations.CreateTransformation(ctx, NewTransformation{Species: "seal", Bodypart: "tail"})
	assert.ErrorIs(t, err, ErrSpeciesNotFound)

	found, err := a.transformations.SearchSpecies(ctx, "ot", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "River Otter", found[0].DisplayName())
}

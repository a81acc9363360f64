package ambassador

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		err      bool
		tooLong  bool
	}{
		{input: "30m", expected: 30 * time.Minute},
		{input: "12h", expected: 12 * time.Hour},
		{input: "3d", expected: 72 * time.Hour},
		{input: "2w", expected: 14 * 24 * time.Hour},
		{input: "1w3d", expected: 10 * 24 * time.Hour},
		{input: " 1D 12H ", expected: 36 * time.Hour},
		{input: "90s", expected: 90 * time.Second},
		{input: "", err: true},
		{input: "0h", err: true},
		{input: "soon", err: true},
		{input: "3 days", err: true},
		{input: "5y", err: true},
		{input: "-1d", err: true},
		{input: "520w", expected: maxDuration},
		{input: "519w7d", expected: maxDuration},
		{input: "521w", tooLong: true},
		{input: "520w1s", tooLong: true},
		{input: "45000w", tooLong: true},
		{input: "9999999999999999999w", tooLong: true},
		{input: "99999999999999999999999s", tooLong: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				d, err := parseDuration(tc.input)
				if tc.tooLong {
					assert.ErrorIs(t, err, ErrDurationTooLong)
					return
				}
				if tc.err {
					assert.ErrorIs(t, err, ErrInvalidDuration)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, d)
			},
		)
	}
}

func TestNameKey(t *testing.T) {
	assert.Equal(t, "the tavern", nameKey("  The   Tavern "))
	assert.Equal(t, nameKey("ROWAN"), nameKey("rowan"))
	assert.Empty(t, nameKey("   "))
}

func TestValidateName(t *testing.T) {
	name, err := validateName("  Rowan ", 10)
	require.NoError(t, err)
	assert.Equal(t, "Rowan", name)

	_, err = validateName("\t ", 10)
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = validateName(strings.Repeat("x", 11), 10)
	assert.ErrorIs(t, err, ErrNameTooLong)

	name, err = validateName("ÄÖÜäöüßéè", 9)
	require.NoError(t, err, "length counts characters, not bytes")
	assert.Equal(t, "ÄÖÜäöüßéè", name)
}

func TestValidateExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.NoError(t, validateExpiry(nil, now))
	assert.NoError(t, validateExpiry(&future, now))
	assert.ErrorIs(t, validateExpiry(&past, now), ErrExpiryInPast)
	assert.ErrorIs(t, validateExpiry(&now, now), ErrExpiryInPast)
}

func TestShortenString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{name: "shorter than limit", input: "Short string", limit: 20, expected: "Short string"},
		{name: "equal to limit", input: "Exactly twenty chars", limit: 20, expected: "Exactly twenty chars"},
		{name: "double newlines", input: "Line 1\n\nLine 2\n\nLine 3", limit: 20, expected: "Line 1\nLine 2\nLine 3"},
		{name: "truncated", input: "a warning reason that is far too long", limit: 20, expected: "a warning reas (...)"},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				got := shortenString(tc.input, tc.limit)
				assert.Equal(t, tc.expected, got)
				assert.LessOrEqual(t, len([]rune(got)), tc.limit)
			},
		)
	}
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Red Fox", titleCase("red fox"))
	assert.Equal(t, "Snow Leopard", titleCase("snow leopard"))
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(15)
	require.NoError(t, err)
	assert.Len(t, s, 16, "odd lengths round up")
}

func TestDiscordInteractionOptions(t *testing.T) {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: commandAutorole,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name: "condition",
						Type: discordgo.ApplicationCommandOptionSubCommandGroup,
						Options: []*discordgo.ApplicationCommandInteractionDataOption{
							{
								Name: "add",
								Type: discordgo.ApplicationCommandOptionSubCommand,
								Options: []*discordgo.ApplicationCommandInteractionDataOption{
									{Name: optionRole, Type: discordgo.ApplicationCommandOptionRole, Value: testRoleID},
									{Name: optionCount, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(5)},
									{Name: optionAffirmation, Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
									stringOpt(optionDuration, "3d"),
								},
							},
						},
					},
				},
			},
		},
	}

	opts := discordInteractionOptions(i)
	assert.Equal(t, "condition add", opts.Subcommand())
	assert.Equal(t, testRoleID, opts.Snowflake(optionRole))
	assert.Equal(t, "3d", opts.String(optionDuration))

	count, ok := opts.Int(optionCount)
	assert.True(t, ok)
	assert.Equal(t, int64(5), count)

	affirm, ok := opts.Bool(optionAffirmation)
	assert.True(t, ok)
	assert.True(t, affirm)

	_, ok = opts.Int("missing")
	assert.False(t, ok)
	assert.Empty(t, opts.String("missing"))
	assert.Nil(t, opts.Focused())
}

package ambassador

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// commandOptions holds the subcommand path and option values of an
// application command interaction.
type commandOptions struct {
	// Path is the subcommand group/subcommand names, if any
	Path    []string
	Options map[string]*discordgo.ApplicationCommandInteractionDataOption
}

// Subcommand returns the path joined with spaces (ex: "condition add")
func (c commandOptions) Subcommand() string {
	return strings.Join(c.Path, " ")
}

func (c commandOptions) String(name string) string {
	if opt, ok := c.Options[name]; ok {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func (c commandOptions) Int(name string) (int64, bool) {
	if opt, ok := c.Options[name]; ok {
		return opt.IntValue(), true
	}
	return 0, false
}

func (c commandOptions) Bool(name string) (bool, bool) {
	if opt, ok := c.Options[name]; ok {
		return opt.BoolValue(), true
	}
	return false, false
}

// Snowflake returns the ID value of a user/role/channel/mentionable option
func (c commandOptions) Snowflake(name string) string {
	opt, ok := c.Options[name]
	if !ok {
		return ""
	}
	if s, isString := opt.Value.(string); isString {
		return s
	}
	return fmt.Sprintf("%v", opt.Value)
}

// Focused returns the option currently being autocompleted, if any
func (c commandOptions) Focused() *discordgo.ApplicationCommandInteractionDataOption {
	for _, opt := range c.Options {
		if opt.Focused {
			return opt
		}
	}
	return nil
}

// discordInteractionOptions flattens the options of an application command
// interaction, descending through subcommand groups and subcommands.
func discordInteractionOptions(i *discordgo.InteractionCreate) commandOptions {
	result := commandOptions{
		Options: map[string]*discordgo.ApplicationCommandInteractionDataOption{},
	}
	options := i.ApplicationCommandData().Options
	for len(options) > 0 {
		first := options[0]
		if first.Type != discordgo.ApplicationCommandOptionSubCommandGroup &&
			first.Type != discordgo.ApplicationCommandOptionSubCommand {
			break
		}
		result.Path = append(result.Path, first.Name)
		options = first.Options
	}
	for _, opt := range options {
		result.Options[opt.Name] = opt
	}
	return result
}

// truncate cuts s to at most n characters
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// shortenString reduces s to at most limit characters, first by collapsing
// double newlines, then by truncating with a suffix noting the cut.
func shortenString(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	const suffix = " (...)"
	keep := limit - utf8.RuneCountInString(suffix)
	if keep <= 0 {
		return strings.TrimSpace(truncate(s, limit))
	}
	return strings.TrimSpace(truncate(s, keep)) + suffix
}

func generateRandomHexString(length int) (string, error) {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// nameKey normalizes a name for case-insensitive uniqueness checks
func nameKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

var titleCaser = cases.Title(language.English)

// titleCase returns s in title case ("red fox" -> "Red Fox")
func titleCase(s string) string {
	return titleCaser.String(s)
}

var (
	durationPart  = regexp.MustCompile(`^(\d+)(w|d|h|m|s)`)
	durationUnits = map[string]time.Duration{
		"w": 7 * 24 * time.Hour,
		"d": 24 * time.Hour,
		"h": time.Hour,
		"m": time.Minute,
		"s": time.Second,
	}
)

// maxDuration caps parsed durations
const maxDuration = 520 * 7 * 24 * time.Hour

// parseDuration parses durations like "30m", "12h", "3d", "2w" or "1w3d".
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.ReplaceAll(s, " ", ""))
	if s == "" {
		return 0, ErrInvalidDuration
	}
	var total time.Duration
	for s != "" {
		m := durationPart.FindStringSubmatch(s)
		if m == nil {
			return 0, ErrInvalidDuration
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return 0, ErrDurationTooLong
			}
			return 0, ErrInvalidDuration
		}
		unit := durationUnits[m[2]]
		if n > int64(maxDuration/unit) {
			return 0, ErrDurationTooLong
		}
		total += time.Duration(n) * unit
		if total > maxDuration {
			return 0, ErrDurationTooLong
		}
		s = s[len(m[0]):]
	}
	if total <= 0 {
		return 0, ErrInvalidDuration
	}
	return total, nil
}

// validateLength returns tooLong if s exceeds maxLength characters
func validateLength(s string, maxLength int, tooLong error) error {
	if utf8.RuneCountInString(s) > maxLength {
		return tooLong
	}
	return nil
}

// validateName trims name and checks it's between 1 and maxLength characters
func validateName(name string, maxLength int) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if err := validateLength(name, maxLength, ErrNameTooLong); err != nil {
		return "", err
	}
	return name, nil
}

// validateExpiry returns ErrExpiryInPast if expiresAt is set and not in
// the future
func validateExpiry(expiresAt *time.Time, now time.Time) error {
	if expiresAt != nil && !expiresAt.After(now) {
		return ErrExpiryInPast
	}
	return nil
}

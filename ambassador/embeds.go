package ambassador

import (
	"fmt"
	"strings"
	"time"

	embed "github.com/Clinet/discordgo-embed"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
)

const (
	colourSuccess  = 0x57F287
	colourError    = 0xED4245
	colourWarning  = 0xFEE75C
	colourBan      = 0x992D22
	colourInfo     = 0x5865F2
	colourRoleplay = 0xEB459E
	colourNeutral  = 0x99AAB5

	embedListLimit = 20
)

func userMention(id string) string {
	if id == "" {
		return "automatic"
	}
	return "<@" + id + ">"
}

func channelMention(id string) string {
	if id == "" {
		return "none"
	}
	return "<#" + id + ">"
}

func roleMention(id string) string {
	if id == "" {
		return "none"
	}
	return "<@&" + id + ">"
}

// expiryText renders an expiry as a discord timestamp, plus a relative
// time for clients that don't render them
func expiryText(expiresAt *time.Time, now time.Time) string {
	if expiresAt == nil {
		return "never"
	}
	return fmt.Sprintf(
		"<t:%d:f> (%s)",
		expiresAt.Unix(),
		humanize.RelTime(*expiresAt, now, "ago", "from now"),
	)
}

func errorEmbed(message string) *discordgo.MessageEmbed {
	return embed.NewEmbed().
		SetTitle("Error").
		SetDescription(truncate(message, discordMaxEmbedDescription)).
		SetColor(colourError).MessageEmbed
}

func successEmbed(title string, message string) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle(title).SetColor(colourSuccess)
	if message != "" {
		e.SetDescription(truncate(message, discordMaxEmbedDescription))
	}
	return e.MessageEmbed
}

func moderationLogEmbed(entry moderationLogEntry, now time.Time) *discordgo.MessageEmbed {
	colour := colourWarning
	if strings.HasPrefix(entry.Action, "Ban") {
		colour = colourBan
	}
	e := embed.NewEmbed().
		SetTitle(entry.Action).
		SetColor(colour).
		AddField("User", userMention(entry.TargetID)).
		AddField("Moderator", userMention(entry.AuthorID))
	if entry.Reason != "" {
		e.AddField("Reason", entry.Reason)
	}
	if entry.ExpiresAt != nil {
		e.AddField("Expires", expiryText(entry.ExpiresAt, now))
	}
	if entry.ActiveWarnings > 0 {
		e.AddField("Active warnings", humanize.Comma(entry.ActiveWarnings))
	}
	e.InlineAllFields()
	e.Timestamp = now.UTC().Format(time.RFC3339)
	return e.Truncate().MessageEmbed
}

func warningResultEmbed(result *WarningResult, now time.Time) *discordgo.MessageEmbed {
	w := result.Warning
	e := embed.NewEmbed().
		SetTitle(fmt.Sprintf("Warning #%d issued", w.ID)).
		SetColor(colourWarning).
		SetDescription(fmt.Sprintf("%s was warned: %s", userMention(w.UserID), w.Reason)).
		AddField("Active warnings", humanize.Comma(result.ActiveWarnings)).
		AddField("Expires", expiryText(w.ExpiresAt, now))
	if result.Ban != nil {
		e.AddField("Banned", "The warning threshold was reached, so they've been banned")
	}
	return e.Truncate().MessageEmbed
}

func warningListEmbed(userID string, warnings []UserWarning, now time.Time) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle("Warnings").SetColor(colourWarning)
	if len(warnings) == 0 {
		return e.SetDescription(userMention(userID) + " has no warnings").MessageEmbed
	}
	var active int
	for ind, w := range warnings {
		if w.Active(now) {
			active++
		}
		if ind >= embedListLimit {
			continue
		}
		status := "active"
		if !w.Active(now) {
			status = "expired"
		}
		e.AddField(
			fmt.Sprintf("#%d (%s)", w.ID, status),
			fmt.Sprintf(
				"%s\nby %s, expires %s",
				w.Reason,
				userMention(w.AuthorID),
				expiryText(w.ExpiresAt, now),
			),
		)
	}
	e.SetDescription(
		fmt.Sprintf(
			"%s has %s active %s (%s total)",
			userMention(userID),
			humanize.Comma(int64(active)),
			english.PluralWord(active, "warning", ""),
			humanize.Comma(int64(len(warnings))),
		),
	)
	return e.Truncate().MessageEmbed
}

func banEmbed(title string, ban *UserBan, now time.Time) *discordgo.MessageEmbed {
	return embed.NewEmbed().
		SetTitle(title).
		SetColor(colourBan).
		AddField("User", userMention(ban.UserID)).
		AddField("Moderator", userMention(ban.AuthorID)).
		AddField("Reason", ban.Reason).
		AddField("Expires", expiryText(ban.ExpiresAt, now)).
		InlineAllFields().
		Truncate().MessageEmbed
}

func banListEmbed(bans []UserBan, now time.Time) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle("Bans").SetColor(colourBan)
	if len(bans) == 0 {
		return e.SetDescription("Nobody is banned through the bot").MessageEmbed
	}
	for ind, b := range bans {
		if ind >= embedListLimit {
			e.SetFooter(fmt.Sprintf("and %d more", len(bans)-embedListLimit))
			break
		}
		e.AddField(
			"Ban #"+fmt.Sprint(b.ID),
			fmt.Sprintf(
				"%s: %s\nexpires %s",
				userMention(b.UserID),
				b.Reason,
				expiryText(b.ExpiresAt, now),
			),
		)
	}
	return e.Truncate().MessageEmbed
}

func noteListEmbed(userID string, notes []UserNote) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle("Notes").SetColor(colourNeutral)
	if len(notes) == 0 {
		return e.SetDescription(userMention(userID) + " has no notes").MessageEmbed
	}
	e.SetDescription(fmt.Sprintf("Notes about %s", userMention(userID)))
	for ind, n := range notes {
		if ind >= embedListLimit {
			e.SetFooter(fmt.Sprintf("and %d more", len(notes)-embedListLimit))
			break
		}
		e.AddField(
			fmt.Sprintf("#%d", n.ID),
			fmt.Sprintf("%s\nby %s <t:%d:R>", n.Content, userMention(n.AuthorID), n.CreatedAt/1000),
		)
	}
	return e.Truncate().MessageEmbed
}

// characterEmbed shows a character's profile. desc is optional.
func characterEmbed(c *Character, desc *AppearanceDescription) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle(c.DisplayName()).SetColor(colourInfo)
	if c.Nickname != "" {
		e.SetAuthor(c.Name)
	}
	if c.AvatarURL != "" {
		e.SetThumbnail(c.AvatarURL)
	}
	var body []string
	if c.Summary != "" {
		body = append(body, "*"+c.Summary+"*")
	}
	if c.Description != "" {
		body = append(body, c.Description)
	}
	if desc != nil && desc.Text != "" {
		body = append(body, desc.Text)
		if desc.Colour != nil && desc.Colour.Hex != "" {
			e.SetColor(desc.Colour.Int())
		}
		if desc.Species != nil {
			e.AddField("Species", titleCase(desc.Species.DisplayName()))
		}
		if desc.Colour != nil && desc.Colour.Name != "" {
			e.AddField("Colour", titleCase(desc.Colour.Name))
		}
	}
	if len(body) > 0 {
		e.SetDescription(truncate(strings.Join(body, "\n\n"), discordMaxEmbedDescription))
	}
	e.AddField("Pronouns", string(c.Pronouns))
	if c.NSFW {
		e.AddField("NSFW", "yes")
	}
	e.AddField("Owner", userMention(c.OwnerID))
	e.InlineAllFields()
	return e.Truncate().MessageEmbed
}

func characterListEmbed(ownerID string, characters []Character, current *uint) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle("Characters").SetColor(colourInfo)
	if len(characters) == 0 {
		return e.SetDescription(userMention(ownerID) + " has no characters").MessageEmbed
	}
	lines := make([]string, 0, len(characters))
	for _, c := range characters {
		line := "- " + c.Name
		if c.Nickname != "" {
			line += fmt.Sprintf(" (%s)", c.Nickname)
		}
		if current != nil && *current == c.ID {
			line += " **(current)**"
		}
		if c.Summary != "" {
			line += ": " + c.Summary
		}
		lines = append(lines, line)
	}
	e.SetDescription(truncate(strings.Join(lines, "\n"), discordMaxEmbedDescription))
	e.SetFooter(fmt.Sprintf("%d %s", len(characters), english.PluralWord(len(characters), "character", "")))
	return e.MessageEmbed
}

// shiftEmbed announces a transformation
func shiftEmbed(c *Character, message string) *discordgo.MessageEmbed {
	e := embed.NewEmbed().
		SetTitle(c.DisplayName()).
		SetDescription(truncate(message, discordMaxEmbedDescription)).
		SetColor(colourRoleplay)
	if c.AvatarURL != "" {
		e.SetThumbnail(c.AvatarURL)
	}
	return e.MessageEmbed
}

func serverSettingsEmbed(s *Server) *discordgo.MessageEmbed {
	threshold := "disabled"
	if s.WarningThreshold > 0 {
		threshold = fmt.Sprint(s.WarningThreshold)
	}
	optIn := "not required"
	if s.RequireTransformationOptIn {
		optIn = "required"
	}
	title := "Server settings"
	if s.Name != "" {
		title = s.Name
	}
	return embed.NewEmbed().
		SetTitle(title).
		SetColor(colourInfo).
		AddField("Moderation log", channelMention(s.ModerationLogChannelID)).
		AddField("Warning threshold", threshold).
		AddField("Moderator role", roleMention(s.ModeratorRoleID)).
		AddField("Transformation opt-in", optIn).
		InlineAllFields().MessageEmbed
}

func autoroleEmbed(cfg *AutoroleConfiguration) *discordgo.MessageEmbed {
	status := "enabled"
	if !cfg.Enabled {
		status = "disabled"
	}
	e := embed.NewEmbed().
		SetTitle("Autorole").
		SetColor(colourInfo).
		SetDescription(fmt.Sprintf("%s (%s)", roleMention(cfg.RoleID), status))
	if cfg.RequiresAffirmation {
		e.AddField("Affirmation", "Members must run `/autorole affirm` to receive this role")
	}
	if len(cfg.Conditions) == 0 {
		e.AddField("Conditions", "none (every member qualifies)")
		return e.Truncate().MessageEmbed
	}
	lines := make([]string, 0, len(cfg.Conditions))
	for _, row := range cfg.Conditions {
		text := string(row.Type)
		if cond, err := row.Condition(); err == nil {
			text = cond.String()
		}
		lines = append(lines, fmt.Sprintf("`#%d` %s", row.ID, text))
	}
	e.AddField("Conditions", strings.Join(lines, "\n"))
	return e.Truncate().MessageEmbed
}

func autoroleListEmbed(configs []AutoroleConfiguration) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle("Autoroles").SetColor(colourInfo)
	if len(configs) == 0 {
		return e.SetDescription("No autoroles are configured").MessageEmbed
	}
	lines := make([]string, 0, len(configs))
	for _, cfg := range configs {
		line := fmt.Sprintf(
			"- %s: %d %s",
			roleMention(cfg.RoleID),
			len(cfg.Conditions),
			english.PluralWord(len(cfg.Conditions), "condition", ""),
		)
		if !cfg.Enabled {
			line += " (disabled)"
		}
		if cfg.RequiresAffirmation {
			line += " (affirmation)"
		}
		lines = append(lines, line)
	}
	return e.SetDescription(truncate(strings.Join(lines, "\n"), discordMaxEmbedDescription)).MessageEmbed
}

func activityEmbed(userID string, messages int64, lastActivity time.Time, now time.Time) *discordgo.MessageEmbed {
	last := "never"
	if !lastActivity.IsZero() {
		last = humanize.RelTime(lastActivity, now, "ago", "from now")
	}
	return embed.NewEmbed().
		SetTitle("Activity").
		SetColor(colourNeutral).
		SetDescription(userMention(userID)).
		AddField("Messages", humanize.Comma(messages)).
		AddField("Last active", last).
		InlineAllFields().MessageEmbed
}

func roleplayEmbed(rp *Roleplay) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle(rp.Name).SetColor(colourRoleplay)
	if rp.Summary != "" {
		e.SetDescription(rp.Summary)
	}
	status := "inactive"
	if rp.Active {
		status = "active in " + channelMention(rp.ChannelID)
	}
	visibility := "private"
	if rp.Public {
		visibility = "public"
	}
	e.AddField("Owner", userMention(rp.OwnerID)).
		AddField("Status", status).
		AddField("Visibility", visibility)
	if rp.NSFW {
		e.AddField("NSFW", "yes")
	}
	if rp.LastActivityAt != nil {
		e.AddField("Last activity", fmt.Sprintf("<t:%d:R>", rp.LastActivityAt.Unix()))
	}
	participants := make([]string, 0, len(rp.Participants))
	for _, p := range rp.Participants {
		participants = append(participants, userMention(p.UserID))
	}
	if len(participants) > 0 {
		e.AddField(
			fmt.Sprintf("Participants (%d)", len(participants)),
			strings.Join(participants, ", "),
		)
	}
	return e.Truncate().MessageEmbed
}

func roleplayListEmbed(roleplays []Roleplay) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle("Roleplays").SetColor(colourRoleplay)
	if len(roleplays) == 0 {
		return e.SetDescription("No roleplays found").MessageEmbed
	}
	lines := make([]string, 0, len(roleplays))
	for _, rp := range roleplays {
		line := "- **" + rp.Name + "**"
		if rp.Active {
			line += " (active in " + channelMention(rp.ChannelID) + ")"
		}
		if rp.Summary != "" {
			line += ": " + rp.Summary
		}
		lines = append(lines, line)
	}
	return e.SetDescription(truncate(strings.Join(lines, "\n"), discordMaxEmbedDescription)).MessageEmbed
}

// roleplayLogEmbed renders recorded messages as a transcript
func roleplayLogEmbed(rp *Roleplay, messages []RoleplayMessage) *discordgo.MessageEmbed {
	e := embed.NewEmbed().SetTitle(rp.Name + " log").SetColor(colourRoleplay)
	if len(messages) == 0 {
		return e.SetDescription("Nothing has been recorded yet").MessageEmbed
	}
	var b strings.Builder
	for _, m := range messages {
		line := fmt.Sprintf("%s: %s\n", userMention(m.AuthorID), m.Content)
		if b.Len()+len(line) > discordMaxEmbedDescription {
			break
		}
		b.WriteString(line)
	}
	e.SetDescription(b.String())
	e.SetFooter(fmt.Sprintf("%d %s", len(messages), english.PluralWord(len(messages), "message", "")))
	return e.MessageEmbed
}

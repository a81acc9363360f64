package ambassador

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Pronouns selects the pronoun set used in generated descriptions
type Pronouns string

const (
	PronounsFeminine  Pronouns = "feminine"
	PronounsMasculine Pronouns = "masculine"
	PronounsNeutral   Pronouns = "neutral"
	PronounsPlural    Pronouns = "plural"
)

type pronounSet struct {
	subject    string
	object     string
	possessive string
	reflexive  string
	plural     bool
}

var pronounSets = map[Pronouns]pronounSet{
	PronounsFeminine:  {subject: "she", object: "her", possessive: "her", reflexive: "herself"},
	PronounsMasculine: {subject: "he", object: "him", possessive: "his", reflexive: "himself"},
	PronounsNeutral:   {subject: "it", object: "it", possessive: "its", reflexive: "itself"},
	PronounsPlural:    {subject: "they", object: "them", possessive: "their", reflexive: "themselves", plural: true},
}

func parsePronouns(s string) (Pronouns, error) {
	p := Pronouns(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := pronounSets[p]; !ok {
		return "", ErrInvalidPronouns
	}
	return p, nil
}

// textContext holds the values substituted into transformation text
// templates. Supported tokens:
//
//	{@target}        character name
//	{@they} {@them} {@their} {@themselves}
//	{@is} {@has}     verbs agreeing with the pronouns
//	{@species}       species name, with an article ("a wolf")
//	{@bodypart}      bodypart name
//	{@colour}        base colour name
//	{@pattern}       pattern name
//	{@patterncolour} pattern colour name
//	{@covering}      covering (fur, scales...)
type textContext struct {
	target        string
	pronouns      pronounSet
	species       string
	bodypart      Bodypart
	colour        string
	pattern       Pattern
	patternColour string
	covering      string
}

func newTextContext(character *Character) textContext {
	set, ok := pronounSets[character.Pronouns]
	if !ok {
		set = pronounSets[PronounsPlural]
	}
	return textContext{target: character.DisplayName(), pronouns: set}
}

func (t textContext) render(template string) string {
	is, has := "is", "has"
	if t.pronouns.plural {
		is, has = "are", "have"
	}
	pattern := ""
	if t.pattern != PatternNone {
		pattern = string(t.pattern)
	}
	r := strings.NewReplacer(
		"{@target}", t.target,
		"{@they}", t.pronouns.subject,
		"{@them}", t.pronouns.object,
		"{@their}", t.pronouns.possessive,
		"{@themselves}", t.pronouns.reflexive,
		"{@is}", is,
		"{@has}", has,
		"{@species}", withArticle(t.species),
		"{@bodypart}", string(t.bodypart),
		"{@colour}", t.colour,
		"{@pattern}", pattern,
		"{@patterncolour}", t.patternColour,
		"{@covering}", t.covering,
	)
	return capitalizeSentences(collapseSpaces(r.Replace(template)))
}

// withArticle prefixes s with "a" or "an"
func withArticle(s string) string {
	if s == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(s)
	if strings.ContainsRune("aeiouAEIOU", r) {
		return "an " + s
	}
	return "a " + s
}

func collapseSpaces(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, " ,", ",")
	return strings.ReplaceAll(s, " .", ".")
}

// capitalizeSentences upper-cases the first letter of each sentence
func capitalizeSentences(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	capNext := true
	for _, r := range s {
		switch {
		case capNext && unicode.IsLetter(r):
			b.WriteRune(unicode.ToUpper(r))
			capNext = false
		case r == '.' || r == '!' || r == '?':
			b.WriteRune(r)
			capNext = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// joinList joins items as "a", "a and b", or "a, b and c"
func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

// resolvedComponent is an AppearanceComponent with its references loaded
type resolvedComponent struct {
	AppearanceComponent
	transformation Transformation
	species        Species
	baseColour     *Colour
	patternColour  *Colour
}

func (c resolvedComponent) textContext(base textContext) textContext {
	base.species = c.species.Name
	base.bodypart = c.Bodypart
	base.covering = c.transformation.Covering
	base.pattern = c.Pattern
	if base.pattern == "" {
		base.pattern = PatternNone
	}
	if c.baseColour != nil {
		base.colour = c.baseColour.Name
	}
	if c.patternColour != nil {
		base.patternColour = c.patternColour.Name
	}
	return base
}

// groupKey identifies components which can share one generated sentence
func (c resolvedComponent) groupKey() string {
	var base, pattern uint
	if c.BaseColourID != nil {
		base = *c.BaseColourID
	}
	if c.PatternColourID != nil {
		pattern = *c.PatternColourID
	}
	return fmt.Sprintf(
		"%d/%s/%d/%s/%d",
		c.species.ID, c.transformation.Covering, base, c.Pattern, pattern,
	)
}

// coveringClause returns ", covered in grey fur with white striped markings"
// or an empty string if there's nothing to say
func coveringClause(ctx textContext) string {
	var b strings.Builder
	if ctx.covering != "" {
		b.WriteString(", covered in ")
		if ctx.colour != "" {
			b.WriteString(ctx.colour + " ")
		}
		b.WriteString(ctx.covering)
	} else if ctx.colour != "" {
		b.WriteString(", " + ctx.colour + " in colour")
	}
	if ctx.pattern != PatternNone && ctx.pattern != "" {
		if b.Len() == 0 {
			b.WriteString(",")
		}
		b.WriteString(" with ")
		if ctx.patternColour != "" {
			b.WriteString(ctx.patternColour + " ")
		}
		b.WriteString(string(ctx.pattern) + " markings")
	}
	return b.String()
}

// describeGroup renders the generic sentence for one or more parts of
// the same species, colour and pattern
func describeGroup(group []resolvedComponent, base textContext) string {
	first := group[0]
	ctx := first.textContext(base)

	names := make([]string, 0, len(group))
	plural := len(group) > 1
	for _, c := range group {
		names = append(names, string(c.Bodypart))
		if c.Bodypart.IsPlural() {
			plural = true
		}
	}
	verb, that := "is", "that"
	if plural {
		verb, that = "are", "those"
	}

	if len(group) == 1 && first.Bodypart == BodypartHair {
		return ctx.render(
			fmt.Sprintf(
				"{@their} hair is %s%d centimetres long%s.",
				colourPrefix(ctx.colour),
				first.HairLength,
				patternSuffix(ctx),
			),
		)
	}

	return ctx.render(
		fmt.Sprintf(
			"{@their} %s %s %s of {@species}%s.",
			joinList(names), verb, that, coveringClause(ctx),
		),
	)
}

func colourPrefix(colour string) string {
	if colour == "" {
		return ""
	}
	return colour + ", "
}

func patternSuffix(ctx textContext) string {
	if ctx.pattern == PatternNone || ctx.pattern == "" {
		return ""
	}
	if ctx.patternColour == "" {
		return fmt.Sprintf(" with %s streaks", ctx.pattern)
	}
	return fmt.Sprintf(" with %s %s streaks", ctx.patternColour, ctx.pattern)
}

// describeAppearance renders the full description of an appearance.
// Components must be sorted in bodypart order. Consecutive parts without
// a custom description are merged when they share species, colour and
// pattern.
func describeAppearance(character *Character, a *Appearance, components []resolvedComponent) string {
	base := newTextContext(character)
	var sentences []string

	sentences = append(
		sentences,
		base.render(
			fmt.Sprintf(
				"{@target} stands %d centimetres tall and weighs %d kilograms, with %s build.",
				a.Height,
				a.Weight,
				buildDescription(a.Muscularity, a.Fatness),
			),
		),
	)

	var group []resolvedComponent
	flush := func() {
		if len(group) > 0 {
			sentences = append(sentences, describeGroup(group, base))
			group = nil
		}
	}

	for _, c := range components {
		if c.transformation.Description != "" {
			flush()
			sentences = append(sentences, c.textContext(base).render(c.transformation.Description))
			continue
		}
		if c.Bodypart == BodypartHair {
			flush()
			group = append(group, c)
			flush()
			continue
		}
		if len(group) > 0 && group[0].groupKey() != c.groupKey() {
			flush()
		}
		group = append(group, c)
	}
	flush()

	return strings.Join(sentences, " ")
}

func buildDescription(muscularity, fatness int) string {
	var parts []string
	switch {
	case muscularity >= 75:
		parts = append(parts, "muscular")
	case muscularity <= 25:
		parts = append(parts, "slight")
	}
	switch {
	case fatness >= 75:
		parts = append(parts, "heavyset")
	case fatness <= 25:
		parts = append(parts, "lean")
	}
	if len(parts) == 0 {
		return "an average"
	}
	return withArticle(strings.Join(parts, ", "))
}

// shiftMessage renders the message for a part shifting into a new species
func shiftMessage(c resolvedComponent, base textContext) string {
	ctx := c.textContext(base)
	if c.transformation.ShiftMessage != "" {
		return ctx.render(c.transformation.ShiftMessage)
	}
	return ctx.render(
		fmt.Sprintf(
			"{@target}'s {@bodypart} %s, becoming %s of {@species}%s.",
			pluralVerb(c.Bodypart, "shifts and reshapes", "shift and reshape"),
			thatOrThose(c.Bodypart),
			coveringClause(ctx),
		),
	)
}

// growMessage renders the message for a part being added
func growMessage(c resolvedComponent, base textContext) string {
	ctx := c.textContext(base)
	if c.transformation.GrowMessage != "" {
		return ctx.render(c.transformation.GrowMessage)
	}
	return ctx.render(
		fmt.Sprintf(
			"{@target} grows the {@bodypart} of {@species}%s.",
			coveringClause(ctx),
		),
	)
}

func removeMessage(part Bodypart, base textContext) string {
	base.bodypart = part
	verb := "recedes"
	if part.IsPlural() {
		verb = "recede"
	}
	return base.render(fmt.Sprintf("{@target}'s {@bodypart} %s and vanish%s.", verb, pluralS(!part.IsPlural(), "es")))
}

func colourMessage(c resolvedComponent, base textContext) string {
	ctx := c.textContext(base)
	return ctx.render(
		fmt.Sprintf(
			"{@target}'s {@bodypart} %s colour, becoming {@colour}.",
			pluralVerb(c.Bodypart, "changes", "change"),
		),
	)
}

func patternMessage(c resolvedComponent, base textContext) string {
	ctx := c.textContext(base)
	if ctx.pattern == PatternNone {
		return ctx.render(
			fmt.Sprintf(
				"The markings on {@target}'s {@bodypart} fade away, leaving %s plain {@colour}.",
				itOrThem(c.Bodypart),
			),
		)
	}
	return ctx.render(
		"{@patterncolour} {@pattern} markings spread across {@target}'s {@bodypart}.",
	)
}

func sizeMessage(c resolvedComponent, base textContext, grew bool) string {
	ctx := c.textContext(base)
	change := "shrink"
	if grew {
		change = "grow"
	}
	if !c.Bodypart.IsPlural() {
		change += "s"
	}
	return ctx.render(fmt.Sprintf("{@target}'s {@bodypart} %s.", change))
}

func hairLengthMessage(c resolvedComponent, base textContext) string {
	ctx := c.textContext(base)
	return ctx.render(
		fmt.Sprintf("{@target}'s hair shifts, now %d centimetres long.", c.HairLength),
	)
}

func thatOrThose(part Bodypart) string {
	if part.IsPlural() {
		return "those"
	}
	return "that"
}

func itOrThem(part Bodypart) string {
	if part.IsPlural() {
		return "them"
	}
	return "it"
}

func pluralVerb(part Bodypart, singular string, plural string) string {
	if part.IsPlural() {
		return plural
	}
	return singular
}

func pluralS(ok bool, suffix string) string {
	if ok {
		return suffix
	}
	return ""
}

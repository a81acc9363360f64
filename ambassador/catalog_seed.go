package ambassador

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type seedColour struct {
	name  string
	shade Shade
	hex   string
}

var seedColours = []seedColour{
	{"black", ShadeDark, "#1b1b1b"},
	{"white", ShadeLight, "#f5f5f5"},
	{"grey", ShadeNone, "#8a8a8a"},
	{"silver", ShadeLight, "#c0c0c0"},
	{"brown", ShadeDark, "#7b4a2d"},
	{"tan", ShadeLight, "#d2b48c"},
	{"cream", ShadeLight, "#f3e5c0"},
	{"ginger", ShadeNone, "#c8642a"},
	{"golden", ShadeLight, "#d4a017"},
	{"red", ShadeNone, "#b22222"},
	{"orange", ShadeNone, "#ff8c00"},
	{"yellow", ShadeLight, "#f2d600"},
	{"green", ShadeNone, "#2e8b57"},
	{"blue", ShadeNone, "#2f5fbf"},
	{"purple", ShadeDark, "#6a3d9a"},
	{"pink", ShadeLight, "#f4a6c0"},
	{"amber", ShadeNone, "#ffbf00"},
}

type seedPart struct {
	covering      string
	colour        string
	pattern       Pattern
	patternColour string
	description   string
	shiftMessage  string
	growMessage   string
}

type seedSpeciesEntry struct {
	name        string
	fullName    string
	description string

	// covering and colour apply to every part without its own
	covering string
	colour   string
	parts    map[Bodypart]seedPart
}

var corePartsWithHair = []Bodypart{
	BodypartHead, BodypartFace, BodypartEyes, BodypartEars, BodypartHair,
	BodypartBody, BodypartArms, BodypartHands, BodypartLegs, BodypartFeet,
}

func withParts(parts []Bodypart, overrides map[Bodypart]seedPart, extra ...Bodypart) map[Bodypart]seedPart {
	m := make(map[Bodypart]seedPart, len(parts)+len(extra))
	for _, p := range append(append([]Bodypart{}, parts...), extra...) {
		m[p] = overrides[p]
	}
	return m
}

var seedSpecies = []seedSpeciesEntry{
	{
		name:        templateSpeciesName,
		fullName:    "Template",
		description: "The starting shape of every new character.",
		covering:    "skin",
		colour:      "tan",
		parts: withParts(
			corePartsWithHair,
			map[Bodypart]seedPart{
				BodypartEyes: {covering: "-", colour: "brown"},
				BodypartHair: {covering: "-", colour: "brown"},
			},
		),
	},
	{
		name:        "human",
		fullName:    "Human",
		description: "An ordinary human.",
		covering:    "skin",
		colour:      "tan",
		parts: withParts(
			corePartsWithHair,
			map[Bodypart]seedPart{
				BodypartEyes: {covering: "-", colour: "blue"},
				BodypartHair: {covering: "-", colour: "brown"},
			},
		),
	},
	{
		name:        "wolf",
		fullName:    "Grey Wolf",
		description: "A large canine, at home in packs.",
		covering:    "fur",
		colour:      "grey",
		parts: withParts(
			corePartsWithHair,
			map[Bodypart]seedPart{
				BodypartEyes: {covering: "-", colour: "amber"},
				BodypartHair: {colour: "grey"},
				BodypartBody: {
					shiftMessage: "{@target}'s body ripples as thick {@colour} fur spreads across it, " +
						"{@their} frame reshaping into that of {@species}.",
				},
				BodypartTail: {
					description: "A bushy {@colour} wolf's tail sways behind {@them}.",
					growMessage: "{@target} shivers as a bushy {@colour} wolf's tail pushes out behind {@them}.",
				},
			},
			BodypartTail,
		),
	},
	{
		name:        "fox",
		fullName:    "Red Fox",
		description: "A small, clever canine.",
		covering:    "fur",
		colour:      "ginger",
		parts: withParts(
			corePartsWithHair,
			map[Bodypart]seedPart{
				BodypartEyes: {covering: "-", colour: "amber"},
				BodypartFeet: {colour: "black"},
				BodypartTail: {pattern: PatternTipped, patternColour: "white"},
			},
			BodypartTail,
		),
	},
	{
		name:        "cat",
		fullName:    "Domestic Cat",
		description: "A small, agile feline.",
		covering:    "fur",
		colour:      "black",
		parts: withParts(
			corePartsWithHair,
			map[Bodypart]seedPart{
				BodypartEyes: {covering: "-", colour: "green"},
			},
			BodypartTail,
		),
	},
	{
		name:        "dragon",
		fullName:    "Dragon",
		description: "A great winged reptile.",
		covering:    "scales",
		colour:      "red",
		parts: withParts(
			corePartsWithHair,
			map[Bodypart]seedPart{
				BodypartEyes:  {covering: "-", colour: "golden"},
				BodypartHorns: {covering: "-", colour: "cream"},
				BodypartWings: {
					covering: "membrane",
					growMessage: "With a sound like tearing canvas, a pair of great {@colour} wings unfurl " +
						"from {@target}'s back.",
				},
			},
			BodypartTail,
			BodypartWings,
			BodypartHorns,
		),
	},
	{
		name:        "shark",
		fullName:    "Shark",
		description: "A sleek predator of the open sea.",
		covering:    "skin",
		colour:      "grey",
		parts: withParts(
			[]Bodypart{
				BodypartHead, BodypartFace, BodypartEyes, BodypartEars,
				BodypartBody, BodypartArms, BodypartHands, BodypartLegs, BodypartFeet,
			},
			map[Bodypart]seedPart{
				BodypartEyes: {covering: "-", colour: "black"},
				BodypartBody: {pattern: PatternBanded, patternColour: "white"},
			},
			BodypartTail,
		),
	},
}

// SeedResult counts the catalog rows created by [TransformationService.Seed]
type SeedResult struct {
	Species         int `json:"species"`
	Colours         int `json:"colours"`
	Transformations int `json:"transformations"`
}

// SeedCatalog seeds the catalog in an already migrated database, without
// starting the bot
func SeedCatalog(ctx context.Context, db *gorm.DB, databaseType string) (SeedResult, error) {
	writeDB := NewDatabase(db, nil, databaseType == dbTypePostgres)
	users := NewUserService(writeDB, nil, DefaultUserCacheTTL)
	return NewTransformationService(writeDB, users, nil, nil).Seed(ctx)
}

// Seed creates the built-in species, colours and transformations. Rows
// which already exist are left alone, so it's safe to run repeatedly.
func (s *TransformationService) Seed(ctx context.Context) (SeedResult, error) {
	var result SeedResult
	for _, c := range seedColours {
		_, err := s.CreateColour(ctx, NewColour{Name: c.name, Shade: string(c.shade), Hex: c.hex})
		switch {
		case errors.Is(err, ErrColourNameTaken):
		case err != nil:
			return result, fmt.Errorf("error seeding colour %q: %w", c.name, err)
		default:
			result.Colours++
		}
	}

	for _, sp := range seedSpecies {
		_, err := s.CreateSpecies(
			ctx,
			NewSpecies{Name: sp.name, FullName: sp.fullName, Description: sp.description},
		)
		switch {
		case errors.Is(err, ErrSpeciesNameTaken):
		case err != nil:
			return result, fmt.Errorf("error seeding species %q: %w", sp.name, err)
		default:
			result.Species++
		}

		for _, part := range bodypartOrder {
			p, ok := sp.parts[part]
			if !ok {
				continue
			}
			_, err = s.CreateTransformation(ctx, sp.transformation(part, p))
			switch {
			case errors.Is(err, ErrTransformationExists):
			case err != nil:
				return result, fmt.Errorf("error seeding %s %s: %w", sp.name, part, err)
			default:
				result.Transformations++
			}
		}
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"seeded catalog",
		"species", result.Species,
		"colours", result.Colours,
		"transformations", result.Transformations,
	)
	return result, nil
}

// transformation builds the transformation for one part. A covering
// of "-" means the part has no covering.
func (sp seedSpeciesEntry) transformation(part Bodypart, p seedPart) NewTransformation {
	covering := p.covering
	switch covering {
	case "":
		covering = sp.covering
	case "-":
		covering = ""
	}
	if part == BodypartHair && p.covering == "" {
		covering = ""
	}
	colour := p.colour
	if colour == "" {
		colour = sp.colour
	}
	return NewTransformation{
		Species:              sp.name,
		Bodypart:             string(part),
		Covering:             covering,
		Description:          p.description,
		ShiftMessage:         p.shiftMessage,
		GrowMessage:          p.growMessage,
		DefaultBaseColour:    colour,
		DefaultPattern:       string(p.pattern),
		DefaultPatternColour: p.patternColour,
	}
}

//nolint:lll // struct tags can't be split
package ambassador

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxSpeciesNameLength       = 64
	MaxSpeciesFullNameLength   = 128
	MaxSpeciesDescriptionLen   = 1000
	MaxColourNameLength        = 64
	MaxTransformationTextLen   = 1000
	MaxCoveringLength          = 32
	minComponentSize           = 1
	maxComponentSize           = 100
	maxHairLength              = 500
	defaultComponentSize       = 50
	templateSpeciesName        = "template"
	minAppearanceHeight        = 30
	maxAppearanceHeight        = 1000
	minAppearanceWeight        = 5
	maxAppearanceWeight        = 2000
	defaultAppearanceHeight    = 170
	defaultAppearanceWeight    = 70
	defaultAppearanceFatness   = 50
	defaultAppearanceMuscle    = 50
	defaultAppearanceHairLenCM = 15
)

var hexColourPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Bodypart is a part of a character's body which can be transformed
type Bodypart string

const (
	BodypartHead  Bodypart = "head"
	BodypartFace  Bodypart = "face"
	BodypartEyes  Bodypart = "eyes"
	BodypartEars  Bodypart = "ears"
	BodypartHair  Bodypart = "hair"
	BodypartBody  Bodypart = "body"
	BodypartArms  Bodypart = "arms"
	BodypartHands Bodypart = "hands"
	BodypartLegs  Bodypart = "legs"
	BodypartFeet  Bodypart = "feet"
	BodypartTail  Bodypart = "tail"
	BodypartWings Bodypart = "wings"
	BodypartHorns Bodypart = "horns"
)

type bodypartInfo struct {
	// choice parts may be grown and removed, core parts are always present
	choice bool
	plural bool
}

// bodypartOrder is the order parts are described in
var bodypartOrder = []Bodypart{
	BodypartHead,
	BodypartFace,
	BodypartEyes,
	BodypartEars,
	BodypartHorns,
	BodypartHair,
	BodypartBody,
	BodypartArms,
	BodypartHands,
	BodypartLegs,
	BodypartFeet,
	BodypartTail,
	BodypartWings,
}

var bodyparts = map[Bodypart]bodypartInfo{
	BodypartHead:  {},
	BodypartFace:  {},
	BodypartEyes:  {plural: true},
	BodypartEars:  {plural: true},
	BodypartHair:  {choice: true},
	BodypartBody:  {},
	BodypartArms:  {plural: true},
	BodypartHands: {plural: true},
	BodypartLegs:  {plural: true},
	BodypartFeet:  {plural: true},
	BodypartTail:  {choice: true},
	BodypartWings: {choice: true, plural: true},
	BodypartHorns: {choice: true, plural: true},
}

func parseBodypart(s string) (Bodypart, error) {
	b := Bodypart(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := bodyparts[b]; !ok {
		return "", ErrInvalidBodypart
	}
	return b, nil
}

func (b Bodypart) IsChoice() bool {
	return bodyparts[b].choice
}

func (b Bodypart) IsPlural() bool {
	return bodyparts[b].plural
}

func (b Bodypart) order() int {
	for i, p := range bodypartOrder {
		if p == b {
			return i
		}
	}
	return len(bodypartOrder)
}

// corePart reports whether every appearance has this part
func corePart(b Bodypart) bool {
	return !b.IsChoice()
}

// Pattern is a marking drawn over a bodypart's base colour
type Pattern string

const (
	PatternNone     Pattern = "none"
	PatternStriped  Pattern = "striped"
	PatternSpotted  Pattern = "spotted"
	PatternDappled  Pattern = "dappled"
	PatternMottled  Pattern = "mottled"
	PatternSwirled  Pattern = "swirled"
	PatternTipped   Pattern = "tipped"
	PatternBanded   Pattern = "banded"
	PatternFreckled Pattern = "freckled"
)

var patterns = []Pattern{
	PatternNone,
	PatternStriped,
	PatternSpotted,
	PatternDappled,
	PatternMottled,
	PatternSwirled,
	PatternTipped,
	PatternBanded,
	PatternFreckled,
}

func parsePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PatternNone, nil
	}
	for _, p := range patterns {
		if string(p) == s {
			return p, nil
		}
	}
	return "", ErrInvalidPattern
}

// Shade groups colours for listing
type Shade string

const (
	ShadeNone  Shade = "none"
	ShadeLight Shade = "light"
	ShadeDark  Shade = "dark"
)

func parseShade(s string) (Shade, error) {
	switch Shade(strings.ToLower(strings.TrimSpace(s))) {
	case "", ShadeNone:
		return ShadeNone, nil
	case ShadeLight:
		return ShadeLight, nil
	case ShadeDark:
		return ShadeDark, nil
	default:
		return "", ErrInvalidShade
	}
}

// Species is a set of [Transformation] definitions, one per bodypart
type Species struct {
	ModelUintID
	Name        string `json:"name" gorm:"not null"`
	NameKey     string `json:"-" gorm:"uniqueIndex;not null"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`

	// ParentID is the species this is a variant of (ex: arctic fox -> fox)
	ParentID *uint `json:"parent_id"`

	ModelTimestamps
}

// DisplayName returns the full name if set, otherwise the name
func (s Species) DisplayName() string {
	if s.FullName != "" {
		return s.FullName
	}
	return s.Name
}

type Colour struct {
	ModelUintID
	Name    string `json:"name" gorm:"not null"`
	NameKey string `json:"-" gorm:"uniqueIndex;not null"`
	Shade   Shade  `json:"shade" gorm:"type:string;default:none"`

	// Hex is an RGB value like "#aa33ff", used for embed colours
	Hex string `json:"hex"`

	ModelTimestamps
}

// Int returns the hex value as an int, for embed colours
func (c Colour) Int() int {
	var v int
	if _, err := fmt.Sscanf(strings.TrimPrefix(c.Hex, "#"), "%06x", &v); err != nil {
		return 0
	}
	return v
}

// Transformation is a species' definition of a bodypart. The text fields
// are templates which may contain the tokens rendered by [textContext].
type Transformation struct {
	ModelUintID
	SpeciesID uint     `json:"species_id" gorm:"uniqueIndex:idx_transformation_species_part;not null"`
	Bodypart  Bodypart `json:"bodypart" gorm:"uniqueIndex:idx_transformation_species_part;type:string;not null"`

	// Covering is what covers the part (ex: "fur", "scales", "skin")
	Covering string `json:"covering"`

	// Description, if set, replaces the generated description of the part
	Description string `json:"description"`

	// ShiftMessage, if set, replaces the generated message when a part
	// shifts into this transformation
	ShiftMessage string `json:"shift_message"`

	// GrowMessage, if set, replaces the generated message when the part
	// is added
	GrowMessage string `json:"grow_message"`

	DefaultBaseColourID    *uint   `json:"default_base_colour_id"`
	DefaultPattern         Pattern `json:"default_pattern" gorm:"type:string;default:none"`
	DefaultPatternColourID *uint   `json:"default_pattern_colour_id"`
	DefaultSize            int     `json:"default_size"`

	ModelTimestamps
}

// AppearanceKind distinguishes a character's current appearance from the
// saved default it can be reset to
type AppearanceKind string

const (
	AppearanceCurrent AppearanceKind = "current"
	AppearanceDefault AppearanceKind = "default"
)

// Appearance is a character's body: overall measurements, plus one
// [AppearanceComponent] per bodypart
type Appearance struct {
	ModelUintID
	CharacterID uint           `json:"character_id" gorm:"uniqueIndex:idx_appearance_character_kind;not null"`
	Kind        AppearanceKind `json:"kind" gorm:"uniqueIndex:idx_appearance_character_kind;type:string;not null"`

	// Height in centimetres
	Height int `json:"height"`

	// Weight in kilograms
	Weight int `json:"weight"`

	// Muscularity and Fatness range from 0 to 100
	Muscularity int `json:"muscularity"`
	Fatness     int `json:"fatness"`

	Components []AppearanceComponent `json:"components" gorm:"foreignKey:AppearanceID;constraint:OnDelete:CASCADE"`

	ModelTimestamps
}

// Component returns the component for the given bodypart, or nil
func (a *Appearance) Component(part Bodypart) *AppearanceComponent {
	for i := range a.Components {
		if a.Components[i].Bodypart == part {
			return &a.Components[i]
		}
	}
	return nil
}

// AppearanceComponent is the state of one bodypart
type AppearanceComponent struct {
	ModelUintID
	AppearanceID     uint     `json:"appearance_id" gorm:"uniqueIndex:idx_component_appearance_part;not null"`
	Bodypart         Bodypart `json:"bodypart" gorm:"uniqueIndex:idx_component_appearance_part;type:string;not null"`
	TransformationID uint     `json:"transformation_id" gorm:"not null"`
	BaseColourID     *uint    `json:"base_colour_id"`
	Pattern          Pattern  `json:"pattern" gorm:"type:string;default:none"`
	PatternColourID  *uint    `json:"pattern_colour_id"`

	// Size ranges from 1 to 100
	Size int `json:"size"`

	// HairLength in centimetres, only used for hair
	HairLength int `json:"hair_length"`

	ModelTimestamps
}

// componentFromTransformation returns a new component for t, with the
// transformation's default colours and pattern
func componentFromTransformation(appearanceID uint, t Transformation) AppearanceComponent {
	c := AppearanceComponent{
		AppearanceID:     appearanceID,
		Bodypart:         t.Bodypart,
		TransformationID: t.ID,
		BaseColourID:     t.DefaultBaseColourID,
		Pattern:          t.DefaultPattern,
		PatternColourID:  t.DefaultPatternColourID,
		Size:             t.DefaultSize,
	}
	if c.Pattern == "" {
		c.Pattern = PatternNone
	}
	if c.Size == 0 {
		c.Size = defaultComponentSize
	}
	if t.Bodypart == BodypartHair {
		c.HairLength = defaultAppearanceHairLenCM
	}
	return c
}

func newAppearance(characterID uint, kind AppearanceKind) *Appearance {
	return &Appearance{
		CharacterID: characterID,
		Kind:        kind,
		Height:      defaultAppearanceHeight,
		Weight:      defaultAppearanceWeight,
		Muscularity: defaultAppearanceMuscle,
		Fatness:     defaultAppearanceFatness,
	}
}

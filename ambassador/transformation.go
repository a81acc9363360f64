package ambassador

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"gorm.io/gorm"
)

// allBodyparts may be given in place of a bodypart to act on every part
const allBodyparts = "all"

// ShiftTarget identifies the character being shifted, and who is
// shifting it
type ShiftTarget struct {
	GuildID   string
	InvokerID string
	Character *Character
}

// TransformationService shifts character appearances and manages the
// species, colour and transformation catalog
type TransformationService struct {
	db      DBI
	users   *UserService
	servers *ServerService
	logger  *slog.Logger
}

func NewTransformationService(
	db DBI,
	users *UserService,
	servers *ServerService,
	logger *slog.Logger,
) *TransformationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransformationService{
		db:      db,
		users:   users,
		servers: servers,
		logger:  logger.With(loggerNameKey, "transformations"),
	}
}

// createTemplateAppearances creates the current and default appearances
// for a new character, with one component per transformation of the
// template species. If the template species doesn't exist, the
// appearances have no components.
func createTemplateAppearances(tx *gorm.DB, characterID uint) error {
	var transformations []Transformation
	var template Species
	err := tx.Where("name_key = ?", templateSpeciesName).Take(&template).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return err
	default:
		if err = tx.Where("species_id = ?", template.ID).Find(&transformations).Error; err != nil {
			return err
		}
	}

	for _, kind := range []AppearanceKind{AppearanceCurrent, AppearanceDefault} {
		a := newAppearance(characterID, kind)
		if err = tx.Create(a).Error; err != nil {
			return fmt.Errorf("error creating %s appearance: %w", kind, err)
		}
		if len(transformations) == 0 {
			continue
		}
		components := make([]AppearanceComponent, 0, len(transformations))
		for _, t := range transformations {
			components = append(components, componentFromTransformation(a.ID, t))
		}
		if err = tx.Create(&components).Error; err != nil {
			return fmt.Errorf("error creating %s appearance components: %w", kind, err)
		}
	}
	return nil
}

func loadAppearance(db *gorm.DB, characterID uint, kind AppearanceKind) (*Appearance, error) {
	var a Appearance
	err := db.Preload("Components").Where(
		"character_id = ? AND kind = ?", characterID, kind,
	).Take(&a).Error
	if err != nil {
		return nil, notFound(err, ErrCharacterNotFound)
	}
	return &a, nil
}

// copyAppearance overwrites the 'to' appearance with the 'from' appearance
func copyAppearance(tx *gorm.DB, characterID uint, from, to AppearanceKind) error {
	src, err := loadAppearance(tx, characterID, from)
	if err != nil {
		return err
	}
	dst, err := loadAppearance(tx, characterID, to)
	if err != nil {
		return err
	}
	if err = tx.Where("appearance_id = ?", dst.ID).Delete(&AppearanceComponent{}).Error; err != nil {
		return err
	}
	err = tx.Model(&Appearance{}).Where("id = ?", dst.ID).Updates(
		map[string]any{
			"height":      src.Height,
			"weight":      src.Weight,
			"muscularity": src.Muscularity,
			"fatness":     src.Fatness,
		},
	).Error
	if err != nil {
		return err
	}
	if len(src.Components) == 0 {
		return nil
	}
	components := make([]AppearanceComponent, 0, len(src.Components))
	for _, c := range src.Components {
		c.ID = 0
		c.AppearanceID = dst.ID
		c.CreatedAt = 0
		c.UpdatedAt = 0
		components = append(components, c)
	}
	return tx.Create(&components).Error
}

// catalogLookup loads and memoizes the catalog rows referenced by
// appearance components
type catalogLookup struct {
	db              *gorm.DB
	transformations map[uint]Transformation
	species         map[uint]Species
	colours         map[uint]Colour
}

func newCatalogLookup(db *gorm.DB) *catalogLookup {
	return &catalogLookup{
		db:              db,
		transformations: map[uint]Transformation{},
		species:         map[uint]Species{},
		colours:         map[uint]Colour{},
	}
}

func (l *catalogLookup) transformation(id uint) (Transformation, error) {
	if t, ok := l.transformations[id]; ok {
		return t, nil
	}
	var t Transformation
	if err := l.db.Where("id = ?", id).Take(&t).Error; err != nil {
		return t, notFound(err, ErrTransformationNotFound)
	}
	l.transformations[id] = t
	return t, nil
}

func (l *catalogLookup) speciesByID(id uint) (Species, error) {
	if s, ok := l.species[id]; ok {
		return s, nil
	}
	var s Species
	if err := l.db.Where("id = ?", id).Take(&s).Error; err != nil {
		return s, notFound(err, ErrSpeciesNotFound)
	}
	l.species[id] = s
	return s, nil
}

func (l *catalogLookup) colour(id *uint) (*Colour, error) {
	if id == nil {
		return nil, nil
	}
	if c, ok := l.colours[*id]; ok {
		return &c, nil
	}
	var c Colour
	if err := l.db.Where("id = ?", *id).Take(&c).Error; err != nil {
		return nil, notFound(err, ErrColourNotFound)
	}
	l.colours[*id] = c
	return &c, nil
}

func (l *catalogLookup) resolve(c AppearanceComponent) (resolvedComponent, error) {
	rc := resolvedComponent{AppearanceComponent: c}
	var err error
	if rc.transformation, err = l.transformation(c.TransformationID); err != nil {
		return rc, err
	}
	if rc.species, err = l.speciesByID(rc.transformation.SpeciesID); err != nil {
		return rc, err
	}
	if rc.baseColour, err = l.colour(c.BaseColourID); err != nil {
		return rc, err
	}
	if rc.patternColour, err = l.colour(c.PatternColourID); err != nil {
		return rc, err
	}
	return rc, nil
}

// resolveAll resolves the components, sorted in bodypart order
func (l *catalogLookup) resolveAll(components []AppearanceComponent) ([]resolvedComponent, error) {
	resolved := make([]resolvedComponent, 0, len(components))
	for _, c := range components {
		rc, err := l.resolve(c)
		if err != nil {
			return nil, fmt.Errorf("error resolving %s: %w", c.Bodypart, err)
		}
		resolved = append(resolved, rc)
	}
	slices.SortFunc(
		resolved, func(a, b resolvedComponent) int {
			return a.Bodypart.order() - b.Bodypart.order()
		},
	)
	return resolved, nil
}

// authorize checks the invoker may shift the target character: the
// owner's protection settings must allow it, and if the server requires
// opt-in, the owner must have opted in
func (s *TransformationService) authorize(ctx context.Context, target ShiftTarget) error {
	if target.Character == nil {
		return ErrNoCurrentCharacter
	}
	ownerID := target.Character.OwnerID
	if ownerID == target.InvokerID {
		return nil
	}
	allowed, err := s.users.CanTransform(ctx, ownerID, target.InvokerID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrTransformationNotAllowed
	}
	if target.GuildID == "" {
		return nil
	}
	server, err := s.servers.Get(ctx, target.GuildID)
	if err != nil {
		return err
	}
	if !server.RequireTransformationOptIn {
		return nil
	}
	optedIn, err := s.users.IsOptedIn(ctx, target.GuildID, ownerID)
	if err != nil {
		return err
	}
	if !optedIn {
		return ErrTransformationOptInNeeded
	}
	return nil
}

// shiftState accumulates the changes made by a shift operation
type shiftState struct {
	appearance *Appearance
	lookup     *catalogLookup
	base       textContext
	messages   []string

	saved             []*AppearanceComponent
	removed           []Bodypart
	appearanceChanged bool
}

// components returns the components for the given bodypart, or every
// component if part is "all"
func (st *shiftState) components(part string) ([]*AppearanceComponent, error) {
	if strings.EqualFold(strings.TrimSpace(part), allBodyparts) {
		out := make([]*AppearanceComponent, 0, len(st.appearance.Components))
		for i := range st.appearance.Components {
			out = append(out, &st.appearance.Components[i])
		}
		slices.SortFunc(
			out, func(a, b *AppearanceComponent) int {
				return a.Bodypart.order() - b.Bodypart.order()
			},
		)
		return out, nil
	}
	bodypart, err := parseBodypart(part)
	if err != nil {
		return nil, err
	}
	c := st.appearance.Component(bodypart)
	if c == nil {
		return nil, ErrBodypartNotPresent
	}
	return []*AppearanceComponent{c}, nil
}

// save records c as changed, along with the message describing the change
func (st *shiftState) save(c *AppearanceComponent, message func(resolvedComponent) string) error {
	rc, err := st.lookup.resolve(*c)
	if err != nil {
		return err
	}
	if !slices.Contains(st.saved, c) {
		st.saved = append(st.saved, c)
	}
	st.messages = append(st.messages, message(rc))
	return nil
}

// shift loads the target's current appearance, applies fn and persists
// whatever fn changed. It returns the shift messages joined into one text.
func (s *TransformationService) shift(
	ctx context.Context,
	target ShiftTarget,
	fn func(st *shiftState) error,
) (string, error) {
	if err := s.authorize(ctx, target); err != nil {
		return "", err
	}
	db := s.db.DB().WithContext(ctx)
	appearance, err := loadAppearance(db, target.Character.ID, AppearanceCurrent)
	if err != nil {
		return "", err
	}
	st := &shiftState{
		appearance: appearance,
		lookup:     newCatalogLookup(db),
		base:       newTextContext(target.Character),
	}
	if err = fn(st); err != nil {
		return "", err
	}
	if len(st.messages) == 0 {
		return "", ErrNoChange
	}

	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, part := range st.removed {
				if e := tx.Where(
					"appearance_id = ? AND bodypart = ?", appearance.ID, part,
				).Delete(&AppearanceComponent{}).Error; e != nil {
					return e
				}
			}
			for _, c := range st.saved {
				if c.ID == 0 {
					if e := tx.Create(c).Error; e != nil {
						return e
					}
					continue
				}
				if e := tx.Save(c).Error; e != nil {
					return e
				}
			}
			if st.appearanceChanged {
				return tx.Model(&Appearance{}).Where("id = ?", appearance.ID).Updates(
					map[string]any{
						"height":      appearance.Height,
						"weight":      appearance.Weight,
						"muscularity": appearance.Muscularity,
						"fatness":     appearance.Fatness,
					},
				).Error
			}
			return nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("error saving appearance: %w", err)
	}

	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"shifted character",
		"character", target.Character,
		"invoker_id", target.InvokerID,
		"changed_parts", len(st.saved)+len(st.removed),
	)
	return strings.Join(st.messages, " "), nil
}

// applyTransformation switches the component to t, taking on the
// transformation's default colours and pattern where it defines them
func applyTransformation(c *AppearanceComponent, t Transformation) {
	c.TransformationID = t.ID
	if t.DefaultBaseColourID != nil {
		c.BaseColourID = t.DefaultBaseColourID
	}
	if t.DefaultPattern != "" {
		c.Pattern = t.DefaultPattern
		c.PatternColourID = t.DefaultPatternColourID
	}
	if t.DefaultSize != 0 {
		c.Size = t.DefaultSize
	}
}

func (s *TransformationService) speciesTransformations(
	ctx context.Context,
	speciesID uint,
) (map[Bodypart]Transformation, error) {
	var transformations []Transformation
	err := s.db.DB().WithContext(ctx).Where("species_id = ?", speciesID).Find(&transformations).Error
	if err != nil {
		return nil, err
	}
	byPart := make(map[Bodypart]Transformation, len(transformations))
	for _, t := range transformations {
		byPart[t.Bodypart] = t
	}
	return byPart, nil
}

// ShiftSpecies shifts one bodypart (or all of them) into the given
// species. When shifting all parts, parts the species doesn't define
// are left alone.
func (s *TransformationService) ShiftSpecies(
	ctx context.Context,
	target ShiftTarget,
	part string,
	speciesName string,
) (string, error) {
	species, err := s.GetSpecies(ctx, speciesName)
	if err != nil {
		return "", err
	}
	byPart, err := s.speciesTransformations(ctx, species.ID)
	if err != nil {
		return "", err
	}
	all := strings.EqualFold(strings.TrimSpace(part), allBodyparts)

	return s.shift(
		ctx, target, func(st *shiftState) error {
			components, e := st.components(part)
			if e != nil {
				return e
			}
			for _, c := range components {
				t, ok := byPart[c.Bodypart]
				if !ok {
					if all {
						continue
					}
					return ErrTransformationNotFound
				}
				if c.TransformationID == t.ID {
					continue
				}
				applyTransformation(c, t)
				if e = st.save(
					c, func(rc resolvedComponent) string {
						return shiftMessage(rc, st.base)
					},
				); e != nil {
					return e
				}
			}
			return nil
		},
	)
}

// ShiftColour changes the base colour of one bodypart, or all of them
func (s *TransformationService) ShiftColour(
	ctx context.Context,
	target ShiftTarget,
	part string,
	colourName string,
) (string, error) {
	colour, err := s.GetColour(ctx, colourName)
	if err != nil {
		return "", err
	}
	return s.shift(
		ctx, target, func(st *shiftState) error {
			components, e := st.components(part)
			if e != nil {
				return e
			}
			for _, c := range components {
				if c.BaseColourID != nil && *c.BaseColourID == colour.ID {
					continue
				}
				id := colour.ID
				c.BaseColourID = &id
				if e = st.save(
					c, func(rc resolvedComponent) string {
						return colourMessage(rc, st.base)
					},
				); e != nil {
					return e
				}
			}
			return nil
		},
	)
}

// ShiftPattern changes the pattern of one bodypart, or all of them. If
// patternColourName is empty, the existing pattern colour is kept. The
// "none" pattern removes the pattern and its colour.
func (s *TransformationService) ShiftPattern(
	ctx context.Context,
	target ShiftTarget,
	part string,
	patternName string,
	patternColourName string,
) (string, error) {
	pattern, err := parsePattern(patternName)
	if err != nil {
		return "", err
	}
	var patternColour *Colour
	if pattern != PatternNone && strings.TrimSpace(patternColourName) != "" {
		if patternColour, err = s.GetColour(ctx, patternColourName); err != nil {
			return "", err
		}
	}

	return s.shift(
		ctx, target, func(st *shiftState) error {
			components, e := st.components(part)
			if e != nil {
				return e
			}
			for _, c := range components {
				changed := c.Pattern != pattern
				c.Pattern = pattern
				switch {
				case pattern == PatternNone:
					c.PatternColourID = nil
				case patternColour != nil:
					if c.PatternColourID == nil || *c.PatternColourID != patternColour.ID {
						changed = true
					}
					id := patternColour.ID
					c.PatternColourID = &id
				}
				if !changed {
					continue
				}
				if e = st.save(
					c, func(rc resolvedComponent) string {
						return patternMessage(rc, st.base)
					},
				); e != nil {
					return e
				}
			}
			return nil
		},
	)
}

// ShiftPatternColour changes the colour of the pattern on one bodypart,
// or on every patterned part
func (s *TransformationService) ShiftPatternColour(
	ctx context.Context,
	target ShiftTarget,
	part string,
	colourName string,
) (string, error) {
	colour, err := s.GetColour(ctx, colourName)
	if err != nil {
		return "", err
	}
	return s.shift(
		ctx, target, func(st *shiftState) error {
			components, e := st.components(part)
			if e != nil {
				return e
			}
			patterned := 0
			for _, c := range components {
				if c.Pattern == PatternNone || c.Pattern == "" {
					continue
				}
				patterned++
				if c.PatternColourID != nil && *c.PatternColourID == colour.ID {
					continue
				}
				id := colour.ID
				c.PatternColourID = &id
				if e = st.save(
					c, func(rc resolvedComponent) string {
						return patternMessage(rc, st.base)
					},
				); e != nil {
					return e
				}
			}
			if patterned == 0 {
				return ErrNoPattern
			}
			return nil
		},
	)
}

// ShiftHairLength sets the hair length, in centimetres
func (s *TransformationService) ShiftHairLength(
	ctx context.Context,
	target ShiftTarget,
	length int,
) (string, error) {
	if length < 1 || length > maxHairLength {
		return "", ErrInvalidHairLength
	}
	return s.shift(
		ctx, target, func(st *shiftState) error {
			c := st.appearance.Component(BodypartHair)
			if c == nil {
				return ErrBodypartNotPresent
			}
			if c.HairLength == length {
				return nil
			}
			c.HairLength = length
			return st.save(
				c, func(rc resolvedComponent) string {
					return hairLengthMessage(rc, st.base)
				},
			)
		},
	)
}

// ShiftSize sets the relative size (1-100) of one bodypart, or all of them
func (s *TransformationService) ShiftSize(
	ctx context.Context,
	target ShiftTarget,
	part string,
	size int,
) (string, error) {
	if size < minComponentSize || size > maxComponentSize {
		return "", ErrInvalidSize
	}
	return s.shift(
		ctx, target, func(st *shiftState) error {
			components, e := st.components(part)
			if e != nil {
				return e
			}
			for _, c := range components {
				if c.Size == size {
					continue
				}
				grew := size > c.Size
				c.Size = size
				if e = st.save(
					c, func(rc resolvedComponent) string {
						return sizeMessage(rc, st.base, grew)
					},
				); e != nil {
					return e
				}
			}
			return nil
		},
	)
}

// BodyStats holds optional changes to an appearance's overall measurements
type BodyStats struct {
	Height      *int `json:"height,omitempty"`
	Weight      *int `json:"weight,omitempty"`
	Muscularity *int `json:"muscularity,omitempty"`
	Fatness     *int `json:"fatness,omitempty"`
}

func (b BodyStats) validate() error {
	inRange := func(v *int, lo, hi int, field string) error {
		if v == nil || (*v >= lo && *v <= hi) {
			return nil
		}
		return fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidBodyStats, field, lo, hi)
	}
	return errors.Join(
		inRange(b.Height, minAppearanceHeight, maxAppearanceHeight, "height"),
		inRange(b.Weight, minAppearanceWeight, maxAppearanceWeight, "weight"),
		inRange(b.Muscularity, 0, 100, "muscularity"),
		inRange(b.Fatness, 0, 100, "fatness"),
	)
}

// ShiftBodyStats changes the height, weight, muscularity and fatness
// given in stats
func (s *TransformationService) ShiftBodyStats(
	ctx context.Context,
	target ShiftTarget,
	stats BodyStats,
) (string, error) {
	if err := stats.validate(); err != nil {
		return "", err
	}
	return s.shift(
		ctx, target, func(st *shiftState) error {
			a := st.appearance
			set := func(dst *int, v *int) {
				if v != nil && *dst != *v {
					*dst = *v
					st.appearanceChanged = true
				}
			}
			set(&a.Height, stats.Height)
			set(&a.Weight, stats.Weight)
			set(&a.Muscularity, stats.Muscularity)
			set(&a.Fatness, stats.Fatness)
			if st.appearanceChanged {
				st.messages = append(
					st.messages,
					st.base.render(
						fmt.Sprintf(
							"{@target}'s body shifts. {@they} now %s %d centimetres tall and %s %d kilograms, with %s build.",
							pluralForm(st.base, "stands", "stand"),
							a.Height,
							pluralForm(st.base, "weighs", "weigh"),
							a.Weight,
							buildDescription(a.Muscularity, a.Fatness),
						),
					),
				)
			}
			return nil
		},
	)
}

func pluralForm(t textContext, singular, plural string) string {
	if t.pronouns.plural {
		return plural
	}
	return singular
}

// AddBodypart grows a choice bodypart (tail, wings...) of the given
// species. If speciesName is empty, the species of the character's body
// is used.
func (s *TransformationService) AddBodypart(
	ctx context.Context,
	target ShiftTarget,
	part string,
	speciesName string,
) (string, error) {
	bodypart, err := parseBodypart(part)
	if err != nil {
		return "", err
	}
	if corePart(bodypart) {
		return "", ErrCoreBodypart
	}
	var species *Species
	if strings.TrimSpace(speciesName) != "" {
		if species, err = s.GetSpecies(ctx, speciesName); err != nil {
			return "", err
		}
	}

	return s.shift(
		ctx, target, func(st *shiftState) error {
			if st.appearance.Component(bodypart) != nil {
				return ErrBodypartAlreadyPresent
			}
			speciesID, e := st.defaultSpeciesID(species)
			if e != nil {
				return e
			}
			var t Transformation
			e = st.lookup.db.Where(
				"species_id = ? AND bodypart = ?", speciesID, bodypart,
			).Take(&t).Error
			if e != nil {
				return notFound(e, ErrTransformationNotFound)
			}
			c := componentFromTransformation(st.appearance.ID, t)
			return st.save(
				&c, func(rc resolvedComponent) string {
					return growMessage(rc, st.base)
				},
			)
		},
	)
}

// defaultSpeciesID returns the given species' ID, or the species of
// the body component
func (st *shiftState) defaultSpeciesID(species *Species) (uint, error) {
	if species != nil {
		return species.ID, nil
	}
	body := st.appearance.Component(BodypartBody)
	if body == nil {
		return 0, ErrSpeciesNotFound
	}
	t, err := st.lookup.transformation(body.TransformationID)
	if err != nil {
		return 0, err
	}
	return t.SpeciesID, nil
}

// RemoveBodypart removes a choice bodypart
func (s *TransformationService) RemoveBodypart(
	ctx context.Context,
	target ShiftTarget,
	part string,
) (string, error) {
	bodypart, err := parseBodypart(part)
	if err != nil {
		return "", err
	}
	if corePart(bodypart) {
		return "", ErrCoreBodypart
	}
	return s.shift(
		ctx, target, func(st *shiftState) error {
			if st.appearance.Component(bodypart) == nil {
				return ErrBodypartNotPresent
			}
			st.removed = append(st.removed, bodypart)
			st.messages = append(st.messages, removeMessage(bodypart, st.base))
			return nil
		},
	)
}

// Reset restores the character's default appearance
func (s *TransformationService) Reset(ctx context.Context, target ShiftTarget) (string, error) {
	if err := s.authorize(ctx, target); err != nil {
		return "", err
	}
	c := target.Character
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return copyAppearance(tx, c.ID, AppearanceDefault, AppearanceCurrent)
		},
	)
	if err != nil {
		return "", err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx, "reset appearance",
		"character", c,
		"invoker_id", target.InvokerID,
	)
	return newTextContext(c).render("{@target} shifts back to {@their} default appearance."), nil
}

// SaveAsDefault makes the character's current appearance its default.
// Only the owner may do this.
func (s *TransformationService) SaveAsDefault(ctx context.Context, target ShiftTarget) error {
	c := target.Character
	if c == nil {
		return ErrNoCurrentCharacter
	}
	if c.OwnerID != target.InvokerID {
		return ErrNotCharacterOwner
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return copyAppearance(tx, c.ID, AppearanceCurrent, AppearanceDefault)
		},
	)
}

// AppearanceDescription is a rendered description of an appearance
type AppearanceDescription struct {
	Text       string
	Appearance *Appearance

	// Colour is the base colour of the body, if any
	Colour *Colour

	// Species is the species of the body, if any
	Species *Species
}

// Describe renders the character's current (or default) appearance
func (s *TransformationService) Describe(
	ctx context.Context,
	character *Character,
	kind AppearanceKind,
) (*AppearanceDescription, error) {
	if character == nil {
		return nil, ErrNoCurrentCharacter
	}
	if kind == "" {
		kind = AppearanceCurrent
	}
	db := s.db.DB().WithContext(ctx)
	a, err := loadAppearance(db, character.ID, kind)
	if err != nil {
		return nil, err
	}
	resolved, err := newCatalogLookup(db).resolveAll(a.Components)
	if err != nil {
		return nil, err
	}
	d := &AppearanceDescription{
		Text:       describeAppearance(character, a, resolved),
		Appearance: a,
	}
	for _, rc := range resolved {
		if rc.Bodypart == BodypartBody {
			d.Colour = rc.baseColour
			sp := rc.species
			d.Species = &sp
			break
		}
	}
	return d, nil
}

// NewSpecies holds the fields accepted when creating a species
type NewSpecies struct {
	Name        string `json:"name" binding:"required"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Parent      string `json:"parent"`
}

func (s *TransformationService) CreateSpecies(ctx context.Context, n NewSpecies) (*Species, error) {
	name, err := validateName(n.Name, MaxSpeciesNameLength)
	if err != nil {
		return nil, err
	}
	fullName := strings.TrimSpace(n.FullName)
	description := strings.TrimSpace(n.Description)
	if err = errors.Join(
		validateLength(fullName, MaxSpeciesFullNameLength, ErrNameTooLong),
		validateLength(description, MaxSpeciesDescriptionLen, ErrDescriptionTooLong),
	); err != nil {
		return nil, err
	}
	species := &Species{
		Name:        name,
		NameKey:     nameKey(name),
		FullName:    fullName,
		Description: description,
	}
	if strings.TrimSpace(n.Parent) != "" {
		parent, e := s.GetSpecies(ctx, n.Parent)
		if e != nil {
			return nil, e
		}
		species.ParentID = &parent.ID
	}
	if _, err = s.db.Create(ctx, species); err != nil {
		return nil, mapUniqueViolation(err, ErrSpeciesNameTaken)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "created species", "species", species.Name)
	return species, nil
}

// GetSpecies returns the species with the given name, ignoring case
func (s *TransformationService) GetSpecies(ctx context.Context, name string) (*Species, error) {
	var species Species
	err := s.db.DB().WithContext(ctx).Where("name_key = ?", nameKey(name)).Take(&species).Error
	if err != nil {
		return nil, notFound(err, ErrSpeciesNotFound)
	}
	return &species, nil
}

func (s *TransformationService) ListSpecies(ctx context.Context, p Pagination) ([]Species, error) {
	var species []Species
	err := p.apply(s.db.DB().WithContext(ctx), "name_key").Find(&species).Error
	return species, err
}

// SearchSpecies returns species whose names start with prefix, for
// autocomplete. The template species is excluded.
func (s *TransformationService) SearchSpecies(ctx context.Context, prefix string, limit int) ([]Species, error) {
	var species []Species
	err := s.db.DB().WithContext(ctx).Where(
		"name_key LIKE ? AND name_key <> ?", nameKey(prefix)+"%", templateSpeciesName,
	).Order("name_key asc").Limit(limit).Find(&species).Error
	return species, err
}

// NewColour holds the fields accepted when creating a colour
type NewColour struct {
	Name  string `json:"name" binding:"required"`
	Shade string `json:"shade"`
	Hex   string `json:"hex"`
}

func (s *TransformationService) CreateColour(ctx context.Context, n NewColour) (*Colour, error) {
	name, err := validateName(n.Name, MaxColourNameLength)
	if err != nil {
		return nil, err
	}
	shade, err := parseShade(n.Shade)
	if err != nil {
		return nil, err
	}
	hex := strings.ToLower(strings.TrimSpace(n.Hex))
	if hex != "" && !hexColourPattern.MatchString(hex) {
		return nil, ErrInvalidHexColour
	}
	colour := &Colour{Name: name, NameKey: nameKey(name), Shade: shade, Hex: hex}
	if _, err = s.db.Create(ctx, colour); err != nil {
		return nil, mapUniqueViolation(err, ErrColourNameTaken)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "created colour", "colour", colour.Name)
	return colour, nil
}

// GetColour returns the colour with the given name, ignoring case
func (s *TransformationService) GetColour(ctx context.Context, name string) (*Colour, error) {
	var colour Colour
	err := s.db.DB().WithContext(ctx).Where("name_key = ?", nameKey(name)).Take(&colour).Error
	if err != nil {
		return nil, notFound(err, ErrColourNotFound)
	}
	return &colour, nil
}

func (s *TransformationService) ListColours(ctx context.Context, p Pagination) ([]Colour, error) {
	var colours []Colour
	err := p.apply(s.db.DB().WithContext(ctx), "name_key").Find(&colours).Error
	return colours, err
}

func (s *TransformationService) SearchColours(ctx context.Context, prefix string, limit int) ([]Colour, error) {
	var colours []Colour
	err := s.db.DB().WithContext(ctx).Where(
		"name_key LIKE ?", nameKey(prefix)+"%",
	).Order("name_key asc").Limit(limit).Find(&colours).Error
	return colours, err
}

// NewTransformation holds the fields accepted when creating a
// transformation. Colours are referenced by name.
type NewTransformation struct {
	Species              string `json:"species" binding:"required"`
	Bodypart             string `json:"bodypart" binding:"required"`
	Covering             string `json:"covering"`
	Description          string `json:"description"`
	ShiftMessage         string `json:"shift_message"`
	GrowMessage          string `json:"grow_message"`
	DefaultBaseColour    string `json:"default_base_colour"`
	DefaultPattern       string `json:"default_pattern"`
	DefaultPatternColour string `json:"default_pattern_colour"`
	DefaultSize          int    `json:"default_size"`
}

func (s *TransformationService) CreateTransformation(
	ctx context.Context,
	n NewTransformation,
) (*Transformation, error) {
	species, err := s.GetSpecies(ctx, n.Species)
	if err != nil {
		return nil, err
	}
	bodypart, err := parseBodypart(n.Bodypart)
	if err != nil {
		return nil, err
	}
	pattern, err := parsePattern(n.DefaultPattern)
	if err != nil {
		return nil, err
	}
	t := &Transformation{
		SpeciesID:      species.ID,
		Bodypart:       bodypart,
		Covering:       strings.TrimSpace(n.Covering),
		Description:    strings.TrimSpace(n.Description),
		ShiftMessage:   strings.TrimSpace(n.ShiftMessage),
		GrowMessage:    strings.TrimSpace(n.GrowMessage),
		DefaultPattern: pattern,
		DefaultSize:    n.DefaultSize,
	}
	if err = errors.Join(
		validateLength(t.Covering, MaxCoveringLength, ErrNameTooLong),
		validateLength(t.Description, MaxTransformationTextLen, ErrDescriptionTooLong),
		validateLength(t.ShiftMessage, MaxTransformationTextLen, ErrDescriptionTooLong),
		validateLength(t.GrowMessage, MaxTransformationTextLen, ErrDescriptionTooLong),
	); err != nil {
		return nil, err
	}
	if t.DefaultSize != 0 && (t.DefaultSize < minComponentSize || t.DefaultSize > maxComponentSize) {
		return nil, ErrInvalidSize
	}
	if n.DefaultBaseColour != "" {
		c, e := s.GetColour(ctx, n.DefaultBaseColour)
		if e != nil {
			return nil, e
		}
		t.DefaultBaseColourID = &c.ID
	}
	if n.DefaultPatternColour != "" {
		c, e := s.GetColour(ctx, n.DefaultPatternColour)
		if e != nil {
			return nil, e
		}
		t.DefaultPatternColourID = &c.ID
	}
	if _, err = s.db.Create(ctx, t); err != nil {
		return nil, mapUniqueViolation(err, ErrTransformationExists)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"created transformation",
		"species", species.Name,
		"bodypart", bodypart,
	)
	return t, nil
}

// ListTransformations returns the species' transformations in bodypart order
func (s *TransformationService) ListTransformations(
	ctx context.Context,
	speciesName string,
) ([]Transformation, error) {
	species, err := s.GetSpecies(ctx, speciesName)
	if err != nil {
		return nil, err
	}
	var transformations []Transformation
	err = s.db.DB().WithContext(ctx).Where("species_id = ?", species.ID).Find(&transformations).Error
	if err != nil {
		return nil, err
	}
	slices.SortFunc(
		transformations, func(a, b Transformation) int {
			return a.Bodypart.order() - b.Bodypart.order()
		},
	)
	return transformations, nil
}

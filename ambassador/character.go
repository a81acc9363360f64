//nolint:lll // struct tags can't be split
package ambassador

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"gorm.io/gorm"
)

const (
	MaxCharacterNameLength        = 100
	MaxCharacterNicknameLength    = 256
	MaxCharacterSummaryLength     = 240
	MaxCharacterDescriptionLength = 1000
	MaxCharacterAvatarURLLength   = 512
)

var (
	columnCharacterName        = "name"
	columnCharacterNameKey     = "name_key"
	columnCharacterNickname    = "nickname"
	columnCharacterAvatarURL   = "avatar_url"
	columnCharacterSummary     = "summary"
	columnCharacterDescription = "description"
	columnCharacterPronouns    = "pronouns"
	columnCharacterNSFW        = "nsfw"
	columnCharacterOwnerID     = "owner_id"
)

// Character is a roleplay persona owned by a user. Names are unique per
// owner, ignoring case.
type Character struct {
	ModelUintID
	OwnerID     string   `json:"owner_id" gorm:"uniqueIndex:idx_character_owner_name;not null"`
	Name        string   `json:"name" gorm:"not null"`
	NameKey     string   `json:"-" gorm:"uniqueIndex:idx_character_owner_name;not null"`
	Nickname    string   `json:"nickname"`
	AvatarURL   string   `json:"avatar_url"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Pronouns    Pronouns `json:"pronouns" gorm:"type:string;default:plural"`
	NSFW        bool     `json:"nsfw"`
	ModelTimestamps
}

// DisplayName returns the nickname if set, otherwise the name
func (c *Character) DisplayName() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	return c.Name
}

func (c *Character) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("owner_id", c.OwnerID),
		slog.String("name", c.Name),
	)
}

func validateAvatarURL(s string) error {
	if s == "" {
		return nil
	}
	if err := validateLength(s, MaxCharacterAvatarURLLength, ErrInvalidAvatarURL); err != nil {
		return err
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidAvatarURL
	}
	return nil
}

// CharacterService manages [Character] records
type CharacterService struct {
	db     DBI
	users  *UserService
	logger *slog.Logger
}

func NewCharacterService(db DBI, users *UserService, logger *slog.Logger) *CharacterService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CharacterService{
		db:     db,
		users:  users,
		logger: logger.With(loggerNameKey, "characters"),
	}
}

// NewCharacter holds the fields accepted when creating a character
type NewCharacter struct {
	Name        string
	Summary     string
	Description string
	AvatarURL   string
	Pronouns    Pronouns
}

func (n *NewCharacter) validate() error {
	name, err := validateName(n.Name, MaxCharacterNameLength)
	if err != nil {
		return err
	}
	n.Name = name
	n.Summary = strings.TrimSpace(n.Summary)
	n.Description = strings.TrimSpace(n.Description)
	n.AvatarURL = strings.TrimSpace(n.AvatarURL)
	if n.Pronouns == "" {
		n.Pronouns = PronounsPlural
	}
	return errors.Join(
		validateLength(n.Summary, MaxCharacterSummaryLength, ErrSummaryTooLong),
		validateLength(n.Description, MaxCharacterDescriptionLength, ErrDescriptionTooLong),
		validateAvatarURL(n.AvatarURL),
		func() error {
			_, e := parsePronouns(string(n.Pronouns))
			return e
		}(),
	)
}

// Create creates a character owned by ownerID, along with its current and
// default appearances (from the template species, if it exists)
func (s *CharacterService) Create(
	ctx context.Context,
	ownerID string,
	n NewCharacter,
) (*Character, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	character := &Character{
		OwnerID:     ownerID,
		Name:        n.Name,
		NameKey:     nameKey(n.Name),
		Summary:     n.Summary,
		Description: n.Description,
		AvatarURL:   n.AvatarURL,
		Pronouns:    n.Pronouns,
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Create(character).Error; err != nil {
				return mapUniqueViolation(err, ErrCharacterNameTaken)
			}
			return createTemplateAppearances(tx, character.ID)
		},
	)
	if err != nil {
		return nil, err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "created character", "character", character)
	return character, nil
}

// Get returns ownerID's character with the given name (ignoring case)
func (s *CharacterService) Get(ctx context.Context, ownerID string, name string) (*Character, error) {
	var c Character
	err := s.db.DB().WithContext(ctx).Where(
		"owner_id = ? AND name_key = ?", ownerID, nameKey(name),
	).Take(&c).Error
	if err != nil {
		return nil, notFound(err, ErrCharacterNotFound)
	}
	return &c, nil
}

func (s *CharacterService) GetByID(ctx context.Context, id uint) (*Character, error) {
	var c Character
	if err := s.db.DB().WithContext(ctx).Where("id = ?", id).Take(&c).Error; err != nil {
		return nil, notFound(err, ErrCharacterNotFound)
	}
	return &c, nil
}

// List returns the characters owned by ownerID, ordered by name
func (s *CharacterService) List(ctx context.Context, ownerID string) ([]Character, error) {
	var characters []Character
	err := s.db.DB().WithContext(ctx).Where(
		"owner_id = ?", ownerID,
	).Order("name_key asc").Find(&characters).Error
	return characters, err
}

// ListAll returns all characters, for the admin API
func (s *CharacterService) ListAll(ctx context.Context, p Pagination) ([]Character, error) {
	var characters []Character
	err := p.apply(s.db.DB().WithContext(ctx), "id").Find(&characters).Error
	return characters, err
}

// Search returns up to limit of ownerID's characters whose names start
// with prefix, for autocomplete
func (s *CharacterService) Search(
	ctx context.Context,
	ownerID string,
	prefix string,
	limit int,
) ([]Character, error) {
	var characters []Character
	err := s.db.DB().WithContext(ctx).Where(
		"owner_id = ? AND name_key LIKE ?", ownerID, nameKey(prefix)+"%",
	).Order("name_key asc").Limit(limit).Find(&characters).Error
	return characters, err
}

// Current returns the user's active character, or their default
// character, or ErrNoCurrentCharacter
func (s *CharacterService) Current(ctx context.Context, userID string) (*Character, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrNoCurrentCharacter
		}
		return nil, err
	}
	id := user.CurrentCharacterID()
	if id == nil {
		return nil, ErrNoCurrentCharacter
	}
	c, err := s.GetByID(ctx, *id)
	if errors.Is(err, ErrCharacterNotFound) {
		return nil, ErrNoCurrentCharacter
	}
	return c, err
}

// Delete deletes the character and its appearances, and clears any
// references to it
func (s *CharacterService) Delete(ctx context.Context, ownerID string, name string) (*Character, error) {
	c, err := s.Get(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return deleteCharacter(tx, c)
		},
	)
	if err != nil {
		return nil, err
	}
	s.users.Forget(ownerID)
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "deleted character", "character", c)
	return c, nil
}

func deleteCharacter(tx *gorm.DB, c *Character) error {
	if err := clearCharacterReferences(tx, c); err != nil {
		return err
	}
	var appearanceIDs []uint
	if err := tx.Model(&Appearance{}).Where(
		"character_id = ?", c.ID,
	).Pluck("id", &appearanceIDs).Error; err != nil {
		return err
	}
	if len(appearanceIDs) > 0 {
		if err := tx.Where("appearance_id IN ?", appearanceIDs).Delete(&AppearanceComponent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", appearanceIDs).Delete(&Appearance{}).Error; err != nil {
			return err
		}
	}
	return tx.Delete(&Character{}, c.ID).Error
}

// clearCharacterReferences unsets the owner's active and default
// character, if either is c
func clearCharacterReferences(tx *gorm.DB, c *Character) error {
	if err := tx.Model(&User{}).Where(
		"id = ? AND active_character_id = ?", c.OwnerID, c.ID,
	).Update(columnUserActiveCharacterID, nil).Error; err != nil {
		return err
	}
	return tx.Model(&User{}).Where(
		"id = ? AND default_character_id = ?", c.OwnerID, c.ID,
	).Update(columnUserDefaultCharacterID, nil).Error
}

func (s *CharacterService) update(
	ctx context.Context,
	ownerID string,
	name string,
	values map[string]any,
) (*Character, error) {
	c, err := s.Get(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	if _, err = s.db.Updates(ctx, &Character{ModelUintID: ModelUintID{ID: c.ID}}, values); err != nil {
		return nil, mapUniqueViolation(err, ErrCharacterNameTaken)
	}
	return s.GetByID(ctx, c.ID)
}

// Rename changes the character's name, which must be free for the owner
func (s *CharacterService) Rename(
	ctx context.Context,
	ownerID string,
	name string,
	newName string,
) (*Character, error) {
	newName, err := validateName(newName, MaxCharacterNameLength)
	if err != nil {
		return nil, err
	}
	return s.update(
		ctx, ownerID, name, map[string]any{
			columnCharacterName:    newName,
			columnCharacterNameKey: nameKey(newName),
		},
	)
}

// SetAvatar sets the avatar URL. An empty URL clears it.
func (s *CharacterService) SetAvatar(ctx context.Context, ownerID, name, avatarURL string) (*Character, error) {
	avatarURL = strings.TrimSpace(avatarURL)
	if err := validateAvatarURL(avatarURL); err != nil {
		return nil, err
	}
	return s.update(ctx, ownerID, name, map[string]any{columnCharacterAvatarURL: avatarURL})
}

func (s *CharacterService) SetNickname(ctx context.Context, ownerID, name, nickname string) (*Character, error) {
	nickname = strings.TrimSpace(nickname)
	if err := validateLength(nickname, MaxCharacterNicknameLength, ErrNicknameTooLong); err != nil {
		return nil, err
	}
	return s.update(ctx, ownerID, name, map[string]any{columnCharacterNickname: nickname})
}

func (s *CharacterService) SetSummary(ctx context.Context, ownerID, name, summary string) (*Character, error) {
	summary = strings.TrimSpace(summary)
	if err := validateLength(summary, MaxCharacterSummaryLength, ErrSummaryTooLong); err != nil {
		return nil, err
	}
	return s.update(ctx, ownerID, name, map[string]any{columnCharacterSummary: summary})
}

func (s *CharacterService) SetDescription(ctx context.Context, ownerID, name, description string) (*Character, error) {
	description = strings.TrimSpace(description)
	if err := validateLength(description, MaxCharacterDescriptionLength, ErrDescriptionTooLong); err != nil {
		return nil, err
	}
	return s.update(ctx, ownerID, name, map[string]any{columnCharacterDescription: description})
}

func (s *CharacterService) SetPronouns(ctx context.Context, ownerID, name, pronouns string) (*Character, error) {
	p, err := parsePronouns(pronouns)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, ownerID, name, map[string]any{columnCharacterPronouns: p})
}

func (s *CharacterService) SetNSFW(ctx context.Context, ownerID, name string, nsfw bool) (*Character, error) {
	return s.update(ctx, ownerID, name, map[string]any{columnCharacterNSFW: nsfw})
}

// Assume makes the character the owner's active character
func (s *CharacterService) Assume(ctx context.Context, ownerID string, name string) (*Character, error) {
	c, err := s.Get(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	if err = s.users.update(ctx, ownerID, map[string]any{columnUserActiveCharacterID: c.ID}); err != nil {
		return nil, err
	}
	return c, nil
}

// ClearCurrent unsets the owner's active character
func (s *CharacterService) ClearCurrent(ctx context.Context, ownerID string) error {
	return s.users.update(ctx, ownerID, map[string]any{columnUserActiveCharacterID: nil})
}

// SetDefault sets the character assumed when the owner has no active
// character
func (s *CharacterService) SetDefault(ctx context.Context, ownerID string, name string) (*Character, error) {
	c, err := s.Get(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	if err = s.users.update(ctx, ownerID, map[string]any{columnUserDefaultCharacterID: c.ID}); err != nil {
		return nil, err
	}
	return c, nil
}

// Transfer gives the character to newOwnerID, who must not already have
// a character with the same name
func (s *CharacterService) Transfer(
	ctx context.Context,
	ownerID string,
	name string,
	newOwner *User,
) (*Character, error) {
	if newOwner == nil {
		return nil, ErrUserNotFound
	}
	if newOwner.ID == ownerID {
		return nil, ErrCannotTransferToSelf
	}
	if newOwner.Bot {
		return nil, ErrCannotTransferToABot
	}
	c, err := s.Get(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := clearCharacterReferences(tx, c); e != nil {
				return e
			}
			e := tx.Model(&Character{}).Where("id = ?", c.ID).Update(columnCharacterOwnerID, newOwner.ID).Error
			return mapUniqueViolation(e, ErrCharacterAlreadyOwned)
		},
	)
	if err != nil {
		return nil, err
	}
	s.users.Forget(ownerID)
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"transferred character",
		"character", c,
		"new_owner_id", newOwner.ID,
	)
	c.OwnerID = newOwner.ID
	return c, nil
}

// Count returns the number of characters owned by ownerID
func (s *CharacterService) Count(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := s.db.DB().WithContext(ctx).Model(&Character{}).Where("owner_id = ?", ownerID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("error counting characters: %w", err)
	}
	return n, nil
}

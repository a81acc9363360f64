package ambassador

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnUserID                 = "user_id"
	columnUserIgnored            = "ignored"
	columnUserUsername           = "username"
	columnUserGlobalName         = "global_name"
	columnUserLastSeen           = "last_seen"
	columnUserActiveCharacterID  = "active_character_id"
	columnUserDefaultCharacterID = "default_character_id"
	columnUserProtectionType     = "protection_type"
)

// ProtectionType determines who may transform a user's characters
type ProtectionType string

const (
	// ProtectionBlacklist allows anyone except blacklisted users
	ProtectionBlacklist ProtectionType = "blacklist"

	// ProtectionWhitelist allows only whitelisted users
	ProtectionWhitelist ProtectionType = "whitelist"
)

func parseProtectionType(s string) (ProtectionType, error) {
	switch ProtectionType(s) {
	case ProtectionBlacklist, ProtectionWhitelist:
		return ProtectionType(s), nil
	default:
		return "", fmt.Errorf("unknown protection type %q", s)
	}
}

// User is a record of a Discord user.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	Bot bool `json:"bot" gorm:"type:bool"`

	// If true, commands from this user are ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user was seen in an interaction
	// or guild message, in unix milliseconds
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	// ActiveCharacterID is the character the user has assumed, if any
	ActiveCharacterID *uint `json:"active_character_id" gorm:"column:active_character_id"`

	// DefaultCharacterID is assumed when the user has no active character
	DefaultCharacterID *uint `json:"default_character_id" gorm:"column:default_character_id"`

	ProtectionType ProtectionType `json:"protection_type" gorm:"type:string;default:blacklist"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	return &User{
		ID:             u.ID,
		Username:       u.Username,
		GlobalName:     u.GlobalName,
		Bot:            u.Bot,
		Ignored:        u.Bot,
		LastSeen:       time.Now().UTC().UnixMilli(),
		ProtectionType: ProtectionBlacklist,
	}
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// DisplayName returns the global name, falling back to the username
func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// CurrentCharacterID returns the active character, or the default
// character if none is active.
func (u *User) CurrentCharacterID() *uint {
	if u.ActiveCharacterID != nil {
		return u.ActiveCharacterID
	}
	return u.DefaultCharacterID
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
	}
	if u.Ignored {
		attrs = append(attrs, slog.Bool("ignored", u.Ignored))
	}
	if u.ActiveCharacterID != nil {
		attrs = append(attrs, slog.Uint64("active_character_id", uint64(*u.ActiveCharacterID)))
	}
	return slog.GroupValue(attrs...)
}

// userChangedDiscordUsername reports whether the Discord user's username
// or global name differs from what's stored
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// UserProtectionEntry is a whitelist or blacklist entry, allowing or
// denying TargetID transforming UserID's characters
type UserProtectionEntry struct {
	ModelUintID
	UserID   string         `json:"user_id" gorm:"uniqueIndex:idx_protection_entry;not null"`
	TargetID string         `json:"target_id" gorm:"uniqueIndex:idx_protection_entry;not null"`
	Type     ProtectionType `json:"type" gorm:"uniqueIndex:idx_protection_entry;type:string;not null"`
	ModelTimestamps
}

// TransformationOptIn records that a user has opted in to being
// transformed in a server requiring opt-in
type TransformationOptIn struct {
	ModelUintID
	ServerID  string `json:"server_id" gorm:"uniqueIndex:idx_transformation_opt_in;not null"`
	UserID    string `json:"user_id" gorm:"uniqueIndex:idx_transformation_opt_in;not null"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli"`
}

type cachedUser struct {
	user     User
	loadedAt time.Time
}

// UserService manages [User] records, caching them in memory
type UserService struct {
	db     DBI
	logger *slog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedUser
}

func NewUserService(db DBI, logger *slog.Logger, ttl time.Duration) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{
		db:     db,
		logger: logger.With(loggerNameKey, "users"),
		ttl:    ttl,
		cache:  map[string]cachedUser{},
	}
}

func (s *UserService) cached(userID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[userID]
	if !ok {
		return User{}, false
	}
	if s.ttl > 0 && time.Since(c.loadedAt) > s.ttl {
		delete(s.cache, userID)
		return User{}, false
	}
	return c.user, true
}

func (s *UserService) store(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[u.ID] = cachedUser{user: u, loadedAt: time.Now()}
}

// Forget drops the cached copy of the given user
func (s *UserService) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userID)
}

// GetOrCreateUser returns the [User] for the given Discord user, creating
// it if needed and updating its username and last seen time. The returned
// bool is true if the user was created.
func (s *UserService) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	log := contextLoggerOr(ctx, s.logger)
	now := time.Now().UTC().UnixMilli()

	user, ok := s.cached(u.ID)
	if !ok {
		err := s.db.DB().WithContext(ctx).Where("id = ?", u.ID).Take(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			newUser := NewUser(u)
			log.InfoContext(ctx, "creating new user", "user", newUser)
			if _, err = s.db.Create(ctx, newUser); err != nil {
				if !isUniqueViolation(err) {
					return nil, false, fmt.Errorf("error creating user: %w", err)
				}
				// created concurrently
				if err = s.db.DB().WithContext(ctx).Where("id = ?", u.ID).Take(&user).Error; err != nil {
					return nil, false, err
				}
				s.store(user)
				return &user, false, nil
			}
			s.store(*newUser)
			return newUser, true, nil
		case err != nil:
			return nil, false, err
		}
	}

	updates := map[string]any{columnUserLastSeen: now}
	if user.userChangedDiscordUsername(u) {
		log.InfoContext(
			ctx,
			"user changed username since last seen",
			slog.Group("old", "username", user.Username, "global_name", user.GlobalName),
			slog.Group("new", "username", u.Username, "global_name", u.GlobalName),
		)
		updates[columnUserUsername] = u.Username
		updates[columnUserGlobalName] = u.GlobalName
		user.Username = u.Username
		user.GlobalName = u.GlobalName
	}
	user.LastSeen = now
	if _, err := s.db.Updates(ctx, &User{ID: user.ID}, updates); err != nil {
		log.ErrorContext(ctx, "error updating user", "user", &user, tint.Err(err))
	}
	s.store(user)
	return &user, false, nil
}

// GetUser returns the user with the given ID, or ErrUserNotFound
func (s *UserService) GetUser(ctx context.Context, userID string) (*User, error) {
	if u, ok := s.cached(userID); ok {
		return &u, nil
	}
	var u User
	if err := s.db.DB().WithContext(ctx).Where("id = ?", userID).Take(&u).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	s.store(u)
	return &u, nil
}

// ensureUser returns the user with the given ID, creating a placeholder
// record if the user hasn't been seen yet (ex: a moderation target who
// hasn't interacted with the bot)
func (s *UserService) ensureUser(ctx context.Context, u *discordgo.User) (*User, error) {
	if u == nil {
		return nil, ErrUserNotFound
	}
	existing, err := s.GetUser(ctx, u.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	user := NewUser(*u)
	user.LastSeen = 0
	if _, err = s.db.Create(ctx, user); err != nil && !isUniqueViolation(err) {
		return nil, err
	}
	return s.GetUser(ctx, u.ID)
}

func (s *UserService) update(ctx context.Context, userID string, values map[string]any) error {
	rows, err := s.db.Updates(ctx, &User{ID: userID}, values)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	s.Forget(userID)
	return nil
}

// SetIgnored sets whether the bot ignores commands from the user
func (s *UserService) SetIgnored(ctx context.Context, userID string, ignored bool) error {
	return s.update(ctx, userID, map[string]any{columnUserIgnored: ignored})
}

// SetProtectionType switches the user between whitelist and blacklist mode
func (s *UserService) SetProtectionType(
	ctx context.Context,
	userID string,
	protection ProtectionType,
) error {
	if _, err := parseProtectionType(string(protection)); err != nil {
		return err
	}
	return s.update(ctx, userID, map[string]any{columnUserProtectionType: protection})
}

// AddProtectionEntry adds targetID to the user's whitelist or blacklist
func (s *UserService) AddProtectionEntry(
	ctx context.Context,
	userID string,
	targetID string,
	protection ProtectionType,
) error {
	if userID == targetID {
		return ErrCannotModerateSelf
	}
	if _, err := parseProtectionType(string(protection)); err != nil {
		return err
	}
	entry := &UserProtectionEntry{UserID: userID, TargetID: targetID, Type: protection}
	if _, err := s.db.Create(ctx, entry); err != nil && !isUniqueViolation(err) {
		return err
	}
	return nil
}

// RemoveProtectionEntry removes targetID from the user's whitelist or blacklist
func (s *UserService) RemoveProtectionEntry(
	ctx context.Context,
	userID string,
	targetID string,
	protection ProtectionType,
) (bool, error) {
	rows, err := s.db.Delete(
		ctx,
		&UserProtectionEntry{},
		"user_id = ? AND target_id = ? AND type = ?",
		userID, targetID, protection,
	)
	return rows > 0, err
}

// ProtectionEntries returns the user's entries of the given type
func (s *UserService) ProtectionEntries(
	ctx context.Context,
	userID string,
	protection ProtectionType,
) ([]UserProtectionEntry, error) {
	var entries []UserProtectionEntry
	err := s.db.DB().WithContext(ctx).Where(
		"user_id = ? AND type = ?", userID, protection,
	).Order("created_at asc").Find(&entries).Error
	return entries, err
}

// CanTransform reports whether invokerID may transform characters
// owned by ownerID
func (s *UserService) CanTransform(
	ctx context.Context,
	ownerID string,
	invokerID string,
) (bool, error) {
	if ownerID == invokerID {
		return true, nil
	}
	owner, err := s.GetUser(ctx, ownerID)
	if err != nil {
		return false, err
	}
	protection := owner.ProtectionType
	if protection == "" {
		protection = ProtectionBlacklist
	}
	var count int64
	err = s.db.DB().WithContext(ctx).Model(&UserProtectionEntry{}).Where(
		"user_id = ? AND target_id = ? AND type = ?",
		ownerID, invokerID, protection,
	).Count(&count).Error
	if err != nil {
		return false, err
	}
	if protection == ProtectionWhitelist {
		return count > 0, nil
	}
	return count == 0, nil
}

// SetOptIn opts the user in to (or out of) transformations on a server
func (s *UserService) SetOptIn(
	ctx context.Context,
	guildID string,
	userID string,
	optIn bool,
) error {
	if !optIn {
		_, err := s.db.Delete(
			ctx,
			&TransformationOptIn{},
			"server_id = ? AND user_id = ?", guildID, userID,
		)
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&TransformationOptIn{ServerID: guildID, UserID: userID},
			).Error
		},
	)
}

// IsOptedIn reports whether the user opted in to transformations on a server
func (s *UserService) IsOptedIn(ctx context.Context, guildID string, userID string) (bool, error) {
	var count int64
	err := s.db.DB().WithContext(ctx).Model(&TransformationOptIn{}).Where(
		"server_id = ? AND user_id = ?", guildID, userID,
	).Count(&count).Error
	return count > 0, err
}

func (s *UserService) List(ctx context.Context, p Pagination) ([]User, error) {
	var users []User
	err := p.apply(s.db.DB().WithContext(ctx), "id").Find(&users).Error
	return users, err
}

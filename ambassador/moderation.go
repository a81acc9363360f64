//nolint:lll // struct tags can't be split
package ambassador

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	MaxModerationReasonLength = 1024
	autoBanReason             = "Exceeded warning threshold"
)

// UserWarning is a warning issued to a user on a server. Expired warnings
// are soft-deleted by the expiry job, so they still appear in a user's
// full history.
type UserWarning struct {
	ModelUintID
	ServerID  string     `json:"server_id" gorm:"index:idx_warning_server_user;not null"`
	UserID    string     `json:"user_id" gorm:"index:idx_warning_server_user;not null"`
	AuthorID  string     `json:"author_id" gorm:"not null"`
	Reason    string     `json:"reason" gorm:"not null"`
	ExpiresAt *time.Time `json:"expires_at" gorm:"index"`
	ModelUnixTime
}

// Active reports whether the warning is neither deleted nor expired
func (w UserWarning) Active(now time.Time) bool {
	if w.DeletedAt.Valid {
		return false
	}
	return w.ExpiresAt == nil || w.ExpiresAt.After(now)
}

// UserBan records a ban issued through the bot. A user has at most one
// ban per server.
type UserBan struct {
	ModelUintID
	ServerID  string     `json:"server_id" gorm:"uniqueIndex:idx_ban_server_user;not null"`
	UserID    string     `json:"user_id" gorm:"uniqueIndex:idx_ban_server_user;not null"`
	AuthorID  string     `json:"author_id" gorm:"not null"`
	Reason    string     `json:"reason" gorm:"not null"`
	ExpiresAt *time.Time `json:"expires_at" gorm:"index"`
	ModelTimestamps
}

// UserNote is a moderator's note about a user, only visible to moderators
type UserNote struct {
	ModelUintID
	ServerID string `json:"server_id" gorm:"index:idx_note_server_user;not null"`
	UserID   string `json:"user_id" gorm:"index:idx_note_server_user;not null"`
	AuthorID string `json:"author_id" gorm:"not null"`
	Content  string `json:"content" gorm:"not null"`
	ModelTimestamps
}

// moderationDiscord is the part of the Discord API used by moderation
type moderationDiscord interface {
	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error
	GuildBanDelete(guildID string, userID string, options ...discordgo.RequestOption) error
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// ModerationRequest describes a warning or ban
type ModerationRequest struct {
	GuildID string
	Target  *discordgo.User
	Author  *discordgo.User
	Reason  string

	// Duration is how long the warning or ban lasts, like "12h" or "2w".
	// Empty means it doesn't expire.
	Duration string
}

// validate checks the request, returning the trimmed reason and the
// expiry time (if any)
func (r ModerationRequest) validate(now time.Time) (string, *time.Time, error) {
	if r.GuildID == "" {
		return "", nil, ErrGuildOnly
	}
	if r.Target == nil || r.Author == nil {
		return "", nil, ErrUserNotFound
	}
	if r.Target.ID == r.Author.ID {
		return "", nil, ErrCannotModerateSelf
	}
	reason, err := validateReason(r.Reason)
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(r.Duration) == "" {
		return reason, nil, nil
	}
	d, err := parseDuration(r.Duration)
	if err != nil {
		return "", nil, err
	}
	expiresAt := now.Add(d)
	if err = validateExpiry(&expiresAt, now); err != nil {
		return "", nil, err
	}
	return reason, &expiresAt, nil
}

func validateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", ErrReasonRequired
	}
	if err := validateLength(reason, MaxModerationReasonLength, ErrReasonTooLong); err != nil {
		return "", err
	}
	return reason, nil
}

// moderationLogEntry is sent to a server's moderation log channel
type moderationLogEntry struct {
	Action    string
	GuildID   string
	TargetID  string
	AuthorID  string
	Reason    string
	ExpiresAt *time.Time

	// ActiveWarnings is set for warnings
	ActiveWarnings int64
}

// ModerationService manages warnings, bans and notes
type ModerationService struct {
	db      DBI
	servers *ServerService
	users   *UserService
	discord moderationDiscord
	logger  *slog.Logger
	now     func() time.Time
}

func NewModerationService(
	db DBI,
	servers *ServerService,
	users *UserService,
	discord moderationDiscord,
	logger *slog.Logger,
) *ModerationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModerationService{
		db:      db,
		servers: servers,
		users:   users,
		discord: discord,
		logger:  logger.With(loggerNameKey, "moderation"),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// logAction sends the entry to the server's moderation log channel, if
// one is configured. Failures are logged, not returned.
func (s *ModerationService) logAction(ctx context.Context, entry moderationLogEntry) {
	log := contextLoggerOr(ctx, s.logger)
	server, err := s.servers.Get(ctx, entry.GuildID)
	if err != nil {
		log.ErrorContext(ctx, "error getting server", "guild_id", entry.GuildID, tint.Err(err))
		return
	}
	if server.ModerationLogChannelID == "" {
		return
	}
	_, err = s.discord.ChannelMessageSendEmbed(
		server.ModerationLogChannelID,
		moderationLogEmbed(entry, s.now()),
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error sending moderation log",
			"guild_id", entry.GuildID,
			"channel_id", server.ModerationLogChannelID,
			tint.Err(err),
		)
	}
}

// WarningResult is returned by [ModerationService.AddWarning]
type WarningResult struct {
	Warning        *UserWarning
	ActiveWarnings int64

	// Ban is set if the warning pushed the user over the server's
	// warning threshold
	Ban *UserBan
}

// AddWarning warns the target user. If their active warning count reaches
// the server's threshold, they're banned.
func (s *ModerationService) AddWarning(ctx context.Context, req ModerationRequest) (*WarningResult, error) {
	now := s.now()
	reason, expiresAt, err := req.validate(now)
	if err != nil {
		return nil, err
	}
	if _, err = s.users.ensureUser(ctx, req.Target); err != nil {
		return nil, err
	}
	warning := &UserWarning{
		ServerID:  req.GuildID,
		UserID:    req.Target.ID,
		AuthorID:  req.Author.ID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}
	if _, err = s.db.Create(ctx, warning); err != nil {
		return nil, fmt.Errorf("error creating warning: %w", err)
	}
	log := contextLoggerOr(ctx, s.logger)
	log.InfoContext(
		ctx,
		"warned user",
		"guild_id", req.GuildID,
		"target_id", req.Target.ID,
		"author_id", req.Author.ID,
	)

	count, err := s.CountActiveWarnings(ctx, req.GuildID, req.Target.ID)
	if err != nil {
		return nil, err
	}
	result := &WarningResult{Warning: warning, ActiveWarnings: count}
	s.logAction(
		ctx, moderationLogEntry{
			Action:         "Warning",
			GuildID:        req.GuildID,
			TargetID:       req.Target.ID,
			AuthorID:       req.Author.ID,
			Reason:         reason,
			ExpiresAt:      expiresAt,
			ActiveWarnings: count,
		},
	)

	server, err := s.servers.Get(ctx, req.GuildID)
	if err != nil {
		return result, err
	}
	if server.WarningThreshold <= 0 || count < int64(server.WarningThreshold) {
		return result, nil
	}

	log.InfoContext(
		ctx,
		"user reached warning threshold",
		"guild_id", req.GuildID,
		"target_id", req.Target.ID,
		"threshold", server.WarningThreshold,
	)
	ban, err := s.Ban(
		ctx, ModerationRequest{
			GuildID: req.GuildID,
			Target:  req.Target,
			Author:  req.Author,
			Reason:  autoBanReason,
		},
	)
	switch {
	case errors.Is(err, ErrAlreadyBanned):
	case err != nil:
		return result, fmt.Errorf("error banning user over warning threshold: %w", err)
	default:
		result.Ban = ban
	}
	return result, nil
}

func (s *ModerationService) activeWarnings(ctx context.Context, guildID, userID string) *gorm.DB {
	return s.db.DB().WithContext(ctx).Model(&UserWarning{}).Where(
		"server_id = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)",
		guildID, userID, s.now(),
	)
}

func (s *ModerationService) CountActiveWarnings(ctx context.Context, guildID, userID string) (int64, error) {
	var count int64
	err := s.activeWarnings(ctx, guildID, userID).Count(&count).Error
	return count, err
}

// ListWarnings returns the user's warnings, newest first. If
// includeExpired is set, expired warnings are included.
func (s *ModerationService) ListWarnings(
	ctx context.Context,
	guildID string,
	userID string,
	includeExpired bool,
) ([]UserWarning, error) {
	var warnings []UserWarning
	var q *gorm.DB
	if includeExpired {
		q = s.db.DB().WithContext(ctx).Unscoped().Where("server_id = ? AND user_id = ?", guildID, userID)
	} else {
		q = s.activeWarnings(ctx, guildID, userID)
	}
	err := q.Order("created_at desc").Find(&warnings).Error
	return warnings, err
}

func (s *ModerationService) ListAllWarnings(ctx context.Context, p Pagination) ([]UserWarning, error) {
	var warnings []UserWarning
	err := p.apply(s.db.DB().WithContext(ctx).Unscoped(), "id").Find(&warnings).Error
	return warnings, err
}

// DeleteWarning permanently deletes one warning
func (s *ModerationService) DeleteWarning(ctx context.Context, guildID string, id uint) (*UserWarning, error) {
	var warning UserWarning
	err := s.db.DB().WithContext(ctx).Unscoped().Where(
		"id = ? AND server_id = ?", id, guildID,
	).Take(&warning).Error
	if err != nil {
		return nil, notFound(err, ErrWarningNotFound)
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Unscoped().Delete(&UserWarning{}, warning.ID).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return &warning, nil
}

// ClearWarnings permanently deletes all the user's warnings, returning
// how many were deleted
func (s *ModerationService) ClearWarnings(ctx context.Context, guildID, userID string) (int64, error) {
	var rows int64
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Unscoped().Where(
				"server_id = ? AND user_id = ?", guildID, userID,
			).Delete(&UserWarning{})
			rows = rv.RowsAffected
			return rv.Error
		},
	)
	return rows, err
}

// Ban bans the target from the server through Discord, and records it
func (s *ModerationService) Ban(ctx context.Context, req ModerationRequest) (*UserBan, error) {
	reason, expiresAt, err := req.validate(s.now())
	if err != nil {
		return nil, err
	}
	existing, err := s.GetBan(ctx, req.GuildID, req.Target.ID)
	switch {
	case err == nil && existing != nil:
		return nil, ErrAlreadyBanned
	case err != nil && !errors.Is(err, ErrBanNotFound):
		return nil, err
	}
	if _, err = s.users.ensureUser(ctx, req.Target); err != nil {
		return nil, err
	}

	if err = s.discord.GuildBanCreateWithReason(
		req.GuildID,
		req.Target.ID,
		shortenString(reason, discordMaxAuditLogReason),
		0,
	); err != nil {
		return nil, fmt.Errorf("error banning user: %w", err)
	}

	ban := &UserBan{
		ServerID:  req.GuildID,
		UserID:    req.Target.ID,
		AuthorID:  req.Author.ID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}
	if _, err = s.db.Create(ctx, ban); err != nil {
		return nil, mapUniqueViolation(err, ErrAlreadyBanned)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"banned user",
		"guild_id", req.GuildID,
		"target_id", req.Target.ID,
		"author_id", req.Author.ID,
		"expires_at", expiresAt,
	)
	s.logAction(
		ctx, moderationLogEntry{
			Action:    "Ban",
			GuildID:   req.GuildID,
			TargetID:  req.Target.ID,
			AuthorID:  req.Author.ID,
			Reason:    reason,
			ExpiresAt: expiresAt,
		},
	)
	return ban, nil
}

func (s *ModerationService) GetBan(ctx context.Context, guildID, userID string) (*UserBan, error) {
	var ban UserBan
	err := s.db.DB().WithContext(ctx).Where(
		"server_id = ? AND user_id = ?", guildID, userID,
	).Take(&ban).Error
	if err != nil {
		return nil, notFound(err, ErrBanNotFound)
	}
	return &ban, nil
}

func (s *ModerationService) ListBans(ctx context.Context, guildID string) ([]UserBan, error) {
	var bans []UserBan
	err := s.db.DB().WithContext(ctx).Where(
		"server_id = ?", guildID,
	).Order("created_at desc").Find(&bans).Error
	return bans, err
}

func (s *ModerationService) ListAllBans(ctx context.Context, p Pagination) ([]UserBan, error) {
	var bans []UserBan
	err := p.apply(s.db.DB().WithContext(ctx), "id").Find(&bans).Error
	return bans, err
}

// isUnknownBan reports whether Discord says the user isn't banned
func isUnknownBan(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Message != nil &&
		restErr.Message.Code == discordgo.ErrCodeUnknownBan
}

// LiftBan unbans the user through Discord and deletes the ban record.
// authorID is empty when the ban expired.
func (s *ModerationService) LiftBan(ctx context.Context, guildID, userID, authorID string) (*UserBan, error) {
	ban, err := s.GetBan(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	log := contextLoggerOr(ctx, s.logger)
	if err = s.discord.GuildBanDelete(guildID, userID); err != nil {
		if !isUnknownBan(err) {
			return nil, fmt.Errorf("error lifting ban: %w", err)
		}
		log.WarnContext(ctx, "user was already unbanned", "guild_id", guildID, "user_id", userID)
	}
	if err = s.ForgetBan(ctx, guildID, userID); err != nil {
		return nil, err
	}
	log.InfoContext(
		ctx,
		"lifted ban",
		"guild_id", guildID,
		"user_id", userID,
		"author_id", authorID,
	)
	action := "Ban lifted"
	if authorID == "" {
		action = "Ban expired"
	}
	s.logAction(
		ctx, moderationLogEntry{
			Action:   action,
			GuildID:  guildID,
			TargetID: userID,
			AuthorID: authorID,
			Reason:   ban.Reason,
		},
	)
	return ban, nil
}

// ForgetBan deletes the ban record without calling Discord, for bans
// lifted outside the bot
func (s *ModerationService) ForgetBan(ctx context.Context, guildID, userID string) error {
	_, err := s.db.Delete(ctx, &UserBan{}, "server_id = ? AND user_id = ?", guildID, userID)
	return err
}

// AddNote adds a note about the target user
func (s *ModerationService) AddNote(
	ctx context.Context,
	guildID string,
	target *discordgo.User,
	authorID string,
	content string,
) (*UserNote, error) {
	if guildID == "" {
		return nil, ErrGuildOnly
	}
	if target == nil {
		return nil, ErrUserNotFound
	}
	content, err := validateReason(content)
	if err != nil {
		return nil, err
	}
	if _, err = s.users.ensureUser(ctx, target); err != nil {
		return nil, err
	}
	note := &UserNote{ServerID: guildID, UserID: target.ID, AuthorID: authorID, Content: content}
	if _, err = s.db.Create(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}

func (s *ModerationService) ListNotes(ctx context.Context, guildID, userID string) ([]UserNote, error) {
	var notes []UserNote
	err := s.db.DB().WithContext(ctx).Where(
		"server_id = ? AND user_id = ?", guildID, userID,
	).Order("created_at desc").Find(&notes).Error
	return notes, err
}

func (s *ModerationService) ListAllNotes(ctx context.Context, p Pagination) ([]UserNote, error) {
	var notes []UserNote
	err := p.apply(s.db.DB().WithContext(ctx), "id").Find(&notes).Error
	return notes, err
}

func (s *ModerationService) DeleteNote(ctx context.Context, guildID string, id uint) (*UserNote, error) {
	var note UserNote
	err := s.db.DB().WithContext(ctx).Where("id = ? AND server_id = ?", id, guildID).Take(&note).Error
	if err != nil {
		return nil, notFound(err, ErrNoteNotFound)
	}
	if _, err = s.db.Delete(ctx, &UserNote{}, note.ID); err != nil {
		return nil, err
	}
	return &note, nil
}

// ExpireBans lifts every ban whose expiry has passed, returning how many
// were lifted
func (s *ModerationService) ExpireBans(ctx context.Context) (int, error) {
	var bans []UserBan
	err := s.db.DB().WithContext(ctx).Where(
		"expires_at IS NOT NULL AND expires_at <= ?", s.now(),
	).Find(&bans).Error
	if err != nil {
		return 0, err
	}
	lifted := 0
	var errs []error
	for _, ban := range bans {
		if _, e := s.LiftBan(ctx, ban.ServerID, ban.UserID, ""); e != nil {
			errs = append(errs, fmt.Errorf("ban %d: %w", ban.ID, e))
			continue
		}
		lifted++
	}
	return lifted, errors.Join(errs...)
}

// ExpireWarnings soft-deletes warnings whose expiry has passed
func (s *ModerationService) ExpireWarnings(ctx context.Context) (int64, error) {
	return s.db.Delete(ctx, &UserWarning{}, "expires_at IS NOT NULL AND expires_at <= ?", s.now())
}

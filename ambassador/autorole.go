//nolint:lll // struct tags can't be split
package ambassador

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const discordMaxReactionsPerPage = 100

// AutoroleConfiguration grants RoleID to members meeting all its
// conditions
type AutoroleConfiguration struct {
	ModelUintID
	ServerID string `json:"server_id" gorm:"index;not null"`
	RoleID   string `json:"role_id" gorm:"uniqueIndex;not null"`
	Enabled  bool   `json:"enabled" gorm:"default:true"`

	// RequiresAffirmation means members must also run /autorole affirm
	// before the role is granted
	RequiresAffirmation bool `json:"requires_affirmation"`

	Conditions []AutoroleCondition `json:"conditions" gorm:"foreignKey:AutoroleConfigurationID;constraint:OnDelete:CASCADE"`

	ModelTimestamps
}

// ConditionType discriminates [AutoroleCondition] rows
type ConditionType string

const (
	ConditionTimeSinceJoin         ConditionType = "time_since_join"
	ConditionTimeSinceLastActivity ConditionType = "time_since_last_activity"
	ConditionMessageCountInGuild   ConditionType = "message_count_in_guild"
	ConditionMessageCountInChannel ConditionType = "message_count_in_channel"
	ConditionRole                  ConditionType = "role"
	ConditionReaction              ConditionType = "reaction"
)

var conditionTypes = []ConditionType{
	ConditionTimeSinceJoin,
	ConditionTimeSinceLastActivity,
	ConditionMessageCountInGuild,
	ConditionMessageCountInChannel,
	ConditionRole,
	ConditionReaction,
}

// AutoroleCondition stores any condition type. Only the fields relevant
// to Type are set.
type AutoroleCondition struct {
	ModelUintID
	AutoroleConfigurationID uint          `json:"autorole_configuration_id" gorm:"index;not null"`
	Type                    ConditionType `json:"type" gorm:"type:string;not null"`
	Duration                Duration      `json:"duration"`
	Count                   int64         `json:"count"`
	ChannelID               string        `json:"channel_id"`
	MessageID               string        `json:"message_id"`
	RoleID                  string        `json:"role_id"`
	Emoji                   string        `json:"emoji"`
	ModelTimestamps
}

// Condition decodes the row into its typed condition
func (c AutoroleCondition) Condition() (Condition, error) {
	switch c.Type {
	case ConditionTimeSinceJoin:
		if c.Duration.Duration <= 0 {
			return nil, ErrInvalidCondition
		}
		return TimeSinceJoin{Duration: c.Duration.Duration}, nil
	case ConditionTimeSinceLastActivity:
		if c.Duration.Duration <= 0 {
			return nil, ErrInvalidCondition
		}
		return TimeSinceLastActivity{Duration: c.Duration.Duration}, nil
	case ConditionMessageCountInGuild:
		if c.Count <= 0 {
			return nil, ErrInvalidCondition
		}
		return MessageCountInGuild{Count: c.Count}, nil
	case ConditionMessageCountInChannel:
		if c.Count <= 0 || c.ChannelID == "" {
			return nil, ErrInvalidCondition
		}
		return MessageCountInChannel{ChannelID: c.ChannelID, Count: c.Count}, nil
	case ConditionRole:
		if c.RoleID == "" {
			return nil, ErrInvalidCondition
		}
		return RoleCondition{RoleID: c.RoleID}, nil
	case ConditionReaction:
		if c.ChannelID == "" || c.MessageID == "" || c.Emoji == "" {
			return nil, ErrInvalidCondition
		}
		return ReactionCondition{ChannelID: c.ChannelID, MessageID: c.MessageID, Emoji: c.Emoji}, nil
	default:
		return nil, ErrInvalidConditionType
	}
}

// Condition is a requirement a member must meet for an autorole
type Condition interface {
	Type() ConditionType
	Met(ctx context.Context, m *memberEvaluation) (bool, error)

	// String describes the condition for embeds
	String() string
}

// TimeSinceJoin is met when the member joined the server at least
// Duration ago
type TimeSinceJoin struct {
	Duration time.Duration
}

func (TimeSinceJoin) Type() ConditionType { return ConditionTimeSinceJoin }

func (c TimeSinceJoin) Met(_ context.Context, m *memberEvaluation) (bool, error) {
	if m.member == nil || m.member.JoinedAt.IsZero() {
		return false, nil
	}
	return m.now.Sub(m.member.JoinedAt) >= c.Duration, nil
}

func (c TimeSinceJoin) String() string {
	return fmt.Sprintf("Joined at least %s ago", humanDuration(c.Duration))
}

// TimeSinceLastActivity is met when the member posted in the server
// within the last Duration
type TimeSinceLastActivity struct {
	Duration time.Duration
}

func (TimeSinceLastActivity) Type() ConditionType { return ConditionTimeSinceLastActivity }

func (c TimeSinceLastActivity) Met(ctx context.Context, m *memberEvaluation) (bool, error) {
	last, err := m.activity.lastActivity(ctx, m.guildID, m.userID)
	if err != nil || last.IsZero() {
		return false, err
	}
	return m.now.Sub(last) <= c.Duration, nil
}

func (c TimeSinceLastActivity) String() string {
	return fmt.Sprintf("Active within the last %s", humanDuration(c.Duration))
}

// MessageCountInGuild is met when the member has posted at least Count
// messages in the server
type MessageCountInGuild struct {
	Count int64
}

func (MessageCountInGuild) Type() ConditionType { return ConditionMessageCountInGuild }

func (c MessageCountInGuild) Met(ctx context.Context, m *memberEvaluation) (bool, error) {
	n, err := m.activity.messageCount(ctx, m.guildID, m.userID, "")
	return n >= c.Count, err
}

func (c MessageCountInGuild) String() string {
	return fmt.Sprintf("At least %s messages in the server", humanize.Comma(c.Count))
}

// MessageCountInChannel is met when the member has posted at least Count
// messages in the channel
type MessageCountInChannel struct {
	ChannelID string
	Count     int64
}

func (MessageCountInChannel) Type() ConditionType { return ConditionMessageCountInChannel }

func (c MessageCountInChannel) Met(ctx context.Context, m *memberEvaluation) (bool, error) {
	n, err := m.activity.messageCount(ctx, m.guildID, m.userID, c.ChannelID)
	return n >= c.Count, err
}

func (c MessageCountInChannel) String() string {
	return fmt.Sprintf("At least %s messages in <#%s>", humanize.Comma(c.Count), c.ChannelID)
}

// RoleCondition is met when the member has the role
type RoleCondition struct {
	RoleID string
}

func (RoleCondition) Type() ConditionType { return ConditionRole }

func (c RoleCondition) Met(_ context.Context, m *memberEvaluation) (bool, error) {
	return m.member != nil && slices.Contains(m.member.Roles, c.RoleID), nil
}

func (c RoleCondition) String() string {
	return fmt.Sprintf("Has the <@&%s> role", c.RoleID)
}

// ReactionCondition is met when the member reacted to the message with
// the emoji
type ReactionCondition struct {
	ChannelID string
	MessageID string

	// Emoji is a unicode emoji, or "name:id" for custom emoji
	Emoji string
}

func (ReactionCondition) Type() ConditionType { return ConditionReaction }

func (c ReactionCondition) Met(_ context.Context, m *memberEvaluation) (bool, error) {
	users, err := m.reactions.users(c.ChannelID, c.MessageID, c.Emoji)
	if err != nil {
		return false, err
	}
	_, ok := users[m.userID]
	return ok, nil
}

func (c ReactionCondition) String() string {
	return fmt.Sprintf("Reacted with %s to a message in <#%s>", c.Emoji, c.ChannelID)
}

// humanDuration renders whole days/hours ("3 days", "12 hours")
func humanDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d %s", d/(24*time.Hour), english.PluralWord(int(d/(24*time.Hour)), "day", ""))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d %s", d/time.Hour, english.PluralWord(int(d/time.Hour), "hour", ""))
	default:
		return d.String()
	}
}

// AutoroleAffirmation records that a user accepted an affirmation-gated
// autorole
type AutoroleAffirmation struct {
	ModelUintID
	AutoroleConfigurationID uint   `json:"autorole_configuration_id" gorm:"uniqueIndex:idx_affirmation_config_user;not null"`
	UserID                  string `json:"user_id" gorm:"uniqueIndex:idx_affirmation_config_user;not null"`
	ModelTimestamps
}

// AutoroleGrant records that the bot granted the role to a user. Only
// roles the bot granted are ever revoked.
type AutoroleGrant struct {
	ModelUintID
	AutoroleConfigurationID uint   `json:"autorole_configuration_id" gorm:"uniqueIndex:idx_grant_config_user;not null"`
	UserID                  string `json:"user_id" gorm:"uniqueIndex:idx_grant_config_user;not null"`
	ModelTimestamps
}

// UserActivity counts a user's messages per channel
type UserActivity struct {
	ModelUintID
	ServerID       string    `json:"server_id" gorm:"uniqueIndex:idx_activity_server_user_channel;not null"`
	UserID         string    `json:"user_id" gorm:"uniqueIndex:idx_activity_server_user_channel;not null"`
	ChannelID      string    `json:"channel_id" gorm:"uniqueIndex:idx_activity_server_user_channel;not null"`
	MessageCount   int64     `json:"message_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// autoroleDiscord is the part of the Discord API used by autoroles
type autoroleDiscord interface {
	GuildMember(guildID string, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID string, userID string, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID string, userID string, roleID string, options ...discordgo.RequestOption) error
	MessageReactions(
		channelID string,
		messageID string,
		emojiID string,
		limit int,
		beforeID string,
		afterID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.User, error)
}

// reactionCache memoizes reaction lookups for one evaluation run
type reactionCache struct {
	discord autoroleDiscord
	mu      sync.Mutex
	seen    map[string]map[string]struct{}
}

func (r *reactionCache) users(channelID, messageID, emoji string) (map[string]struct{}, error) {
	key := channelID + "/" + messageID + "/" + emoji
	r.mu.Lock()
	defer r.mu.Unlock()
	if users, ok := r.seen[key]; ok {
		return users, nil
	}
	users := map[string]struct{}{}
	after := ""
	for {
		page, err := r.discord.MessageReactions(
			channelID, messageID, emoji, discordMaxReactionsPerPage, "", after,
		)
		if err != nil {
			return nil, fmt.Errorf("error getting reactions: %w", err)
		}
		for _, u := range page {
			users[u.ID] = struct{}{}
		}
		if len(page) < discordMaxReactionsPerPage {
			break
		}
		after = page[len(page)-1].ID
	}
	r.seen[key] = users
	return users, nil
}

// memberEvaluation holds what conditions need to check one member
type memberEvaluation struct {
	guildID   string
	userID    string
	member    *discordgo.Member
	now       time.Time
	activity  *AutoroleService
	reactions *reactionCache
}

// AutoroleService manages autorole configurations, tracks activity and
// grants or revokes roles
type AutoroleService struct {
	db          DBI
	discord     autoroleDiscord
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

func NewAutoroleService(
	db DBI,
	discord autoroleDiscord,
	logger *slog.Logger,
	concurrency int,
) *AutoroleService {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = DefaultAutoroleConcurrency
	}
	return &AutoroleService{
		db:          db,
		discord:     discord,
		logger:      logger.With(loggerNameKey, "autoroles"),
		concurrency: concurrency,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Create configures a new (enabled) autorole for the role
func (s *AutoroleService) Create(
	ctx context.Context,
	guildID string,
	roleID string,
	requiresAffirmation bool,
) (*AutoroleConfiguration, error) {
	if guildID == "" {
		return nil, ErrGuildOnly
	}
	cfg := &AutoroleConfiguration{
		ServerID:            guildID,
		RoleID:              roleID,
		Enabled:             true,
		RequiresAffirmation: requiresAffirmation,
	}
	if _, err := s.db.Create(ctx, cfg); err != nil {
		return nil, mapUniqueViolation(err, ErrAutoroleExists)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "created autorole", "guild_id", guildID, "role_id", roleID)
	return cfg, nil
}

// Get returns the configuration for the role, with its conditions
func (s *AutoroleService) Get(ctx context.Context, guildID, roleID string) (*AutoroleConfiguration, error) {
	var cfg AutoroleConfiguration
	err := s.db.DB().WithContext(ctx).Preload("Conditions").Where(
		"server_id = ? AND role_id = ?", guildID, roleID,
	).Take(&cfg).Error
	if err != nil {
		return nil, notFound(err, ErrAutoroleNotFound)
	}
	return &cfg, nil
}

func (s *AutoroleService) List(ctx context.Context, guildID string) ([]AutoroleConfiguration, error) {
	var configs []AutoroleConfiguration
	err := s.db.DB().WithContext(ctx).Preload("Conditions").Where(
		"server_id = ?", guildID,
	).Order("id asc").Find(&configs).Error
	return configs, err
}

// Delete removes the configuration and its conditions, affirmations and
// grants. Roles already granted are left in place.
func (s *AutoroleService) Delete(ctx context.Context, guildID, roleID string) error {
	cfg, err := s.Get(ctx, guildID, roleID)
	if err != nil {
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, model := range []any{&AutoroleCondition{}, &AutoroleAffirmation{}, &AutoroleGrant{}} {
				if e := tx.Where("autorole_configuration_id = ?", cfg.ID).Delete(model).Error; e != nil {
					return e
				}
			}
			return tx.Delete(&AutoroleConfiguration{}, cfg.ID).Error
		},
	)
}

func (s *AutoroleService) update(
	ctx context.Context,
	guildID string,
	roleID string,
	values map[string]any,
) (*AutoroleConfiguration, error) {
	cfg, err := s.Get(ctx, guildID, roleID)
	if err != nil {
		return nil, err
	}
	if _, err = s.db.UpdatesWhere(ctx, &AutoroleConfiguration{}, values, "id = ?", cfg.ID); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID, roleID)
}

func (s *AutoroleService) SetEnabled(
	ctx context.Context,
	guildID string,
	roleID string,
	enabled bool,
) (*AutoroleConfiguration, error) {
	return s.update(ctx, guildID, roleID, map[string]any{"enabled": enabled})
}

func (s *AutoroleService) SetRequiresAffirmation(
	ctx context.Context,
	guildID string,
	roleID string,
	required bool,
) (*AutoroleConfiguration, error) {
	return s.update(ctx, guildID, roleID, map[string]any{"requires_affirmation": required})
}

// NewCondition holds the fields accepted when adding a condition. Which
// fields are required depends on Type.
type NewCondition struct {
	Type      string `json:"type" binding:"required"`
	Duration  string `json:"duration"`
	Count     int64  `json:"count"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	RoleID    string `json:"role_id"`
	Emoji     string `json:"emoji"`
}

func parseConditionType(s string) (ConditionType, error) {
	t := ConditionType(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(conditionTypes, t) {
		return "", ErrInvalidConditionType
	}
	return t, nil
}

// AddCondition adds a condition to the role's configuration
func (s *AutoroleService) AddCondition(
	ctx context.Context,
	guildID string,
	roleID string,
	n NewCondition,
) (*AutoroleCondition, error) {
	cfg, err := s.Get(ctx, guildID, roleID)
	if err != nil {
		return nil, err
	}
	conditionType, err := parseConditionType(n.Type)
	if err != nil {
		return nil, err
	}
	c := &AutoroleCondition{
		AutoroleConfigurationID: cfg.ID,
		Type:                    conditionType,
		Count:                   n.Count,
		ChannelID:               strings.TrimSpace(n.ChannelID),
		MessageID:               strings.TrimSpace(n.MessageID),
		RoleID:                  strings.TrimSpace(n.RoleID),
		Emoji:                   strings.TrimSpace(n.Emoji),
	}
	if strings.TrimSpace(n.Duration) != "" {
		d, e := parseDuration(n.Duration)
		if e != nil {
			return nil, e
		}
		c.Duration = Duration{Duration: d}
	}
	if _, err = c.Condition(); err != nil {
		return nil, err
	}
	if _, err = s.db.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *AutoroleService) RemoveCondition(
	ctx context.Context,
	guildID string,
	roleID string,
	conditionID uint,
) error {
	cfg, err := s.Get(ctx, guildID, roleID)
	if err != nil {
		return err
	}
	rows, err := s.db.Delete(
		ctx, &AutoroleCondition{},
		"id = ? AND autorole_configuration_id = ?", conditionID, cfg.ID,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConditionNotFound
	}
	return nil
}

// Affirm records that the user accepts the role, then evaluates them.
// It reports whether the role was granted.
func (s *AutoroleService) Affirm(ctx context.Context, guildID, roleID, userID string) (bool, error) {
	cfg, err := s.Get(ctx, guildID, roleID)
	if err != nil {
		return false, err
	}
	if !cfg.Enabled {
		return false, ErrAutoroleDisabled
	}
	if !cfg.RequiresAffirmation {
		return false, ErrAffirmationNotRequired
	}
	affirmation := &AutoroleAffirmation{AutoroleConfigurationID: cfg.ID, UserID: userID}
	if _, err = s.db.Create(ctx, affirmation); err != nil {
		return false, mapUniqueViolation(err, ErrAutoroleAlreadyAffirmed)
	}
	conditions, err := decodeConditions(cfg.Conditions)
	if err != nil {
		return false, err
	}
	result := &EvaluationResult{}
	err = s.evaluateMember(
		ctx, cfg, conditions, userID,
		&reactionCache{discord: s.discord, seen: map[string]map[string]struct{}{}},
		result,
	)
	return result.Granted.Load() > 0, err
}

// RecordActivity counts a message from the user in the channel
func (s *AutoroleService) RecordActivity(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
	at time.Time,
) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "server_id"}, {Name: "user_id"}, {Name: "channel_id"}},
					DoUpdates: clause.Assignments(
						map[string]any{
							"message_count":    gorm.Expr("user_activities.message_count + 1"),
							"last_activity_at": at,
						},
					),
				},
			).Create(
				&UserActivity{
					ServerID:       guildID,
					UserID:         userID,
					ChannelID:      channelID,
					MessageCount:   1,
					LastActivityAt: at,
				},
			).Error
		},
	)
}

func (s *AutoroleService) messageCount(ctx context.Context, guildID, userID, channelID string) (int64, error) {
	var total int64
	q := s.db.DB().WithContext(ctx).Model(&UserActivity{}).Where(
		"server_id = ? AND user_id = ?", guildID, userID,
	)
	if channelID != "" {
		q = q.Where("channel_id = ?", channelID)
	}
	err := q.Select("COALESCE(SUM(message_count), 0)").Scan(&total).Error
	return total, err
}

func (s *AutoroleService) lastActivity(ctx context.Context, guildID, userID string) (time.Time, error) {
	var a UserActivity
	err := s.db.DB().WithContext(ctx).Where(
		"server_id = ? AND user_id = ?", guildID, userID,
	).Order("last_activity_at desc").Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	return a.LastActivityAt, err
}

// ActivitySummary returns the user's total messages and last activity
// on the server
func (s *AutoroleService) ActivitySummary(ctx context.Context, guildID, userID string) (int64, time.Time, error) {
	n, err := s.messageCount(ctx, guildID, userID, "")
	if err != nil {
		return 0, time.Time{}, err
	}
	last, err := s.lastActivity(ctx, guildID, userID)
	return n, last, err
}

// EvaluationResult counts the outcome of an evaluation run
type EvaluationResult struct {
	Checked atomic.Int64
	Granted atomic.Int64
	Revoked atomic.Int64
	Errors  atomic.Int64
}

func (r *EvaluationResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("checked", r.Checked.Load()),
		slog.Int64("granted", r.Granted.Load()),
		slog.Int64("revoked", r.Revoked.Load()),
		slog.Int64("errors", r.Errors.Load()),
	)
}

func (r *EvaluationResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(
		map[string]int64{
			"checked": r.Checked.Load(),
			"granted": r.Granted.Load(),
			"revoked": r.Revoked.Load(),
			"errors":  r.Errors.Load(),
		},
	)
}

func decodeConditions(rows []AutoroleCondition) ([]Condition, error) {
	conditions := make([]Condition, 0, len(rows))
	for _, row := range rows {
		c, err := row.Condition()
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", row.ID, err)
		}
		conditions = append(conditions, c)
	}
	return conditions, nil
}

// candidates returns every user who might hold or earn the role: users
// with tracked activity, plus users who affirmed or were granted it
func (s *AutoroleService) candidates(ctx context.Context, cfg *AutoroleConfiguration) ([]string, error) {
	db := s.db.DB().WithContext(ctx)
	var active, affirmed, granted []string
	if err := db.Model(&UserActivity{}).Where(
		"server_id = ?", cfg.ServerID,
	).Distinct().Pluck("user_id", &active).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&AutoroleAffirmation{}).Where(
		"autorole_configuration_id = ?", cfg.ID,
	).Pluck("user_id", &affirmed).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&AutoroleGrant{}).Where(
		"autorole_configuration_id = ?", cfg.ID,
	).Pluck("user_id", &granted).Error; err != nil {
		return nil, err
	}
	all := slices.Concat(active, affirmed, granted)
	slices.Sort(all)
	return slices.Compact(all), nil
}

// Evaluate checks every candidate member against every enabled autorole
// on the server (or on all servers, if guildID is empty), granting and
// revoking roles as needed
func (s *AutoroleService) Evaluate(ctx context.Context, guildID string) (*EvaluationResult, error) {
	var configs []AutoroleConfiguration
	q := s.db.DB().WithContext(ctx).Preload("Conditions").Where("enabled = ?", true)
	if guildID != "" {
		q = q.Where("server_id = ?", guildID)
	}
	if err := q.Find(&configs).Error; err != nil {
		return nil, err
	}

	log := contextLoggerOr(ctx, s.logger)
	result := &EvaluationResult{}
	reactions := &reactionCache{discord: s.discord, seen: map[string]map[string]struct{}{}}

	for i := range configs {
		cfg := &configs[i]
		conditions, err := decodeConditions(cfg.Conditions)
		if err != nil {
			log.ErrorContext(ctx, "skipping autorole with invalid conditions", "role_id", cfg.RoleID, tint.Err(err))
			result.Errors.Add(1)
			continue
		}
		userIDs, err := s.candidates(ctx, cfg)
		if err != nil {
			return result, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, userID := range userIDs {
			g.Go(
				func() error {
					if e := s.evaluateMember(gctx, cfg, conditions, userID, reactions, result); e != nil {
						result.Errors.Add(1)
						log.WarnContext(
							gctx,
							"error evaluating autorole",
							"role_id", cfg.RoleID,
							"user_id", userID,
							tint.Err(e),
						)
					}
					return gctx.Err()
				},
			)
		}
		if err = g.Wait(); err != nil {
			return result, err
		}
	}
	log.InfoContext(ctx, "evaluated autoroles", "guild_id", guildID, "result", result)
	return result, nil
}

func isUnknownMember(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Message != nil &&
		restErr.Message.Code == discordgo.ErrCodeUnknownMember
}

// evaluateMember grants the role if every condition (and affirmation,
// if required) is met, otherwise revokes it if the bot granted it.
// Members who left the server only lose their grant record.
func (s *AutoroleService) evaluateMember(
	ctx context.Context,
	cfg *AutoroleConfiguration,
	conditions []Condition,
	userID string,
	reactions *reactionCache,
	result *EvaluationResult,
) error {
	result.Checked.Add(1)
	granted, err := s.hasGrant(ctx, cfg.ID, userID)
	if err != nil {
		return err
	}

	member, err := s.discord.GuildMember(cfg.ServerID, userID)
	if err != nil {
		if isUnknownMember(err) {
			// left the server
			if !granted {
				return nil
			}
			_, err = s.db.Delete(ctx, &AutoroleGrant{}, "autorole_configuration_id = ? AND user_id = ?", cfg.ID, userID)
			return err
		}
		return fmt.Errorf("error getting member: %w", err)
	}
	if member.User != nil && member.User.Bot {
		return nil
	}

	eligible, err := s.eligible(ctx, cfg, conditions, member, userID, reactions)
	if err != nil {
		return err
	}
	hasRole := slices.Contains(member.Roles, cfg.RoleID)

	switch {
	case eligible && !hasRole:
		if err = s.discord.GuildMemberRoleAdd(cfg.ServerID, userID, cfg.RoleID); err != nil {
			return fmt.Errorf("error adding role: %w", err)
		}
		result.Granted.Add(1)
		return s.db.Transaction(
			ctx, func(tx *gorm.DB) error {
				return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
					&AutoroleGrant{AutoroleConfigurationID: cfg.ID, UserID: userID},
				).Error
			},
		)
	case !eligible && granted:
		if hasRole {
			if err = s.discord.GuildMemberRoleRemove(cfg.ServerID, userID, cfg.RoleID); err != nil {
				return fmt.Errorf("error removing role: %w", err)
			}
			result.Revoked.Add(1)
		}
		_, err = s.db.Delete(ctx, &AutoroleGrant{}, "autorole_configuration_id = ? AND user_id = ?", cfg.ID, userID)
		return err
	}
	return nil
}

func (s *AutoroleService) eligible(
	ctx context.Context,
	cfg *AutoroleConfiguration,
	conditions []Condition,
	member *discordgo.Member,
	userID string,
	reactions *reactionCache,
) (bool, error) {
	// an autorole without conditions grants nothing
	if len(conditions) == 0 {
		return false, nil
	}
	if cfg.RequiresAffirmation {
		var n int64
		err := s.db.DB().WithContext(ctx).Model(&AutoroleAffirmation{}).Where(
			"autorole_configuration_id = ? AND user_id = ?", cfg.ID, userID,
		).Count(&n).Error
		if err != nil || n == 0 {
			return false, err
		}
	}
	m := &memberEvaluation{
		guildID:   cfg.ServerID,
		userID:    userID,
		member:    member,
		now:       s.now(),
		activity:  s,
		reactions: reactions,
	}
	for _, c := range conditions {
		met, err := c.Met(ctx, m)
		if err != nil || !met {
			return false, err
		}
	}
	return true, nil
}

func (s *AutoroleService) hasGrant(ctx context.Context, configID uint, userID string) (bool, error) {
	var n int64
	err := s.db.DB().WithContext(ctx).Model(&AutoroleGrant{}).Where(
		"autorole_configuration_id = ? AND user_id = ?", configID, userID,
	).Count(&n).Error
	return n > 0, err
}

package ambassador

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	maxWarningThreshold = 100
	serverCacheKeyFmt   = "server:%s"
)

var (
	columnServerModerationLogChannelID = "moderation_log_channel_id"
	columnServerWarningThreshold       = "warning_threshold"
	columnServerModeratorRoleID        = "moderator_role_id"
	columnServerRequireOptIn           = "require_transformation_opt_in"
	columnServerName                   = "name"
)

// Server holds per-guild settings
type Server struct {
	// ID is the Discord guild ID
	ID   string `json:"id" gorm:"primaryKey;type:string"`
	Name string `json:"name"`

	// ModerationLogChannelID receives an embed for every warning and ban
	ModerationLogChannelID string `json:"moderation_log_channel_id"`

	// WarningThreshold is the number of active warnings which
	// results in an automatic ban. 0 disables automatic bans.
	WarningThreshold int `json:"warning_threshold"`

	// ModeratorRoleID grants access to moderation commands, in addition
	// to Discord's own permissions
	ModeratorRoleID string `json:"moderator_role_id"`

	// RequireTransformationOptIn, if set, only allows transforming the
	// characters of users who opted in on this server
	RequireTransformationOptIn bool `json:"require_transformation_opt_in"`

	ModelUnixTime
}

func (s Server) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("name", s.Name),
		slog.Int(columnServerWarningThreshold, s.WarningThreshold),
	)
}

// ServerService reads and updates [Server] settings, caching reads
type ServerService struct {
	db     DBI
	cache  SettingsCache
	logger *slog.Logger

	// defaultWarningThreshold is applied to new servers
	defaultWarningThreshold func() int

	// onUpdate is called after settings change, to notify other instances
	onUpdate func(ctx context.Context, guildID string)
}

func NewServerService(db DBI, cache SettingsCache, logger *slog.Logger) *ServerService {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = newMemoryCache(DefaultCacheTTL)
	}
	return &ServerService{
		db:     db,
		cache:  cache,
		logger: logger.With(loggerNameKey, "servers"),
	}
}

func serverCacheKey(guildID string) string {
	return fmt.Sprintf(serverCacheKeyFmt, guildID)
}

// Get returns the settings for the given guild, creating a default
// record if none exists.
func (s *ServerService) Get(ctx context.Context, guildID string) (*Server, error) {
	if guildID == "" {
		return nil, ErrGuildOnly
	}
	var server Server
	found, err := s.cache.Get(ctx, serverCacheKey(guildID), &server)
	if err != nil {
		s.logger.WarnContext(ctx, "error reading server cache", "guild_id", guildID, tint.Err(err))
	}
	if found {
		return &server, nil
	}

	err = s.db.DB().WithContext(ctx).Where("id = ?", guildID).Take(&server).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		server = Server{ID: guildID, WarningThreshold: DefaultWarningThreshold}
		if s.defaultWarningThreshold != nil {
			server.WarningThreshold = s.defaultWarningThreshold()
		}
		if _, err = s.db.Create(ctx, &server); err != nil && !isUniqueViolation(err) {
			return nil, fmt.Errorf("error creating server: %w", err)
		}
	case err != nil:
		return nil, err
	}

	if err = s.cache.Set(ctx, serverCacheKey(guildID), server); err != nil {
		s.logger.WarnContext(ctx, "error caching server", "guild_id", guildID, tint.Err(err))
	}
	return &server, nil
}

// Invalidate drops the cached settings for the given guild
func (s *ServerService) Invalidate(ctx context.Context, guildID string) {
	if err := s.cache.Delete(ctx, serverCacheKey(guildID)); err != nil {
		s.logger.WarnContext(ctx, "error invalidating server cache", "guild_id", guildID, tint.Err(err))
	}
}

func (s *ServerService) update(ctx context.Context, guildID string, values map[string]any) (*Server, error) {
	if _, err := s.Get(ctx, guildID); err != nil {
		return nil, err
	}
	if _, err := s.db.Updates(ctx, &Server{ID: guildID}, values); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, guildID)
	if s.onUpdate != nil {
		s.onUpdate(ctx, guildID)
	}
	return s.Get(ctx, guildID)
}

// SetName records the guild's name, if it changed
func (s *ServerService) SetName(ctx context.Context, guildID string, name string) error {
	server, err := s.Get(ctx, guildID)
	if err != nil {
		return err
	}
	if server.Name == name || name == "" {
		return nil
	}
	_, err = s.update(ctx, guildID, map[string]any{columnServerName: name})
	return err
}

// SetModerationLogChannel sets the channel moderation actions are logged
// to. An empty channelID disables logging.
func (s *ServerService) SetModerationLogChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) (*Server, error) {
	return s.update(ctx, guildID, map[string]any{columnServerModerationLogChannelID: channelID})
}

// SetWarningThreshold sets how many active warnings trigger an automatic
// ban. 0 disables automatic bans.
func (s *ServerService) SetWarningThreshold(
	ctx context.Context,
	guildID string,
	threshold int,
) (*Server, error) {
	if threshold < 0 || threshold > maxWarningThreshold {
		return nil, ErrInvalidWarningThreshold
	}
	return s.update(ctx, guildID, map[string]any{columnServerWarningThreshold: threshold})
}

func (s *ServerService) SetModeratorRole(
	ctx context.Context,
	guildID string,
	roleID string,
) (*Server, error) {
	return s.update(ctx, guildID, map[string]any{columnServerModeratorRoleID: roleID})
}

func (s *ServerService) SetRequireOptIn(
	ctx context.Context,
	guildID string,
	require bool,
) (*Server, error) {
	return s.update(ctx, guildID, map[string]any{columnServerRequireOptIn: require})
}

// List returns servers ordered by ID
func (s *ServerService) List(ctx context.Context, p Pagination) ([]Server, error) {
	var servers []Server
	err := p.apply(s.db.DB().WithContext(ctx), "id").Find(&servers).Error
	return servers, err
}

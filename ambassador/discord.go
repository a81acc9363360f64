package ambassador

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var errNoDiscordSession = errors.New("discord session not initialized")

// Discord owns the bot's session. Moderation and autoroles make their REST
// calls through it, so they can be built before the session exists.
type Discord struct {
	session        DiscordSessionHandler
	config         *DiscordConfig
	logger         *slog.Logger
	publicKey      ed25519.PublicKey
	removeHandlers []func()
	amb            *Ambassador

	connected    atomic.Bool
	connects     atomic.Int64
	disconnects  atomic.Int64
	messagesSeen atomic.Int64
}

// GatewayStats is a snapshot of gateway activity since startup
type GatewayStats struct {
	Connected    bool  `json:"connected"`
	Connects     int64 `json:"connects"`
	Disconnects  int64 `json:"disconnects"`
	MessagesSeen int64 `json:"messages_seen"`
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	key, err := parsePublicKey(config.WebhookServer.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Discord{config: config, publicKey: key, logger: slog.Default()}, nil
}

// parsePublicKey decodes the application's hex-encoded ed25519 key.
// An empty string yields a nil key.
func parsePublicKey(s string) (ed25519.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("error decoding public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func (d *Discord) newSession() (DiscordSessionHandler, error) {
	s, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	s.SyncEvents = true
	s.StateEnabled = false
	session := DiscordSession{Session: s}
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	if lvl := d.config.DiscordGoLogLevel; lvl != nil {
		if err = session.SetLogLevel(lvl.Level()); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (d *Discord) rest() (DiscordSessionHandler, error) {
	if d.session == nil {
		return nil, errNoDiscordSession
	}
	return d.session, nil
}

// Stats reports the gateway connection state and counters
func (d *Discord) Stats() GatewayStats {
	return GatewayStats{
		Connected:    d.connected.Load(),
		Connects:     d.connects.Load(),
		Disconnects:  d.disconnects.Load(),
		MessagesSeen: d.messagesSeen.Load(),
	}
}

func (d *Discord) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s, err := d.rest()
	if err != nil {
		return nil, err
	}
	msg, err := s.ChannelMessageSendEmbed(channelID, embed, options...)
	if err != nil {
		d.logger.Error("error sending embed", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

// GuildBanCreateWithReason bans the user, trimming the reason to fit
// the audit log
func (d *Discord) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	options ...discordgo.RequestOption,
) error {
	s, err := d.rest()
	if err != nil {
		return err
	}
	return s.GuildBanCreateWithReason(guildID, userID, truncate(reason, discordMaxAuditLogReason), days, options...)
}

func (d *Discord) GuildBanDelete(guildID string, userID string, options ...discordgo.RequestOption) error {
	s, err := d.rest()
	if err != nil {
		return err
	}
	return s.GuildBanDelete(guildID, userID, options...)
}

func (d *Discord) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	s, err := d.rest()
	if err != nil {
		return nil, err
	}
	return s.GuildMember(guildID, userID, options...)
}

func (d *Discord) GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	s, err := d.rest()
	if err != nil {
		return err
	}
	return s.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d *Discord) GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	s, err := d.rest()
	if err != nil {
		return err
	}
	return s.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}

func (d *Discord) MessageReactions(
	channelID string,
	messageID string,
	emojiID string,
	limit int,
	beforeID string,
	afterID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	s, err := d.rest()
	if err != nil {
		return nil, err
	}
	return s.MessageReactions(channelID, messageID, emojiID, limit, beforeID, afterID, options...)
}

// gatewayHandlers returns the connection lifecycle handlers to add to
// the session
func (d *Discord) gatewayHandlers() []any {
	sessionID := func(s *discordgo.Session) string {
		if s == nil || s.State == nil {
			return ""
		}
		return s.State.SessionID
	}
	return []any{
		func(s *discordgo.Session, _ *discordgo.Connect) {
			d.connected.Store(true)
			n := d.connects.Add(1)
			d.logger.Info("gateway connected", "session_id", sessionID(s), "connects", n)
			if d.amb != nil {
				d.announceStartup(d.amb.RuntimeConfig())
			}
		},
		func(s *discordgo.Session, _ *discordgo.Disconnect) {
			d.connected.Store(false)
			n := d.disconnects.Add(1)
			d.logger.Info("gateway disconnected", "session_id", sessionID(s), "disconnects", n)
		},
		func(_ *discordgo.Session, r *discordgo.Ready) {
			attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
			if r.User != nil {
				attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
			}
			d.logger.Info("gateway ready", attrs...)
		},
	}
}

// announceStartup posts [DiscordConfig.StartupMessage] to the
// notification channel. It runs on every (re)connect.
func (d *Discord) announceStartup(cfg RuntimeConfig) {
	channelID := cfg.DiscordNotificationChannelID
	if !cfg.DiscordGatewayEnabled || channelID == "" || d.config.StartupMessage == "" {
		return
	}
	s, err := d.rest()
	if err != nil {
		return
	}
	_, err = s.ChannelMessageSend(
		channelID,
		d.config.StartupMessage,
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		d.logger.Error("unable to send startup message", "channel_id", channelID, tint.Err(err))
		return
	}
	d.logger.Info("sent startup message", "channel_id", channelID)
}

// setPresence shows the bot as do-not-disturb while paused. Otherwise it
// sets the custom status, clearing it when status is empty.
func (d *Discord) setPresence(paused bool, status string) error {
	s, err := d.rest()
	if err != nil {
		return err
	}
	if paused {
		return s.UpdateStatusComplex(
			discordgo.UpdateStatusData{AFK: true, Status: string(discordgo.StatusDoNotDisturb)},
		)
	}
	return s.UpdateCustomStatus(status)
}

// registerCommands bulk-overwrites the bot's commands, in
// [DiscordConfig.GuildID] when set, otherwise globally
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	s, err := d.rest()
	if err != nil {
		return nil, err
	}
	created, err := s.ApplicationCommandBulkOverwrite(d.config.ApplicationID, d.config.GuildID, commands, options...)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Debug("registered command", "command", c.Name, "id", c.ID)
	}
	d.logger.Info("registered commands", "count", len(created), "guild_id", d.config.GuildID)
	return created, nil
}

// getDiscordUser returns the user who created the interaction. In guilds,
// this is found on the member rather than the interaction.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i == nil {
		return nil
	}
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// messageAuthor returns the author of a gateway message, falling back
// to the member
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}

// DiscordSessionHandler is the part of [discordgo.Session] the bot uses,
// so tests can swap in a fake.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()

	// SetIdentify sets what's sent in the gateway handshake
	SetIdentify(discordgo.Identify)
	SetHTTPClient(client *http.Client)
	SetLogLevel(lvl slog.Level) error

	UpdateCustomStatus(status string) error
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error
	GuildBanDelete(guildID string, userID string, options ...discordgo.RequestOption) error
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

// DiscordSession implements [DiscordSessionHandler] with a live session.
// Everything but the setters is promoted from [discordgo.Session].
type DiscordSession struct {
	*discordgo.Session
}

var discordgoLogLevels = map[slog.Level]int{
	slog.LevelDebug: discordgo.LogDebug,
	slog.LevelInfo:  discordgo.LogInformational,
	slog.LevelWarn:  discordgo.LogWarning,
	slog.LevelError: discordgo.LogError,
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, ok := discordgoLogLevels[lvl]
	if !ok {
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	d.LogLevel = level
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.Identify = i
}

package ambassador

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// InteractionOutcome is how the bot disposed of an interaction
type InteractionOutcome string

const (
	// OutcomeOK means the command ran and its reply was sent
	OutcomeOK InteractionOutcome = "ok"
	// OutcomeFailed means the command ran and returned an error
	OutcomeFailed InteractionOutcome = "failed"
	// OutcomeRejected means the command never ran: the bot was paused,
	// the command was unknown, or the user lacked permission
	OutcomeRejected InteractionOutcome = "rejected"
	// OutcomeIgnored means nothing was sent back (bots, ignored users)
	OutcomeIgnored InteractionOutcome = "ignored"
)

// InteractionLog is one received interaction, with its command path and
// how it was handled
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	Type          string                          `json:"type" gorm:"type:string"`
	Command       string                          `json:"command" gorm:"type:string;index"`
	Subcommand    string                          `json:"subcommand,omitempty" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null;index"`
	Username      string                          `json:"username" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string;index"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Outcome       InteractionOutcome              `json:"outcome" gorm:"type:string;index"`
	Error         string                          `json:"error,omitempty" gorm:"type:string"`
	ElapsedMS     int64                           `json:"elapsed_ms"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
) *InteractionLog {
	entry := &InteractionLog{
		InteractionID: i.ID,
		Method:        method,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
	}
	if p, err := json.Marshal(i); err == nil {
		entry.Payload = string(p)
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
		entry.Command = i.ApplicationCommandData().Name
		entry.Subcommand = discordInteractionOptions(i).Subcommand()
	}
	return entry
}

// finish records the outcome. cause may be nil.
func (l *InteractionLog) finish(outcome InteractionOutcome, cause error, elapsed time.Duration) {
	l.Outcome = outcome
	l.ElapsedMS = elapsed.Milliseconds()
	if cause != nil {
		l.Error = truncate(cause.Error(), discordMaxMessageLength)
	}
}

// listInteractionLogs returns logged interactions, newest first by default
func listInteractionLogs(ctx context.Context, db *gorm.DB, p Pagination) ([]InteractionLog, error) {
	var logs []InteractionLog
	err := p.apply(db.WithContext(ctx), "created_at").Find(&logs).Error
	return logs, err
}

// InteractionHandler sends the replies to one interaction. Commands only
// talk to Discord through this, so they behave the same whether the
// interaction came in over the gateway or the webhook server.
type InteractionHandler interface {
	// Respond sends the initial response
	Respond(ctx context.Context, r *discordgo.InteractionResponse) error

	// Edit replaces the response after a deferred Respond
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GetInteraction() *discordgo.InteractionCreate
	InteractionReceiveMethod() DiscordInteractionReceiveMethod
	Logger() *slog.Logger
}

// respondEmbeds sends embeds as the initial response
func respondEmbeds(
	ctx context.Context,
	handler InteractionHandler,
	flags discordgo.MessageFlags,
	embeds ...*discordgo.MessageEmbed,
) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Embeds: embeds, Flags: flags},
		},
	)
}

// deferResponse acknowledges the interaction, showing "thinking..."
// until editEmbeds is called
func deferResponse(ctx context.Context, handler InteractionHandler, flags discordgo.MessageFlags) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: flags},
		},
	)
}

func editEmbeds(ctx context.Context, handler InteractionHandler, embeds ...*discordgo.MessageEmbed) error {
	_, err := handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds})
	return err
}

// gatewayInteraction answers an interaction received over the gateway
// through the REST API
type gatewayInteraction struct {
	session DiscordSessionHandler
	event   *discordgo.InteractionCreate
	logger  *slog.Logger
}

func (gatewayInteraction) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (g gatewayInteraction) GetInteraction() *discordgo.InteractionCreate {
	return g.event
}

func (g gatewayInteraction) Logger() *slog.Logger {
	return g.logger
}

func (g gatewayInteraction) Respond(ctx context.Context, r *discordgo.InteractionResponse) error {
	err := g.session.InteractionRespond(g.event.Interaction, r)
	g.logResult(ctx, "respond", err, "response_type", r.Type)
	return err
}

func (g gatewayInteraction) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := g.session.InteractionResponseEdit(g.event.Interaction, e, opts...)
	g.logResult(ctx, "edit", err)
	return msg, err
}

func (g gatewayInteraction) logResult(ctx context.Context, action string, err error, attrs ...any) {
	if err != nil {
		g.logger.ErrorContext(ctx, "interaction "+action+" failed", append(attrs, tint.Err(err))...)
		return
	}
	g.logger.DebugContext(ctx, "interaction "+action, attrs...)
}

package ambassador

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	pausedMessage          = "I'm taking a break right now, try again later"
	unknownCommandMessage  = "I don't know that command"
	optionName             = "name"
	optionNewName          = "new_name"
	optionUser             = "user"
	optionReason           = "reason"
	optionDuration         = "duration"
	optionID               = "id"
	optionChannel          = "channel"
	optionRole             = "role"
	optionPart             = "part"
	optionSpecies          = "species"
	optionColour           = "colour"
	optionPattern          = "pattern"
	optionSize             = "size"
	optionEnabled          = "enabled"
	optionSummary          = "summary"
	optionValue            = "value"
	optionAll              = "all"
	autocompleteNameLength = discordMaxApplicationOptionLen
	maxIDOptionValue       = math.MaxInt32
)

// commandContext is passed to every subcommand
type commandContext struct {
	ctx         context.Context
	a           *Ambassador
	handler     InteractionHandler
	interaction *discordgo.InteractionCreate
	user        *User
	discordUser *discordgo.User
	opts        commandOptions
	logger      *slog.Logger
	now         time.Time
}

func (c *commandContext) guildID() string {
	return c.interaction.GuildID
}

func (c *commandContext) channelID() string {
	return c.interaction.ChannelID
}

// resolvedUser returns the user given for a user option, or nil if the
// option wasn't set
func (c *commandContext) resolvedUser(option string) *discordgo.User {
	id := c.opts.Snowflake(option)
	if id == "" {
		return nil
	}
	data := c.interaction.ApplicationCommandData()
	if data.Resolved != nil {
		if u, ok := data.Resolved.Users[id]; ok && u != nil {
			return u
		}
		if m, ok := data.Resolved.Members[id]; ok && m != nil && m.User != nil {
			return m.User
		}
	}
	return &discordgo.User{ID: id}
}

// userOrSelf returns the user given for the option, or the invoking user
func (c *commandContext) userOrSelf(option string) *discordgo.User {
	if u := c.resolvedUser(option); u != nil {
		return u
	}
	return c.discordUser
}

// subcommand is a handler for one subcommand path, like "set avatar"
type subcommand struct {
	run func(c *commandContext) (*discordgo.MessageEmbed, error)

	// permission, if set, is required to run the subcommand, unless
	// moderatorRole is set and the member has the server's moderator role
	permission    int64
	moderatorRole bool

	// ephemeral replies are only shown to the invoking user
	ephemeral bool

	// deferred subcommands acknowledge the interaction first, for work
	// that may take longer than discord's response deadline
	deferred bool
}

// command is a registered slash command
type command struct {
	definition  *discordgo.ApplicationCommand
	guildOnly   bool
	subcommands map[string]subcommand

	// autocomplete returns choices for the focused option
	autocomplete func(c *commandContext, focused *discordgo.ApplicationCommandInteractionDataOption) (
		[]*discordgo.ApplicationCommandOptionChoice,
		error,
	)
}

type commandRegistry struct {
	commands map[string]*command
	order    []string
}

func newCommandRegistry(commands ...*command) *commandRegistry {
	r := &commandRegistry{commands: map[string]*command{}}
	for _, cmd := range commands {
		name := cmd.definition.Name
		if _, exists := r.commands[name]; exists {
			panic(fmt.Sprintf("duplicate command: %s", name))
		}
		r.commands[name] = cmd
		r.order = append(r.order, name)
	}
	return r
}

// defaultCommands returns every slash command the bot registers
func defaultCommands() *commandRegistry {
	return newCommandRegistry(
		characterCommand(),
		warningCommand(),
		banCommand(),
		noteCommand(),
		serverCommand(),
		shiftCommand(),
		transformationCommand(),
		autoroleCommand(),
		roleplayCommand(),
	)
}

func (r *commandRegistry) get(name string) (*command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// applicationCommands returns the definitions to register with discord
func (r *commandRegistry) applicationCommands() []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.commands[name].definition)
	}
	return out
}

func (a *Ambassador) newCommandContext(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
) *commandContext {
	i := handler.GetInteraction()
	return &commandContext{
		ctx:         ctx,
		a:           a,
		handler:     handler,
		interaction: i,
		user:        u,
		discordUser: getDiscordUser(i),
		opts:        discordInteractionOptions(i),
		logger:      contextLoggerOr(ctx, a.logger),
		now:         time.Now(),
	}
}

var (
	errPaused         = errors.New("paused")
	errUnknownCommand = errors.New("unknown command")
)

// handleApplicationCommand dispatches the command to its subcommand
// handler and responds with the resulting embed. It reports the outcome
// for the interaction log.
func (a *Ambassador) handleApplicationCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
) (InteractionOutcome, error) {
	c := a.newCommandContext(ctx, handler, u)
	logger := c.logger

	if a.paused.Load() {
		a.respondError(ctx, handler, pausedMessage)
		return OutcomeRejected, errPaused
	}

	name := c.interaction.ApplicationCommandData().Name
	path := c.opts.Subcommand()
	cmd, ok := a.commands.get(name)
	var sub subcommand
	if ok {
		sub, ok = cmd.subcommands[path]
	}
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", name, "subcommand", path)
		a.respondError(ctx, handler, unknownCommandMessage)
		return OutcomeRejected, errUnknownCommand
	}

	if cmd.guildOnly && c.guildID() == "" {
		a.respondError(ctx, handler, ErrGuildOnly.Error())
		return OutcomeRejected, ErrGuildOnly
	}
	if sub.permission != 0 {
		allowed, err := a.hasPermission(ctx, c.interaction, sub.permission, sub.moderatorRole)
		if err != nil {
			logger.ErrorContext(ctx, "error checking permissions", tint.Err(err))
			a.respondCommandError(ctx, handler, err)
			return OutcomeFailed, err
		}
		if !allowed {
			a.respondError(ctx, handler, ErrPermissionDenied.Error())
			return OutcomeRejected, ErrPermissionDenied
		}
	}

	var flags discordgo.MessageFlags
	if sub.ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	if sub.deferred {
		if err := deferResponse(ctx, handler, flags); err != nil {
			return OutcomeFailed, err
		}
	}

	embed, err := a.runSubcommand(c, sub)
	switch {
	case err != nil && sub.deferred:
		logger.InfoContext(ctx, "command failed", "subcommand", path, tint.Err(err))
		_ = editEmbeds(ctx, handler, errorEmbed(a.commandErrorMessage(err)))
		return OutcomeFailed, err
	case err != nil:
		logger.InfoContext(ctx, "command failed", "subcommand", path, tint.Err(err))
		a.respondCommandError(ctx, handler, err)
		return OutcomeFailed, err
	case sub.deferred:
		err = editEmbeds(ctx, handler, embed)
	default:
		err = respondEmbeds(ctx, handler, flags, embed)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeOK, nil
}

// runSubcommand runs the handler, recovering panics when the runtime
// config says to
func (a *Ambassador) runSubcommand(c *commandContext, sub subcommand) (embed *discordgo.MessageEmbed, err error) {
	if a.RuntimeConfig().RecoverPanic {
		defer func() {
			if r := recover(); r != nil {
				a.handleRecover(c.ctx, r)
				err = fmt.Errorf("panic running command: %v", r)
			}
		}()
	}
	return sub.run(c)
}

// handleAutocomplete responds with choices for the focused option
func (a *Ambassador) handleAutocomplete(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
) (InteractionOutcome, error) {
	c := a.newCommandContext(ctx, handler, u)
	choices := []*discordgo.ApplicationCommandOptionChoice{}
	outcome := OutcomeOK
	var cause error

	cmd, ok := a.commands.get(c.interaction.ApplicationCommandData().Name)
	focused := c.opts.Focused()
	switch {
	case a.paused.Load():
		outcome, cause = OutcomeRejected, errPaused
	case !ok || cmd.autocomplete == nil || focused == nil:
		outcome, cause = OutcomeRejected, errUnknownCommand
	default:
		found, err := cmd.autocomplete(c, focused)
		if err != nil {
			c.logger.ErrorContext(ctx, "error getting autocomplete choices", tint.Err(err))
			outcome, cause = OutcomeFailed, err
		}
		if len(found) > discordMaxAutocompleteChoices {
			found = found[:discordMaxAutocompleteChoices]
		}
		if found != nil {
			choices = found
		}
	}

	err := handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	)
	if err != nil && cause == nil {
		return OutcomeFailed, err
	}
	return outcome, cause
}

// hasPermission reports whether the member has any of the given
// permissions (or is an administrator), or, if moderatorRole is set,
// the server's moderator role
func (a *Ambassador) hasPermission(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	permission int64,
	moderatorRole bool,
) (bool, error) {
	if i.Member == nil {
		return false, nil
	}
	if i.Member.Permissions&(permission|discordgo.PermissionAdministrator) != 0 {
		return true, nil
	}
	if !moderatorRole || i.GuildID == "" {
		return false, nil
	}
	server, err := a.servers.Get(ctx, i.GuildID)
	if err != nil {
		return false, err
	}
	return server.ModeratorRoleID != "" && slices.Contains(i.Member.Roles, server.ModeratorRoleID), nil
}

// commandErrorMessage returns the message shown to the user for err.
// Errors which aren't public get the runtime-configured error message.
func (a *Ambassador) commandErrorMessage(err error) string {
	if msg, ok := publicErrorMessage(err); ok {
		return msg
	}
	if msg := a.RuntimeConfig().DiscordErrorMessage; msg != "" {
		return msg
	}
	return DefaultDiscordErrorMessage
}

func (a *Ambassador) respondCommandError(ctx context.Context, handler InteractionHandler, err error) {
	a.respondError(ctx, handler, a.commandErrorMessage(err))
}

// respondError sends an ephemeral error embed
func (a *Ambassador) respondError(ctx context.Context, handler InteractionHandler, message string) {
	_ = respondEmbeds(ctx, handler, discordgo.MessageFlagsEphemeral, errorEmbed(message))
}

// ===== option builders =====

func subcommandOption(
	name string,
	description string,
	options ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: description,
		Options:     options,
	}
}

func subcommandGroupOption(
	name string,
	description string,
	subcommands ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
		Name:        name,
		Description: description,
		Options:     subcommands,
	}
}

func stringOption(name, description string, required bool, maxLength int) *discordgo.ApplicationCommandOption {
	minLength := 1
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: description,
		Required:    required,
		MinLength:   &minLength,
		MaxLength:   maxLength,
	}
}

func autocompleteOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	opt := stringOption(name, description, required, autocompleteNameLength)
	opt.Autocomplete = true
	return opt
}

func choiceOption(name, description string, required bool, values ...string) *discordgo.ApplicationCommandOption {
	opt := stringOption(name, description, required, autocompleteNameLength)
	for _, v := range values {
		opt.Choices = append(opt.Choices, &discordgo.ApplicationCommandOptionChoice{Name: v, Value: v})
	}
	return opt
}

func intOption(name, description string, required bool, minValue, maxValue int) *discordgo.ApplicationCommandOption {
	lo := float64(minValue)
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        name,
		Description: description,
		Required:    required,
		MinValue:    &lo,
		MaxValue:    float64(maxValue),
	}
}

func boolOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionBoolean,
		Name:        name,
		Description: description,
		Required:    required,
	}
}

func userOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        name,
		Description: description,
		Required:    required,
	}
}

func channelOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionChannel,
		Name:         name,
		Description:  description,
		Required:     required,
		ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
	}
}

func roleOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionRole,
		Name:        name,
		Description: description,
		Required:    required,
	}
}

// guildCommand returns a command definition only usable in servers
func guildCommand(
	name string,
	description string,
	options ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommand {
	dmPermission := false
	return &discordgo.ApplicationCommand{
		Name:         name,
		Description:  description,
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPermission,
		Options:      options,
	}
}

// anywhereCommand returns a command definition usable in servers and DMs
func anywhereCommand(
	name string,
	description string,
	options ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommand {
	dmPermission := true
	return &discordgo.ApplicationCommand{
		Name:         name,
		Description:  description,
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPermission,
		Options:      options,
	}
}

// nameChoices converts names to autocomplete choices, truncating names
// to discord's option length limit
func nameChoices(names []string) []*discordgo.ApplicationCommandOptionChoice {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, n := range names {
		n = truncate(n, discordMaxApplicationOptionLen)
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: n, Value: n})
	}
	return choices
}

// ensureDiscordUser makes sure a user given as a command option has a
// User row, returning it
func (c *commandContext) ensureDiscordUser(u *discordgo.User) (*User, error) {
	if u == nil {
		return nil, ErrUserNotFound
	}
	if c.discordUser != nil && u.ID == c.discordUser.ID && c.user != nil {
		return c.user, nil
	}
	user, _, err := c.a.users.GetOrCreateUser(c.ctx, *u)
	if err != nil {
		return nil, fmt.Errorf("error getting user %s: %w", u.ID, err)
	}
	return user, nil
}

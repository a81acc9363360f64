package ambassador

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig holds settings which can be changed while the bot is
// running (via the admin API), and which persist across restarts.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// commands are answered with an error and background jobs are skipped.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	// If the bot receives slash commands via gateway, this is required.
	// Message activity tracking and roleplay logging also rely on it.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// RecoverPanic determines whether the bot should recover from panics
	// while handling interactions
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Shown to users when a command fails for a reason they can't fix
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// If set, the bot announces startup here
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DefaultWarningThreshold is the warning threshold new servers start
	// with. 0 disables automatic bans.
	DefaultWarningThreshold int `json:"default_warning_threshold" gorm:"not null;default:0" binding:"min=0,max=100"`

	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled:   true,
		DiscordCustomStatus:     DefaultDiscordCustomStatus,
		DiscordErrorMessage:     DefaultDiscordErrorMessage,
		DefaultWarningThreshold: DefaultWarningThreshold,
		LogLevel:                DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:         DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:       DBLogLevel(slog.LevelWarn.String()),
		DatabaseLogLevel:        DBLogLevel(slog.LevelInfo.String()),
		DiscordWebhookLogLevel:  DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:             DBLogLevel(slog.LevelInfo.String()),
	}
}

//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	DefaultWarningThreshold *int `json:"default_warning_threshold,omitempty" binding:"omitnil,min=0,max=100"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// apply copies every set field onto cfg, returning the changed columns
func (b RuntimeConfigUpdate) apply(cfg *RuntimeConfig) map[string]any {
	changed := map[string]any{}
	set := func(column string, current any, update any, assign func()) {
		if runtimeConfigValueChanged(current, update) {
			assign()
			changed[column] = reflect.ValueOf(update).Elem().Interface()
		}
	}
	set(columnRuntimeConfigPaused, cfg.Paused, b.Paused, func() { cfg.Paused = *b.Paused })
	set("recover_panic", cfg.RecoverPanic, b.RecoverPanic, func() { cfg.RecoverPanic = *b.RecoverPanic })
	set(
		"discord_gateway_enabled", cfg.DiscordGatewayEnabled, b.DiscordGatewayEnabled,
		func() { cfg.DiscordGatewayEnabled = *b.DiscordGatewayEnabled },
	)
	set(
		"discord_custom_status", cfg.DiscordCustomStatus, b.DiscordCustomStatus,
		func() { cfg.DiscordCustomStatus = *b.DiscordCustomStatus },
	)
	set(
		"discord_error_message", cfg.DiscordErrorMessage, b.DiscordErrorMessage,
		func() { cfg.DiscordErrorMessage = *b.DiscordErrorMessage },
	)
	set(
		"discord_notification_channel_id", cfg.DiscordNotificationChannelID, b.DiscordNotificationChannelID,
		func() { cfg.DiscordNotificationChannelID = *b.DiscordNotificationChannelID },
	)
	set(
		"default_warning_threshold", cfg.DefaultWarningThreshold, b.DefaultWarningThreshold,
		func() { cfg.DefaultWarningThreshold = *b.DefaultWarningThreshold },
	)
	set("log_level", cfg.LogLevel, b.LogLevel, func() { cfg.LogLevel = *b.LogLevel })
	set("discord_log_level", cfg.DiscordLogLevel, b.DiscordLogLevel, func() { cfg.DiscordLogLevel = *b.DiscordLogLevel })
	set(
		"discordgo_log_level", cfg.DiscordGoLogLevel, b.DiscordGoLogLevel,
		func() { cfg.DiscordGoLogLevel = *b.DiscordGoLogLevel },
	)
	set(
		"database_log_level", cfg.DatabaseLogLevel, b.DatabaseLogLevel,
		func() { cfg.DatabaseLogLevel = *b.DatabaseLogLevel },
	)
	set(
		"discord_webhook_log_level", cfg.DiscordWebhookLogLevel, b.DiscordWebhookLogLevel,
		func() { cfg.DiscordWebhookLogLevel = *b.DiscordWebhookLogLevel },
	)
	set("api_log_level", cfg.APILogLevel, b.APILogLevel, func() { cfg.APILogLevel = *b.APILogLevel })
	return changed
}

// runtimeConfigValueChanged reports whether runtimeConfigUpdateVal (a
// pointer from [RuntimeConfigUpdate]) is non-nil and points to a value
// different from runtimeConfigVal.
func runtimeConfigValueChanged(runtimeConfigVal, runtimeConfigUpdateVal any) bool {
	newValRef := reflect.ValueOf(runtimeConfigUpdateVal)
	if newValRef.Kind() != reflect.Ptr {
		return false
	}
	if newValRef.IsNil() {
		return false
	}
	return !reflect.DeepEqual(runtimeConfigVal, newValRef.Elem().Interface())
}

// updateRuntimeConfig saves the update. When the default warning threshold
// changes, servers still using the old default are moved to the new one,
// leaving servers with their own threshold alone.
func updateRuntimeConfig(
	ctx context.Context,
	db DBI,
	update RuntimeConfigUpdate,
	currentConfig *RuntimeConfig,
) (updated RuntimeConfig, serversChanged []string, err error) {
	log := contextLoggerOr(ctx, slog.Default())
	updated = *currentConfig
	previousThreshold := currentConfig.DefaultWarningThreshold
	changed := update.apply(&updated)
	if len(changed) == 0 {
		return updated, nil, nil
	}

	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Model(&RuntimeConfig{}).Where("id = ?", currentConfig.ID).Updates(changed).Error; e != nil {
				return e
			}
			if updated.DefaultWarningThreshold == previousThreshold {
				return nil
			}
			if e := tx.Model(&Server{}).Where(
				columnServerWarningThreshold+" = ?", previousThreshold,
			).Pluck("id", &serversChanged).Error; e != nil {
				return e
			}
			if len(serversChanged) == 0 {
				return nil
			}
			log.InfoContext(
				ctx,
				"applying new default warning threshold",
				"previous", previousThreshold,
				"new", updated.DefaultWarningThreshold,
				"servers", len(serversChanged),
			)
			return tx.Model(&Server{}).Where("id IN ?", serversChanged).Update(
				columnServerWarningThreshold, updated.DefaultWarningThreshold,
			).Error
		},
	)
	return updated, serversChanged, err
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}

package ambassador

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// publicErrors are errors whose message can be shown to Discord users as-is
var publicErrors []error

func publicError(msg string) error {
	err := errors.New(msg)
	publicErrors = append(publicErrors, err)
	return err
}

// ===== General Errors =====
var (
	ErrNameRequired     = publicError("a name is required")
	ErrNameTooLong      = publicError("that name is too long")
	ErrGuildOnly        = publicError("this command can only be used in a server")
	ErrPermissionDenied = publicError("you don't have permission to do that")
	ErrInvalidDuration  = publicError("invalid duration (examples: 30m, 12h, 3d, 2w)")
	ErrDurationTooLong  = publicError("durations can't be longer than 520 weeks")
	ErrExpiryInPast     = publicError("the expiry date can't be in the past")
	ErrUserNotFound     = publicError("user not found")
	ErrServerNotFound   = publicError("server not found")
	ErrPaused           = errors.New("bot is paused")
)

// ===== Character Errors =====
var (
	ErrCharacterNotFound     = publicError("character not found")
	ErrCharacterNameTaken    = publicError("a character with that name already exists")
	ErrNicknameTooLong       = publicError("that nickname is too long")
	ErrSummaryTooLong        = publicError("that summary is too long")
	ErrDescriptionTooLong    = publicError("that description is too long")
	ErrInvalidAvatarURL      = publicError("the avatar must be an http(s) URL")
	ErrInvalidPronouns       = publicError("unknown pronoun set")
	ErrNoCurrentCharacter    = publicError("you haven't assumed a character")
	ErrNotCharacterOwner     = publicError("you don't own that character")
	ErrCannotTransferToSelf  = publicError("you already own that character")
	ErrCannotTransferToABot  = publicError("characters can't be transferred to bots")
	ErrCharacterAlreadyOwned = publicError("the recipient already has a character with that name")
)

// ===== Moderation Errors =====
var (
	ErrReasonRequired          = publicError("a reason is required")
	ErrReasonTooLong           = publicError("that reason is too long")
	ErrWarningNotFound         = publicError("warning not found")
	ErrBanNotFound             = publicError("ban not found")
	ErrNoteNotFound            = publicError("note not found")
	ErrAlreadyBanned           = publicError("that user is already banned")
	ErrInvalidWarningThreshold = publicError("the warning threshold must be between 0 and 100")
	ErrCannotModerateSelf      = publicError("you can't do that to yourself")
)

// ===== Transformation Errors =====
var (
	ErrSpeciesNotFound           = publicError("species not found")
	ErrSpeciesNameTaken          = publicError("a species with that name already exists")
	ErrColourNotFound            = publicError("colour not found")
	ErrColourNameTaken           = publicError("a colour with that name already exists")
	ErrInvalidHexColour          = publicError("colours must be hex values, like #aa33ff")
	ErrTransformationNotFound    = publicError("that species has no such bodypart")
	ErrTransformationExists      = publicError("that species already defines that bodypart")
	ErrInvalidBodypart           = publicError("unknown bodypart")
	ErrInvalidPattern            = publicError("unknown pattern")
	ErrInvalidShade              = publicError("unknown shade")
	ErrBodypartNotPresent        = publicError("the character doesn't have that bodypart")
	ErrBodypartAlreadyPresent    = publicError("the character already has that bodypart")
	ErrCoreBodypart              = publicError("that bodypart can't be removed")
	ErrNoPattern                 = publicError("that bodypart has no pattern")
	ErrInvalidSize               = publicError("size must be between 1 and 100")
	ErrInvalidHairLength         = publicError("hair length must be between 1 and 500 centimetres")
	ErrInvalidBodyStats          = publicError("height must be 30-1000cm, weight 5-2000kg, muscularity and fatness 0-100")
	ErrTransformationNotAllowed  = publicError("that character's owner doesn't allow you to transform them")
	ErrTransformationOptInNeeded = publicError("that user hasn't opted in to transformations on this server")
	ErrNoChange                  = publicError("nothing changed")
)

// ===== Autorole Errors =====
var (
	ErrAutoroleNotFound        = publicError("no autorole is configured for that role")
	ErrAutoroleExists          = publicError("an autorole is already configured for that role")
	ErrConditionNotFound       = publicError("condition not found")
	ErrInvalidConditionType    = publicError("unknown condition type")
	ErrInvalidCondition        = publicError("that condition is missing required values")
	ErrAffirmationNotRequired  = publicError("that role doesn't require affirmation")
	ErrAutoroleDisabled        = publicError("that autorole is disabled")
	ErrAutoroleAlreadyAffirmed = publicError("you've already affirmed that role")
)

// ===== Roleplay Errors =====
var (
	ErrRoleplayNotFound     = publicError("roleplay not found")
	ErrRoleplayNameTaken    = publicError("a roleplay with that name already exists")
	ErrNotRoleplayOwner     = publicError("you don't own that roleplay")
	ErrAlreadyParticipant   = publicError("you're already in that roleplay")
	ErrNotParticipant       = publicError("that user isn't in the roleplay")
	ErrRoleplayActive       = publicError("that roleplay is already active")
	ErrRoleplayNotActive    = publicError("that roleplay isn't active")
	ErrRoleplayChannelInUse = publicError("another roleplay is active in that channel")
	ErrRoleplayPrivate      = publicError("that roleplay is private")
	ErrOwnerCannotLeave     = publicError("transfer the roleplay to another participant before leaving")
)

// publicErrorMessage returns the message to show a user for the given
// error, if it (or an error it wraps) is public.
func publicErrorMessage(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	for _, e := range publicErrors {
		if errors.Is(err, e) {
			return e.Error(), true
		}
	}
	return "", false
}

// isUniqueViolation reports whether err was caused by a unique constraint
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapUniqueViolation returns target if err is a unique violation,
// otherwise err.
func mapUniqueViolation(err error, target error) error {
	if isUniqueViolation(err) {
		return target
	}
	return err
}

// notFound returns target if err is gorm.ErrRecordNotFound, otherwise err
func notFound(err error, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

//nolint:lll // struct tags can't be split
package ambassador

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	MaxRoleplayNameLength    = 100
	MaxRoleplaySummaryLength = 240
)

// Roleplay is a named scene on a server. While active, messages its
// participants post in ChannelID are recorded.
type Roleplay struct {
	ModelUintID
	ServerID  string `json:"server_id" gorm:"uniqueIndex:idx_roleplay_server_name;not null"`
	Name      string `json:"name" gorm:"not null"`
	NameKey   string `json:"-" gorm:"uniqueIndex:idx_roleplay_server_name;not null"`
	OwnerID   string `json:"owner_id" gorm:"index;not null"`
	Summary   string `json:"summary"`
	ChannelID string `json:"channel_id" gorm:"index"`
	Active    bool   `json:"active"`
	Public    bool   `json:"public"`
	NSFW      bool   `json:"nsfw"`

	LastActivityAt *time.Time `json:"last_activity_at"`

	Participants []RoleplayParticipant `json:"participants,omitempty" gorm:"foreignKey:RoleplayID;constraint:OnDelete:CASCADE"`

	ModelTimestamps
}

func (r *Roleplay) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("server_id", r.ServerID),
		slog.String("name", r.Name),
	)
}

// IsParticipant reports whether the user is in the roleplay. Participants
// must be preloaded.
func (r *Roleplay) IsParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

type RoleplayParticipant struct {
	ModelUintID
	RoleplayID uint   `json:"roleplay_id" gorm:"uniqueIndex:idx_roleplay_participant;not null"`
	UserID     string `json:"user_id" gorm:"uniqueIndex:idx_roleplay_participant;not null"`
	ModelTimestamps
}

// RoleplayMessage is a message recorded from an active roleplay
type RoleplayMessage struct {
	ModelUintID
	RoleplayID uint       `json:"roleplay_id" gorm:"index;not null"`
	MessageID  string     `json:"message_id" gorm:"uniqueIndex;not null"`
	ChannelID  string     `json:"channel_id"`
	AuthorID   string     `json:"author_id" gorm:"index"`
	Content    string     `json:"content"`
	SentAt     time.Time  `json:"sent_at"`
	EditedAt   *time.Time `json:"edited_at"`
}

// RoleplayService manages [Roleplay] records and records their messages
type RoleplayService struct {
	db     DBI
	users  *UserService
	logger *slog.Logger
	now    func() time.Time
}

func NewRoleplayService(db DBI, users *UserService, logger *slog.Logger) *RoleplayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleplayService{
		db:     db,
		users:  users,
		logger: logger.With(loggerNameKey, "roleplays"),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewRoleplay holds the fields accepted when creating a roleplay
type NewRoleplay struct {
	GuildID string
	Owner   *discordgo.User
	Name    string
	Summary string
	Public  bool
	NSFW    bool
}

// Create creates the roleplay, with its owner as the first participant
func (s *RoleplayService) Create(ctx context.Context, n NewRoleplay) (*Roleplay, error) {
	if n.GuildID == "" {
		return nil, ErrGuildOnly
	}
	name, err := validateName(n.Name, MaxRoleplayNameLength)
	if err != nil {
		return nil, err
	}
	summary := strings.TrimSpace(n.Summary)
	if err = validateLength(summary, MaxRoleplaySummaryLength, ErrSummaryTooLong); err != nil {
		return nil, err
	}
	if _, err = s.users.ensureUser(ctx, n.Owner); err != nil {
		return nil, err
	}
	rp := &Roleplay{
		ServerID: n.GuildID,
		Name:     name,
		NameKey:  nameKey(name),
		OwnerID:  n.Owner.ID,
		Summary:  summary,
		Public:   n.Public,
		NSFW:     n.NSFW,
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Create(rp).Error; e != nil {
				return mapUniqueViolation(e, ErrRoleplayNameTaken)
			}
			owner := RoleplayParticipant{RoleplayID: rp.ID, UserID: rp.OwnerID}
			if e := tx.Create(&owner).Error; e != nil {
				return e
			}
			rp.Participants = []RoleplayParticipant{owner}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "created roleplay", "roleplay", rp)
	return rp, nil
}

// Get returns the server's roleplay with the given name (ignoring case),
// with its participants
func (s *RoleplayService) Get(ctx context.Context, guildID, name string) (*Roleplay, error) {
	var rp Roleplay
	err := s.db.DB().WithContext(ctx).Preload("Participants").Where(
		"server_id = ? AND name_key = ?", guildID, nameKey(name),
	).Take(&rp).Error
	if err != nil {
		return nil, notFound(err, ErrRoleplayNotFound)
	}
	return &rp, nil
}

func (s *RoleplayService) GetByID(ctx context.Context, id uint) (*Roleplay, error) {
	var rp Roleplay
	err := s.db.DB().WithContext(ctx).Preload("Participants").Where("id = ?", id).Take(&rp).Error
	if err != nil {
		return nil, notFound(err, ErrRoleplayNotFound)
	}
	return &rp, nil
}

// Show returns the roleplay if the viewer may see it. Private roleplays
// are only visible to their participants.
func (s *RoleplayService) Show(ctx context.Context, guildID, name, viewerID string) (*Roleplay, error) {
	rp, err := s.Get(ctx, guildID, name)
	if err != nil {
		return nil, err
	}
	if !rp.Public && !rp.IsParticipant(viewerID) {
		return nil, ErrRoleplayPrivate
	}
	return rp, nil
}

// List returns the server's roleplays visible to the viewer
func (s *RoleplayService) List(ctx context.Context, guildID, viewerID string) ([]Roleplay, error) {
	var roleplays []Roleplay
	err := s.db.DB().WithContext(ctx).Preload("Participants").Where(
		"server_id = ?", guildID,
	).Where(
		"public = ? OR id IN (?)",
		true,
		s.db.DB().Model(&RoleplayParticipant{}).Select("roleplay_id").Where("user_id = ?", viewerID),
	).Order("name_key asc").Find(&roleplays).Error
	return roleplays, err
}

// Search returns up to limit roleplay names on the server starting with
// prefix, for autocomplete
func (s *RoleplayService) Search(ctx context.Context, guildID, prefix string, limit int) ([]string, error) {
	var names []string
	err := s.db.DB().WithContext(ctx).Model(&Roleplay{}).Where(
		"server_id = ? AND name_key LIKE ?", guildID, nameKey(prefix)+"%",
	).Order("name_key asc").Limit(limit).Pluck("name", &names).Error
	return names, err
}

// ListAll returns all roleplays, for the admin API
func (s *RoleplayService) ListAll(ctx context.Context, p Pagination) ([]Roleplay, error) {
	var roleplays []Roleplay
	err := p.apply(s.db.DB().WithContext(ctx).Preload("Participants"), "id").Find(&roleplays).Error
	return roleplays, err
}

// owned returns the roleplay if actorID owns it
func (s *RoleplayService) owned(ctx context.Context, guildID, name, actorID string) (*Roleplay, error) {
	rp, err := s.Get(ctx, guildID, name)
	if err != nil {
		return nil, err
	}
	if rp.OwnerID != actorID {
		return nil, ErrNotRoleplayOwner
	}
	return rp, nil
}

func (s *RoleplayService) update(
	ctx context.Context,
	guildID string,
	name string,
	actorID string,
	values map[string]any,
) (*Roleplay, error) {
	rp, err := s.owned(ctx, guildID, name, actorID)
	if err != nil {
		return nil, err
	}
	if _, err = s.db.UpdatesWhere(ctx, &Roleplay{}, values, "id = ?", rp.ID); err != nil {
		return nil, mapUniqueViolation(err, ErrRoleplayNameTaken)
	}
	return s.GetByID(ctx, rp.ID)
}

// Delete removes the roleplay with its participants and messages
func (s *RoleplayService) Delete(ctx context.Context, guildID, name, actorID string) (*Roleplay, error) {
	rp, err := s.owned(ctx, guildID, name, actorID)
	if err != nil {
		return nil, err
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Where("roleplay_id = ?", rp.ID).Delete(&RoleplayMessage{}).Error; e != nil {
				return e
			}
			if e := tx.Where("roleplay_id = ?", rp.ID).Delete(&RoleplayParticipant{}).Error; e != nil {
				return e
			}
			return tx.Delete(&Roleplay{}, rp.ID).Error
		},
	)
	if err != nil {
		return nil, err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "deleted roleplay", "roleplay", rp)
	return rp, nil
}

func (s *RoleplayService) Rename(ctx context.Context, guildID, name, actorID, newName string) (*Roleplay, error) {
	newName, err := validateName(newName, MaxRoleplayNameLength)
	if err != nil {
		return nil, err
	}
	return s.update(
		ctx, guildID, name, actorID, map[string]any{
			"name":     newName,
			"name_key": nameKey(newName),
		},
	)
}

func (s *RoleplayService) SetSummary(ctx context.Context, guildID, name, actorID, summary string) (*Roleplay, error) {
	summary = strings.TrimSpace(summary)
	if err := validateLength(summary, MaxRoleplaySummaryLength, ErrSummaryTooLong); err != nil {
		return nil, err
	}
	return s.update(ctx, guildID, name, actorID, map[string]any{"summary": summary})
}

func (s *RoleplayService) SetPublic(ctx context.Context, guildID, name, actorID string, public bool) (*Roleplay, error) {
	return s.update(ctx, guildID, name, actorID, map[string]any{"public": public})
}

func (s *RoleplayService) SetNSFW(ctx context.Context, guildID, name, actorID string, nsfw bool) (*Roleplay, error) {
	return s.update(ctx, guildID, name, actorID, map[string]any{"nsfw": nsfw})
}

// Start binds the roleplay to the channel and begins recording. Only one
// roleplay may be active per channel.
func (s *RoleplayService) Start(ctx context.Context, guildID, name, actorID, channelID string) (*Roleplay, error) {
	rp, err := s.owned(ctx, guildID, name, actorID)
	if err != nil {
		return nil, err
	}
	if rp.Active {
		return nil, ErrRoleplayActive
	}
	now := s.now()
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var n int64
			if e := tx.Model(&Roleplay{}).Where(
				"channel_id = ? AND active = ?", channelID, true,
			).Count(&n).Error; e != nil {
				return e
			}
			if n > 0 {
				return ErrRoleplayChannelInUse
			}
			return tx.Model(&Roleplay{}).Where("id = ?", rp.ID).Updates(
				map[string]any{
					"active":           true,
					"channel_id":       channelID,
					"last_activity_at": now,
				},
			).Error
		},
	)
	if err != nil {
		return nil, err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "started roleplay", "roleplay", rp, "channel_id", channelID)
	return s.GetByID(ctx, rp.ID)
}

// Stop ends recording. The channel binding is kept for reference.
func (s *RoleplayService) Stop(ctx context.Context, guildID, name, actorID string) (*Roleplay, error) {
	rp, err := s.owned(ctx, guildID, name, actorID)
	if err != nil {
		return nil, err
	}
	if !rp.Active {
		return nil, ErrRoleplayNotActive
	}
	if _, err = s.db.UpdatesWhere(ctx, &Roleplay{}, map[string]any{"active": false}, "id = ?", rp.ID); err != nil {
		return nil, err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(ctx, "stopped roleplay", "roleplay", rp)
	return s.GetByID(ctx, rp.ID)
}

// Join adds the user to a public roleplay
func (s *RoleplayService) Join(ctx context.Context, guildID, name string, user *discordgo.User) (*Roleplay, error) {
	rp, err := s.Get(ctx, guildID, name)
	if err != nil {
		return nil, err
	}
	if rp.IsParticipant(user.ID) {
		return nil, ErrAlreadyParticipant
	}
	if !rp.Public {
		return nil, ErrRoleplayPrivate
	}
	if _, err = s.users.ensureUser(ctx, user); err != nil {
		return nil, err
	}
	if _, err = s.db.Create(ctx, &RoleplayParticipant{RoleplayID: rp.ID, UserID: user.ID}); err != nil {
		return nil, mapUniqueViolation(err, ErrAlreadyParticipant)
	}
	return s.GetByID(ctx, rp.ID)
}

// Leave removes the user from the roleplay. Owners must transfer the
// roleplay first.
func (s *RoleplayService) Leave(ctx context.Context, guildID, name, userID string) (*Roleplay, error) {
	rp, err := s.Get(ctx, guildID, name)
	if err != nil {
		return nil, err
	}
	if rp.OwnerID == userID {
		return nil, ErrOwnerCannotLeave
	}
	return s.removeParticipant(ctx, rp, userID)
}

// Kick removes another participant from the owner's roleplay
func (s *RoleplayService) Kick(ctx context.Context, guildID, name, actorID, userID string) (*Roleplay, error) {
	rp, err := s.owned(ctx, guildID, name, actorID)
	if err != nil {
		return nil, err
	}
	if userID == actorID {
		return nil, ErrCannotModerateSelf
	}
	return s.removeParticipant(ctx, rp, userID)
}

func (s *RoleplayService) removeParticipant(ctx context.Context, rp *Roleplay, userID string) (*Roleplay, error) {
	rows, err := s.db.Delete(ctx, &RoleplayParticipant{}, "roleplay_id = ? AND user_id = ?", rp.ID, userID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotParticipant
	}
	return s.GetByID(ctx, rp.ID)
}

// Transfer makes another participant the owner
func (s *RoleplayService) Transfer(ctx context.Context, guildID, name, actorID, newOwnerID string) (*Roleplay, error) {
	rp, err := s.owned(ctx, guildID, name, actorID)
	if err != nil {
		return nil, err
	}
	if newOwnerID == actorID {
		return nil, ErrCannotTransferToSelf
	}
	if !rp.IsParticipant(newOwnerID) {
		return nil, ErrNotParticipant
	}
	if _, err = s.db.UpdatesWhere(ctx, &Roleplay{}, map[string]any{"owner_id": newOwnerID}, "id = ?", rp.ID); err != nil {
		return nil, err
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"transferred roleplay",
		"roleplay", rp,
		"new_owner_id", newOwnerID,
	)
	return s.GetByID(ctx, rp.ID)
}

// RecordMessage stores m if it was posted by a participant in the
// channel of an active roleplay. It reports whether m was recorded.
func (s *RoleplayService) RecordMessage(ctx context.Context, m *discordgo.Message) (bool, error) {
	if m == nil || m.GuildID == "" || m.Author == nil || m.Author.Bot {
		return false, nil
	}
	var rp Roleplay
	err := s.db.DB().WithContext(ctx).Where(
		"server_id = ? AND channel_id = ? AND active = ?", m.GuildID, m.ChannelID, true,
	).Where(
		"id IN (?)",
		s.db.DB().Model(&RoleplayParticipant{}).Select("roleplay_id").Where("user_id = ?", m.Author.ID),
	).Take(&rp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sentAt := m.Timestamp.UTC()
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	msg := &RoleplayMessage{
		RoleplayID: rp.ID,
		MessageID:  m.ID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		Content:    m.Content,
		SentAt:     sentAt,
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(msg).Error; e != nil {
				return e
			}
			return tx.Model(&Roleplay{}).Where("id = ?", rp.ID).Update("last_activity_at", sentAt).Error
		},
	)
	return err == nil, err
}

// EditMessage updates the content of a recorded message, if it was recorded
func (s *RoleplayService) EditMessage(ctx context.Context, m *discordgo.Message) error {
	if m == nil || m.Content == "" {
		return nil
	}
	editedAt := s.now()
	if m.EditedTimestamp != nil {
		editedAt = m.EditedTimestamp.UTC()
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&RoleplayMessage{},
		map[string]any{"content": m.Content, "edited_at": editedAt},
		"message_id = ?",
		m.ID,
	)
	return err
}

// ForgetMessage deletes a recorded message, if it was recorded
func (s *RoleplayService) ForgetMessage(ctx context.Context, messageID string) error {
	_, err := s.db.Delete(ctx, &RoleplayMessage{}, "message_id = ?", messageID)
	return err
}

// Messages returns the roleplay's recorded messages, oldest first.
// Only participants may read them.
func (s *RoleplayService) Messages(
	ctx context.Context,
	guildID string,
	name string,
	viewerID string,
	p Pagination,
) (*Roleplay, []RoleplayMessage, error) {
	rp, err := s.Get(ctx, guildID, name)
	if err != nil {
		return nil, nil, err
	}
	if !rp.IsParticipant(viewerID) {
		return nil, nil, ErrNotParticipant
	}
	messages, err := s.ListMessages(ctx, rp.ID, p)
	return rp, messages, err
}

// ListMessages returns the roleplay's recorded messages, for the admin API
func (s *RoleplayService) ListMessages(ctx context.Context, roleplayID uint, p Pagination) ([]RoleplayMessage, error) {
	if p.Order == "" {
		p.Order = SortAscending
	}
	var messages []RoleplayMessage
	err := p.apply(
		s.db.DB().WithContext(ctx).Where("roleplay_id = ?", roleplayID),
		"sent_at",
	).Find(&messages).Error
	return messages, err
}

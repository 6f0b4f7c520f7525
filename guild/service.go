package guild

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kasuganosora/guildhall/server/cache"
	"github.com/kasuganosora/guildhall/server/config"
	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/notify"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/kasuganosora/guildhall/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RankKeyGuildExp is the sorted-set key holding the guild experience
// leaderboard.
const RankKeyGuildExp = "rank:guild_exp"

// WarChecker reports whether a guild currently has a pending/preparing/ongoing
// war. Implemented by the war manager; wired at startup.
type WarChecker interface {
	HasActiveWar(guildID int64) bool
}

// AllianceCleaner tears down every alliance edge and pending request a guild
// participates in. Implemented by the alliance registry; wired at startup.
type AllianceCleaner interface {
	BreakAll(ctx context.Context, guildID int64) error
}

// Service implements guild lifecycle and membership operations on top of the
// entity cache.
type Service struct {
	cache  *Cache
	db     *gorm.DB
	kv     cache.Cache
	sink   notify.Sink
	hooks  *hook.HookCenter
	cfg    config.GuildConfig
	logger *zap.Logger

	wars      WarChecker
	alliances AllianceCleaner
}

// NewService creates the guild Service. SetWarChecker and SetAllianceCleaner
// must be called before serving traffic.
func NewService(c *Cache, db *gorm.DB, kv cache.Cache, sink notify.Sink, hooks *hook.HookCenter, cfg config.GuildConfig, logger *zap.Logger) *Service {
	return &Service{
		cache:  c,
		db:     db,
		kv:     kv,
		sink:   sink,
		hooks:  hooks,
		cfg:    cfg,
		logger: logger,
	}
}

// SetWarChecker wires the war manager in after construction.
func (s *Service) SetWarChecker(w WarChecker) { s.wars = w }

// SetAllianceCleaner wires the alliance registry in after construction.
func (s *Service) SetAllianceCleaner(a AllianceCleaner) { s.alliances = a }

// Cache exposes the underlying entity cache for read-only lookups.
func (s *Service) Cache() *Cache { return s.cache }

// expNeeded is the experience required to advance from the given level.
func expNeeded(level int) int64 {
	return int64(level) * 1000
}

func (s *Service) rankScore(g *model.Guild) float64 {
	// Level dominates, exp breaks ties within a level.
	return float64(g.Level)*1_000_000 + float64(g.Exp)
}

func (s *Service) updateRank(ctx context.Context, g *model.Guild) {
	if err := s.kv.ZAdd(ctx, RankKeyGuildExp, s.rankScore(g), strconv.FormatInt(g.ID, 10)); err != nil {
		s.logger.Warn("rank update failed", zap.Int64("guild_id", g.ID), zap.Error(err))
	}
}

// Create founds a new guild with the caller as owner. The creation cost is
// deducted from the player's gold in the same transaction that creates the
// guild and the owner membership.
func (s *Service) Create(ctx context.Context, playerID int64, name, tag, description string, publicJoin bool) (model.Guild, error) {
	var player model.Player
	if err := s.db.WithContext(ctx).First(&player, playerID).Error; err != nil {
		return model.Guild{}, fault.NotFound("player %d", playerID)
	}
	if _, ok := s.cache.Member(playerID); ok {
		return model.Guild{}, fault.Conflict("player %d already belongs to a guild", playerID)
	}
	if name == "" || len(name) > 32 {
		return model.Guild{}, fault.InvalidState("guild name must be 1-32 characters")
	}
	if tag == "" || len(tag) > 8 {
		return model.Guild{}, fault.InvalidState("guild tag must be 1-8 characters")
	}
	if s.cache.NameTaken(name) {
		return model.Guild{}, fault.Conflict("guild name %q is taken", name)
	}
	if s.cache.TagTaken(tag) {
		return model.Guild{}, fault.Conflict("guild tag %q is taken", tag)
	}
	if player.Gold < s.cfg.CreateCost {
		return model.Guild{}, fault.InvalidState("need %d gold to found a guild", s.cfg.CreateCost)
	}

	g := &model.Guild{
		Name:        name,
		Tag:         tag,
		Description: description,
		OwnerID:     playerID,
		Level:       1,
		PublicJoin:  publicJoin,
	}
	owner := &model.GuildMember{
		PlayerID:   playerID,
		PlayerName: player.Name,
		Role:       model.RoleOwner,
		JoinedAt:   time.Now(),
	}
	err := s.cache.CreateGuild(ctx, g, owner, func(tx *gorm.DB) error {
		res := tx.Model(&model.Player{}).
			Where("id = ? AND gold >= ?", playerID, s.cfg.CreateCost).
			Updates(map[string]interface{}{
				"gold":     gorm.Expr("gold - ?", s.cfg.CreateCost),
				"guild_id": g.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("insufficient gold for player %d", playerID)
		}
		return nil
	})
	if err != nil {
		return model.Guild{}, err
	}

	s.updateRank(ctx, g)
	s.hooks.Trigger(ctx, hook.OnGuildCreate, g)
	s.logger.Info("guild created",
		zap.Int64("guild_id", g.ID),
		zap.String("name", g.Name),
		zap.Int64("owner_id", playerID))
	return *g, nil
}

// Disband dissolves the caller's guild. Only the owner may disband, and not
// while a war is active. All alliances are broken first; members are notified
// before the cache entries disappear.
func (s *Service) Disband(ctx context.Context, playerID int64) error {
	m, ok := s.cache.Member(playerID)
	if !ok {
		return fault.NotFound("player %d has no guild", playerID)
	}
	if m.Role != model.RoleOwner {
		return fault.PermissionDenied("only the owner can disband the guild")
	}
	if s.wars != nil && s.wars.HasActiveWar(m.GuildID) {
		return fault.InvalidState("cannot disband while a war is active")
	}
	g, _ := s.cache.GuildByID(m.GuildID)

	if s.alliances != nil {
		if err := s.alliances.BreakAll(ctx, m.GuildID); err != nil {
			return err
		}
	}

	// Notify before teardown so BroadcastToGuild can still resolve members.
	s.sink.BroadcastToGuild(m.GuildID, session.NewPacket("guild.disbanded", map[string]interface{}{
		"guild_id": g.ID,
		"name":     g.Name,
	}))

	err := s.cache.DeleteGuild(ctx, m.GuildID, func(tx *gorm.DB) error {
		if err := tx.Model(&model.Player{}).Where("guild_id = ?", m.GuildID).
			Update("guild_id", nil).Error; err != nil {
			return err
		}
		// Registrations go first; once the activities are gone there is no
		// way left to find their participant rows.
		if err := tx.Where("activity_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&model.GuildActivity{}).
				Select("id").Where("guild_id = ?", m.GuildID)).
			Delete(&model.ActivityParticipant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("guild_id = ?", m.GuildID).
			Delete(&model.GuildActivity{}).Error; err != nil {
			return err
		}
		return tx.Where("requester_id = ? OR target_id = ?", m.GuildID, m.GuildID).
			Delete(&model.AllianceRequest{}).Error
	})
	if err != nil {
		return err
	}

	if err := s.kv.ZRem(ctx, RankKeyGuildExp, strconv.FormatInt(g.ID, 10)); err != nil {
		s.logger.Warn("rank remove failed", zap.Int64("guild_id", g.ID), zap.Error(err))
	}
	s.hooks.Trigger(ctx, hook.OnGuildDisband, &g)
	s.logger.Info("guild disbanded", zap.Int64("guild_id", g.ID), zap.String("name", g.Name))
	return nil
}

// Join adds a player to a guild that allows public joining.
func (s *Service) Join(ctx context.Context, playerID, guildID int64) error {
	g, ok := s.cache.GuildByID(guildID)
	if !ok {
		return fault.NotFound("guild %d", guildID)
	}
	if !g.PublicJoin {
		return fault.PermissionDenied("guild %q requires an invitation", g.Name)
	}
	return s.admit(ctx, playerID, guildID)
}

// JoinInvited adds a player to a guild through an accepted invitation,
// bypassing the public-join flag but not the capacity check.
func (s *Service) JoinInvited(ctx context.Context, playerID, guildID int64) error {
	if _, ok := s.cache.GuildByID(guildID); !ok {
		return fault.NotFound("guild %d", guildID)
	}
	return s.admit(ctx, playerID, guildID)
}

func (s *Service) admit(ctx context.Context, playerID, guildID int64) error {
	if _, ok := s.cache.Member(playerID); ok {
		return fault.Conflict("player %d already belongs to a guild", playerID)
	}
	if s.cache.MemberCount(guildID) >= s.cfg.MaxMembers {
		return fault.CapacityExceeded("guild %d is full (%d members)", guildID, s.cfg.MaxMembers)
	}
	var player model.Player
	if err := s.db.WithContext(ctx).First(&player, playerID).Error; err != nil {
		return fault.NotFound("player %d", playerID)
	}

	m := &model.GuildMember{
		GuildID:    guildID,
		PlayerID:   playerID,
		PlayerName: player.Name,
		Role:       model.RoleMember,
		JoinedAt:   time.Now(),
	}
	err := s.cache.AddMember(ctx, m, func(tx *gorm.DB) error {
		return tx.Model(&model.Player{}).Where("id = ?", playerID).
			Update("guild_id", guildID).Error
	})
	if err != nil {
		return err
	}

	s.sink.BroadcastToGuild(guildID, session.NewPacket("guild.member_joined", map[string]interface{}{
		"guild_id":    guildID,
		"player_id":   playerID,
		"player_name": player.Name,
	}), playerID)
	s.hooks.Trigger(ctx, hook.OnMemberJoin, m)
	return nil
}

// Leave removes the caller from their guild. The owner cannot leave; they
// must transfer ownership or disband.
func (s *Service) Leave(ctx context.Context, playerID int64) error {
	m, ok := s.cache.Member(playerID)
	if !ok {
		return fault.NotFound("player %d has no guild", playerID)
	}
	if m.Role == model.RoleOwner {
		return fault.InvalidState("owner must transfer ownership or disband")
	}
	return s.evict(ctx, m, "guild.member_left")
}

// Kick removes another member. The actor must be Admin or above and must
// outrank the target.
func (s *Service) Kick(ctx context.Context, actorID, targetID int64) error {
	if actorID == targetID {
		return fault.InvalidState("use leave instead of kicking yourself")
	}
	actor, ok := s.cache.Member(actorID)
	if !ok {
		return fault.NotFound("player %d has no guild", actorID)
	}
	target, ok := s.cache.Member(targetID)
	if !ok || target.GuildID != actor.GuildID {
		return fault.NotFound("player %d is not in your guild", targetID)
	}
	if !actor.Role.AtLeast(model.RoleAdmin) {
		return fault.PermissionDenied("kicking requires admin rank")
	}
	if target.Role >= actor.Role {
		return fault.PermissionDenied("cannot kick a member of equal or higher rank")
	}
	if err := s.evict(ctx, target, "guild.member_kicked"); err != nil {
		return err
	}
	s.sink.SendToPlayer(targetID, session.NewPacket("guild.kicked", map[string]interface{}{
		"guild_id": target.GuildID,
	}))
	return nil
}

func (s *Service) evict(ctx context.Context, m model.GuildMember, event string) error {
	err := s.cache.RemoveMember(ctx, m.PlayerID, func(tx *gorm.DB) error {
		return tx.Model(&model.Player{}).Where("id = ?", m.PlayerID).
			Update("guild_id", nil).Error
	})
	if err != nil {
		return err
	}
	s.sink.BroadcastToGuild(m.GuildID, session.NewPacket(event, map[string]interface{}{
		"guild_id":    m.GuildID,
		"player_id":   m.PlayerID,
		"player_name": m.PlayerName,
	}))
	s.hooks.Trigger(ctx, hook.OnMemberLeave, &m)
	return nil
}

// SetRole changes a member's rank. Admin and above may set ranks below their
// own; granting Admin itself is reserved to the owner. Owner rank cannot be
// assigned here (see Transfer).
func (s *Service) SetRole(ctx context.Context, actorID, targetID int64, role model.GuildRole) error {
	if role < model.RoleMember || role > model.RoleAdmin {
		return fault.InvalidState("role must be member, elder, or admin")
	}
	actor, ok := s.cache.Member(actorID)
	if !ok {
		return fault.NotFound("player %d has no guild", actorID)
	}
	target, ok := s.cache.Member(targetID)
	if !ok || target.GuildID != actor.GuildID {
		return fault.NotFound("player %d is not in your guild", targetID)
	}
	if !actor.Role.AtLeast(model.RoleAdmin) {
		return fault.PermissionDenied("changing ranks requires admin rank")
	}
	if target.Role >= actor.Role {
		return fault.PermissionDenied("cannot change rank of equal or higher member")
	}
	if role == model.RoleAdmin && actor.Role != model.RoleOwner {
		return fault.PermissionDenied("only the owner can grant admin rank")
	}
	if target.Role == role {
		return fault.InvalidState("player already holds that rank")
	}

	if err := s.cache.SetMemberRole(ctx, targetID, role); err != nil {
		return err
	}
	s.sink.SendToPlayer(targetID, session.NewPacket("guild.rank_changed", map[string]interface{}{
		"guild_id": target.GuildID,
		"role":     role.String(),
	}))
	return nil
}

// Transfer hands ownership to another member. The previous owner stays in the
// guild as an admin.
func (s *Service) Transfer(ctx context.Context, ownerID, targetID int64) error {
	owner, ok := s.cache.Member(ownerID)
	if !ok {
		return fault.NotFound("player %d has no guild", ownerID)
	}
	if owner.Role != model.RoleOwner {
		return fault.PermissionDenied("only the owner can transfer ownership")
	}
	target, ok := s.cache.Member(targetID)
	if !ok || target.GuildID != owner.GuildID {
		return fault.NotFound("player %d is not in your guild", targetID)
	}
	if ownerID == targetID {
		return fault.InvalidState("already the owner")
	}

	err := s.cache.UpdateGuild(ctx, owner.GuildID, func(g *model.Guild) {
		g.OwnerID = targetID
	}, func(tx *gorm.DB) error {
		if err := tx.Model(&model.GuildMember{}).Where("player_id = ?", targetID).
			Update("role", model.RoleOwner).Error; err != nil {
			return err
		}
		return tx.Model(&model.GuildMember{}).Where("player_id = ?", ownerID).
			Update("role", model.RoleAdmin).Error
	})
	if err != nil {
		return err
	}
	// Mirror the two role flips the extra writes made.
	s.cache.mirrorRole(targetID, model.RoleOwner)
	s.cache.mirrorRole(ownerID, model.RoleAdmin)

	s.sink.BroadcastToGuild(owner.GuildID, session.NewPacket("guild.ownership_transferred", map[string]interface{}{
		"guild_id":     owner.GuildID,
		"old_owner_id": ownerID,
		"new_owner_id": targetID,
	}))
	s.hooks.Trigger(ctx, hook.OnOwnerTransfer, map[string]int64{
		"guild_id": owner.GuildID, "old_owner": ownerID, "new_owner": targetID,
	})
	return nil
}

// Settings holds optional guild setting changes; nil fields are left as-is.
type Settings struct {
	Description  *string
	Announcement *string
	PublicJoin   *bool
}

// UpdateSettings changes guild description, announcement, or join policy.
// Requires admin rank.
func (s *Service) UpdateSettings(ctx context.Context, actorID int64, set Settings) error {
	actor, ok := s.cache.Member(actorID)
	if !ok {
		return fault.NotFound("player %d has no guild", actorID)
	}
	if !actor.Role.AtLeast(model.RoleAdmin) {
		return fault.PermissionDenied("changing settings requires admin rank")
	}
	return s.cache.UpdateGuild(ctx, actor.GuildID, func(g *model.Guild) {
		if set.Description != nil {
			g.Description = *set.Description
		}
		if set.Announcement != nil {
			g.Announcement = *set.Announcement
		}
		if set.PublicJoin != nil {
			g.PublicJoin = *set.PublicJoin
		}
	}, nil)
}

// Deposit moves gold from a member's wallet into the guild bank.
func (s *Service) Deposit(ctx context.Context, playerID, amount int64) error {
	if amount <= 0 {
		return fault.InvalidState("deposit amount must be positive")
	}
	m, ok := s.cache.Member(playerID)
	if !ok {
		return fault.NotFound("player %d has no guild", playerID)
	}
	return s.cache.UpdateGuild(ctx, m.GuildID, func(g *model.Guild) {
		g.Gold += amount
	}, func(tx *gorm.DB) error {
		res := tx.Model(&model.Player{}).
			Where("id = ? AND gold >= ?", playerID, amount).
			Update("gold", gorm.Expr("gold - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("insufficient gold for player %d", playerID)
		}
		return nil
	})
}

// Withdraw moves gold from the guild bank to a member's wallet.
// Requires admin rank.
func (s *Service) Withdraw(ctx context.Context, playerID, amount int64) error {
	if amount <= 0 {
		return fault.InvalidState("withdraw amount must be positive")
	}
	m, ok := s.cache.Member(playerID)
	if !ok {
		return fault.NotFound("player %d has no guild", playerID)
	}
	if !m.Role.AtLeast(model.RoleAdmin) {
		return fault.PermissionDenied("withdrawing requires admin rank")
	}
	g, _ := s.cache.GuildByID(m.GuildID)
	if g.Gold < amount {
		return fault.InvalidState("guild bank holds only %d gold", g.Gold)
	}
	return s.cache.UpdateGuild(ctx, m.GuildID, func(g *model.Guild) {
		g.Gold -= amount
	}, func(tx *gorm.DB) error {
		return tx.Model(&model.Player{}).Where("id = ?", playerID).
			Update("gold", gorm.Expr("gold + ?", amount)).Error
	})
}

// GrantExp adds experience to a guild, applying level-ups, and refreshes the
// leaderboard entry. Overflow experience carries into the next level.
func (s *Service) GrantExp(ctx context.Context, guildID, amount int64) error {
	if amount <= 0 {
		return fault.InvalidState("exp amount must be positive")
	}
	var leveled bool
	var after model.Guild
	err := s.cache.UpdateGuild(ctx, guildID, func(g *model.Guild) {
		g.Exp += amount
		for g.Exp >= expNeeded(g.Level) {
			g.Exp -= expNeeded(g.Level)
			g.Level++
			leveled = true
		}
		after = *g
	}, nil)
	if err != nil {
		return err
	}

	s.updateRank(ctx, &after)
	if leveled {
		s.sink.BroadcastToGuild(guildID, session.NewPacket("guild.level_up", map[string]interface{}{
			"guild_id": guildID,
			"level":    after.Level,
		}))
		s.hooks.Trigger(ctx, hook.OnGuildLevelUp, &after)
	}
	return nil
}

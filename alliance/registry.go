// Package alliance manages the symmetric alliance graph between guilds and
// the request workflow that forms its edges.
package alliance

import (
	"context"
	"errors"
	"sync"

	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/keylock"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/notify"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/kasuganosora/guildhall/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WarChecker reports whether two guilds have a non-finished war against each
// other. Implemented by the war manager; wired at startup.
type WarChecker interface {
	AtWar(a, b int64) bool
}

// Registry keeps the alliance adjacency in memory and persists edges and
// requests write-through. Edges are normalized so the smaller guild id is
// always GuildAID.
type Registry struct {
	db     *gorm.DB
	guilds *guild.Cache
	sink   notify.Sink
	hooks  *hook.HookCenter
	logger *zap.Logger
	wars   WarChecker
	pairs  *keylock.KeyedMutex

	mu    sync.RWMutex
	edges map[int64]map[int64]int64 // guildID → partnerID → alliance row id
}

// NewRegistry creates an empty Registry. Call Load to populate it.
// pairs must be the same KeyedMutex the war manager holds: alliance formation
// and war declaration for a guild pair run under the pair's lock, so the
// relationship checks and the commit they guard cannot interleave.
func NewRegistry(db *gorm.DB, guilds *guild.Cache, sink notify.Sink, hooks *hook.HookCenter, pairs *keylock.KeyedMutex, logger *zap.Logger) *Registry {
	return &Registry{
		db:     db,
		guilds: guilds,
		sink:   sink,
		hooks:  hooks,
		pairs:  pairs,
		logger: logger,
		edges:  make(map[int64]map[int64]int64),
	}
}

// SetWarChecker wires the war manager in after construction.
func (r *Registry) SetWarChecker(w WarChecker) { r.wars = w }

// Load rebuilds the adjacency map from the durable store.
func (r *Registry) Load() error {
	var rows []model.Alliance
	if err := r.db.Find(&rows).Error; err != nil {
		return fault.Persistence(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = make(map[int64]map[int64]int64)
	for _, a := range rows {
		r.linkLocked(a.GuildAID, a.GuildBID, a.ID)
	}
	r.logger.Info("alliance registry loaded", zap.Int("edges", len(rows)))
	return nil
}

func (r *Registry) linkLocked(a, b, id int64) {
	if r.edges[a] == nil {
		r.edges[a] = make(map[int64]int64)
	}
	if r.edges[b] == nil {
		r.edges[b] = make(map[int64]int64)
	}
	r.edges[a][b] = id
	r.edges[b][a] = id
}

func (r *Registry) unlinkLocked(a, b int64) {
	delete(r.edges[a], b)
	delete(r.edges[b], a)
}

func normalize(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// AreAllied reports whether two guilds share an alliance edge.
func (r *Registry) AreAllied(a, b int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.edges[a][b]
	return ok
}

// Partners returns the guild ids allied with the given guild.
func (r *Registry) Partners(guildID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.edges[guildID]))
	for partner := range r.edges[guildID] {
		out = append(out, partner)
	}
	return out
}

// GuildOf returns the id of the guild the player belongs to.
func (r *Registry) GuildOf(playerID int64) (int64, bool) {
	m, ok := r.guilds.Member(playerID)
	if !ok {
		return 0, false
	}
	return m.GuildID, true
}

// adminOf returns the caller's membership if they hold admin rank or above.
func (r *Registry) adminOf(actorID int64) (model.GuildMember, error) {
	m, ok := r.guilds.Member(actorID)
	if !ok {
		return model.GuildMember{}, fault.NotFound("player %d has no guild", actorID)
	}
	if !m.Role.AtLeast(model.RoleAdmin) {
		return model.GuildMember{}, fault.PermissionDenied("alliance actions require admin rank")
	}
	return m, nil
}

// guardPair rejects a prospective alliance between two guilds that are the
// same, already allied, or at war with each other.
func (r *Registry) guardPair(a, b int64) error {
	if a == b {
		return fault.InvalidState("a guild cannot ally with itself")
	}
	if r.AreAllied(a, b) {
		return fault.Conflict("guilds %d and %d are already allied", a, b)
	}
	if r.wars != nil && r.wars.AtWar(a, b) {
		return fault.Conflict("guilds %d and %d are at war", a, b)
	}
	return nil
}

// SendRequest creates a pending alliance request toward another guild.
// Stale non-pending history between the pair is cleared first; a pending
// request in either direction blocks a new one.
func (r *Registry) SendRequest(ctx context.Context, actorID, targetGuildID int64) (*model.AllianceRequest, error) {
	actor, err := r.adminOf(actorID)
	if err != nil {
		return nil, err
	}
	if _, ok := r.guilds.GuildByID(targetGuildID); !ok {
		return nil, fault.NotFound("guild %d", targetGuildID)
	}

	unlock := r.pairs.Lock(actor.GuildID, targetGuildID)
	defer unlock()
	if err := r.guardPair(actor.GuildID, targetGuildID); err != nil {
		return nil, err
	}

	var pending int64
	if err := r.db.WithContext(ctx).Model(&model.AllianceRequest{}).
		Where("status = ? AND ((requester_id = ? AND target_id = ?) OR (requester_id = ? AND target_id = ?))",
			model.RequestPending, actor.GuildID, targetGuildID, targetGuildID, actor.GuildID).
		Count(&pending).Error; err != nil {
		return nil, fault.Persistence(err)
	}
	if pending > 0 {
		return nil, fault.Conflict("a pending request already exists between guilds %d and %d", actor.GuildID, targetGuildID)
	}

	req := &model.AllianceRequest{
		RequesterID: actor.GuildID,
		TargetID:    targetGuildID,
		Status:      model.RequestPending,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Clear settled history between the pair so it cannot pile up.
		if err := tx.Where("status <> ? AND ((requester_id = ? AND target_id = ?) OR (requester_id = ? AND target_id = ?))",
			model.RequestPending, actor.GuildID, targetGuildID, targetGuildID, actor.GuildID).
			Delete(&model.AllianceRequest{}).Error; err != nil {
			return err
		}
		return tx.Create(req).Error
	})
	if err != nil {
		return nil, fault.Persistence(err)
	}

	g, _ := r.guilds.GuildByID(actor.GuildID)
	r.sink.BroadcastToGuild(targetGuildID, session.NewPacket("alliance.requested", map[string]interface{}{
		"request_id":     req.ID,
		"requester_id":   actor.GuildID,
		"requester_name": g.Name,
	}))
	return req, nil
}

// Requests returns the pending requests sent by and received by a guild.
func (r *Registry) Requests(ctx context.Context, guildID int64) (sent, received []model.AllianceRequest, err error) {
	if err := r.db.WithContext(ctx).
		Where("requester_id = ? AND status = ?", guildID, model.RequestPending).
		Find(&sent).Error; err != nil {
		return nil, nil, fault.Persistence(err)
	}
	if err := r.db.WithContext(ctx).
		Where("target_id = ? AND status = ?", guildID, model.RequestPending).
		Find(&received).Error; err != nil {
		return nil, nil, fault.Persistence(err)
	}
	return sent, received, nil
}

// Accept resolves a pending request addressed to the caller's guild and forms
// the alliance. The pending→accepted flip is a compare-and-set on the request
// row, so two concurrent accepts resolve to exactly one winner.
func (r *Registry) Accept(ctx context.Context, actorID, requestID int64) error {
	actor, err := r.adminOf(actorID)
	if err != nil {
		return err
	}

	var req model.AllianceRequest
	if err := r.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		return fault.NotFound("alliance request %d", requestID)
	}
	if req.TargetID != actor.GuildID {
		return fault.PermissionDenied("request %d is not addressed to your guild", requestID)
	}
	if req.Status != model.RequestPending {
		return fault.InvalidState("request %d is no longer pending", requestID)
	}

	unlock := r.pairs.Lock(req.RequesterID, req.TargetID)
	defer unlock()
	if err := r.guardPair(req.RequesterID, req.TargetID); err != nil {
		return err
	}

	a, b := normalize(req.RequesterID, req.TargetID)
	edge := &model.Alliance{GuildAID: a, GuildBID: b}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.AllianceRequest{}).
			Where("id = ? AND status = ?", requestID, model.RequestPending).
			Update("status", model.RequestAccepted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.InvalidState("request %d is no longer pending", requestID)
		}
		return tx.Create(edge).Error
	})
	if err != nil {
		if errors.Is(err, fault.ErrInvalidState) {
			return err
		}
		return fault.Persistence(err)
	}

	r.mu.Lock()
	r.linkLocked(a, b, edge.ID)
	r.mu.Unlock()

	pkt := session.NewPacket("alliance.formed", map[string]interface{}{
		"guild_a_id": a,
		"guild_b_id": b,
	})
	r.sink.BroadcastToGuild(req.RequesterID, pkt)
	r.sink.BroadcastToGuild(req.TargetID, pkt)
	r.hooks.Trigger(ctx, hook.OnAllianceFormed, edge)
	r.logger.Info("alliance formed", zap.Int64("guild_a", a), zap.Int64("guild_b", b))
	return nil
}

// Reject resolves a pending request addressed to the caller's guild without
// forming an alliance.
func (r *Registry) Reject(ctx context.Context, actorID, requestID int64) error {
	actor, err := r.adminOf(actorID)
	if err != nil {
		return err
	}
	var req model.AllianceRequest
	if err := r.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		return fault.NotFound("alliance request %d", requestID)
	}
	if req.TargetID != actor.GuildID {
		return fault.PermissionDenied("request %d is not addressed to your guild", requestID)
	}

	res := r.db.WithContext(ctx).Model(&model.AllianceRequest{}).
		Where("id = ? AND status = ?", requestID, model.RequestPending).
		Update("status", model.RequestRejected)
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.InvalidState("request %d is no longer pending", requestID)
	}

	r.sink.BroadcastToGuild(req.RequesterID, session.NewPacket("alliance.rejected", map[string]interface{}{
		"request_id": requestID,
		"target_id":  req.TargetID,
	}))
	return nil
}

// CreateDirect forms an alliance immediately, bypassing the request workflow.
// Used by the operator API.
func (r *Registry) CreateDirect(ctx context.Context, guildA, guildB int64) error {
	if _, ok := r.guilds.GuildByID(guildA); !ok {
		return fault.NotFound("guild %d", guildA)
	}
	if _, ok := r.guilds.GuildByID(guildB); !ok {
		return fault.NotFound("guild %d", guildB)
	}

	unlock := r.pairs.Lock(guildA, guildB)
	defer unlock()
	if err := r.guardPair(guildA, guildB); err != nil {
		return err
	}

	a, b := normalize(guildA, guildB)
	edge := &model.Alliance{GuildAID: a, GuildBID: b}
	if err := r.db.WithContext(ctx).Create(edge).Error; err != nil {
		return fault.Persistence(err)
	}

	r.mu.Lock()
	r.linkLocked(a, b, edge.ID)
	r.mu.Unlock()

	pkt := session.NewPacket("alliance.formed", map[string]interface{}{
		"guild_a_id": a,
		"guild_b_id": b,
	})
	r.sink.BroadcastToGuild(a, pkt)
	r.sink.BroadcastToGuild(b, pkt)
	r.hooks.Trigger(ctx, hook.OnAllianceFormed, edge)
	return nil
}

// Break dissolves the alliance between the caller's guild and a partner.
// Only the owner may break an alliance.
func (r *Registry) Break(ctx context.Context, actorID, partnerID int64) error {
	m, ok := r.guilds.Member(actorID)
	if !ok {
		return fault.NotFound("player %d has no guild", actorID)
	}
	if m.Role != model.RoleOwner {
		return fault.PermissionDenied("only the owner can break an alliance")
	}

	r.mu.RLock()
	edgeID, ok := r.edges[m.GuildID][partnerID]
	r.mu.RUnlock()
	if !ok {
		return fault.NotFound("no alliance between guilds %d and %d", m.GuildID, partnerID)
	}

	if err := r.db.WithContext(ctx).Delete(&model.Alliance{}, edgeID).Error; err != nil {
		return fault.Persistence(err)
	}

	r.mu.Lock()
	r.unlinkLocked(m.GuildID, partnerID)
	r.mu.Unlock()

	pkt := session.NewPacket("alliance.broken", map[string]interface{}{
		"guild_a_id": m.GuildID,
		"guild_b_id": partnerID,
	})
	r.sink.BroadcastToGuild(m.GuildID, pkt)
	r.sink.BroadcastToGuild(partnerID, pkt)
	r.hooks.Trigger(ctx, hook.OnAllianceBroken, map[string]int64{"guild_a": m.GuildID, "guild_b": partnerID})
	r.logger.Info("alliance broken", zap.Int64("guild_a", m.GuildID), zap.Int64("guild_b", partnerID))
	return nil
}

// BreakAll removes every alliance edge and pending request involving a guild.
// Called when a guild disbands. Implements guild.AllianceCleaner.
func (r *Registry) BreakAll(ctx context.Context, guildID int64) error {
	r.mu.RLock()
	partners := make([]int64, 0, len(r.edges[guildID]))
	for p := range r.edges[guildID] {
		partners = append(partners, p)
	}
	r.mu.RUnlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_a_id = ? OR guild_b_id = ?", guildID, guildID).
			Delete(&model.Alliance{}).Error; err != nil {
			return err
		}
		return tx.Where("(requester_id = ? OR target_id = ?) AND status = ?",
			guildID, guildID, model.RequestPending).
			Delete(&model.AllianceRequest{}).Error
	})
	if err != nil {
		return fault.Persistence(err)
	}

	r.mu.Lock()
	for _, p := range partners {
		r.unlinkLocked(guildID, p)
	}
	r.mu.Unlock()

	for _, p := range partners {
		r.sink.BroadcastToGuild(p, session.NewPacket("alliance.broken", map[string]interface{}{
			"guild_a_id": guildID,
			"guild_b_id": p,
		}))
	}
	return nil
}

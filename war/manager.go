// Package war runs the guild war state machine: declaration, preparation,
// the timed ongoing phase, ceasefire negotiation, and resolution.
package war

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kasuganosora/guildhall/server/config"
	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/keylock"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/notify"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/kasuganosora/guildhall/server/scheduler"
	"github.com/kasuganosora/guildhall/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AllyChecker reports whether two guilds are allied. Implemented by the
// alliance registry; wired at startup.
type AllyChecker interface {
	AreAllied(a, b int64) bool
}

// Manager owns all non-finished wars. Each timed phase transition is driven
// by a named clock task, so an early resolution (ceasefire, forced end)
// cancels the pending transition by name.
type Manager struct {
	db     *gorm.DB
	guilds *guild.Cache
	sink   notify.Sink
	hooks  *hook.HookCenter
	clock  scheduler.Clock
	cfg    config.GuildConfig
	rule   WinnerRule
	logger *zap.Logger
	allies AllyChecker
	pairs  *keylock.KeyedMutex

	mu      sync.RWMutex
	wars    map[int64]*model.GuildWar // warID → war (non-finished only)
	byGuild map[int64]int64           // guildID → warID
}

// NewManager creates the war Manager. Call Load to resume persisted wars.
// pairs must be the same KeyedMutex the alliance registry holds; declarations
// run under the guild pair's lock so they serialize against alliance
// formation on that pair.
func NewManager(db *gorm.DB, guilds *guild.Cache, sink notify.Sink, hooks *hook.HookCenter, clock scheduler.Clock, cfg config.GuildConfig, rule WinnerRule, pairs *keylock.KeyedMutex, logger *zap.Logger) *Manager {
	if rule == nil {
		rule = DrawRule{}
	}
	return &Manager{
		db:      db,
		guilds:  guilds,
		sink:    sink,
		hooks:   hooks,
		clock:   clock,
		cfg:     cfg,
		rule:    rule,
		pairs:   pairs,
		logger:  logger,
		wars:    make(map[int64]*model.GuildWar),
		byGuild: make(map[int64]int64),
	}
}

// SetAllyChecker wires the alliance registry in after construction.
func (m *Manager) SetAllyChecker(a AllyChecker) { m.allies = a }

func inviteTask(warID int64) string { return fmt.Sprintf("war_invite_%d", warID) }
func prepTask(warID int64) string   { return fmt.Sprintf("war_prep_%d", warID) }
func durTask(warID int64) string    { return fmt.Sprintf("war_duration_%d", warID) }

// Load resumes non-finished wars from the durable store. Declared wars whose
// invitation window lapsed while the server was down are dropped; preparing
// and ongoing wars re-arm their phase timers from the original start time.
func (m *Manager) Load() error {
	var rows []model.GuildWar
	if err := m.db.Where("status <> ?", model.WarFinished).Find(&rows).Error; err != nil {
		return fault.Persistence(err)
	}

	now := m.clock.Now()
	for i := range rows {
		w := rows[i]
		switch w.Status {
		case model.WarPending:
			deadline := w.StartedAt.Add(m.cfg.WarInviteExpiry)
			if now.After(deadline) {
				if err := m.db.Delete(&model.GuildWar{}, w.ID).Error; err != nil {
					return fault.Persistence(err)
				}
				continue
			}
			m.track(&w)
			m.clock.AddDelay(inviteTask(w.ID), deadline.Sub(now), m.expireInvitation(w.ID))
		case model.WarPreparing:
			m.track(&w)
			prepEnd := w.StartedAt.Add(m.cfg.WarPreparation)
			m.clock.AddDelay(prepTask(w.ID), maxDur(prepEnd.Sub(now)), m.beginTask(w.ID))
		case model.WarOngoing:
			m.track(&w)
			end := w.StartedAt.Add(m.cfg.WarPreparation + m.cfg.WarDuration)
			m.clock.AddDelay(durTask(w.ID), maxDur(end.Sub(now)), m.timeUpTask(w.ID))
		}
	}

	m.mu.RLock()
	count := len(m.wars)
	m.mu.RUnlock()
	m.logger.Info("war manager loaded", zap.Int("active_wars", count))
	return nil
}

func maxDur(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) track(w *model.GuildWar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wars[w.ID] = w
	m.byGuild[w.AttackerID] = w.ID
	m.byGuild[w.DefenderID] = w.ID
}

func (m *Manager) untrack(warID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wars[warID]; ok {
		delete(m.byGuild, w.AttackerID)
		delete(m.byGuild, w.DefenderID)
		delete(m.wars, warID)
	}
}

// HasActiveWar reports whether the guild is a side in any non-finished war.
// Implements guild.WarChecker.
func (m *Manager) HasActiveWar(guildID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byGuild[guildID]
	return ok
}

// AtWar reports whether the two guilds have a non-finished war against each
// other. Implements alliance.WarChecker.
func (m *Manager) AtWar(a, b int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	warID, ok := m.byGuild[a]
	if !ok {
		return false
	}
	w := m.wars[warID]
	return w != nil && (w.AttackerID == b || w.DefenderID == b)
}

// ActiveWar returns the guild's non-finished war, if any.
func (m *Manager) ActiveWar(guildID int64) (model.GuildWar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	warID, ok := m.byGuild[guildID]
	if !ok {
		return model.GuildWar{}, false
	}
	return *m.wars[warID], true
}

// ActiveWars returns a snapshot of every non-finished war.
func (m *Manager) ActiveWars() []model.GuildWar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.GuildWar, 0, len(m.wars))
	for _, w := range m.wars {
		out = append(out, *w)
	}
	return out
}

// adminOf returns the caller's membership if they hold admin rank or above.
func (m *Manager) adminOf(actorID int64) (model.GuildMember, error) {
	mem, ok := m.guilds.Member(actorID)
	if !ok {
		return model.GuildMember{}, fault.NotFound("player %d has no guild", actorID)
	}
	if !mem.Role.AtLeast(model.RoleAdmin) {
		return model.GuildMember{}, fault.PermissionDenied("war actions require admin rank")
	}
	return mem, nil
}

// Declare sends a war declaration to another guild. Both sides must meet the
// minimum member count, must not be allied, and must not already be engaged.
// The declaration expires if not answered within the invitation window.
func (m *Manager) Declare(ctx context.Context, actorID, targetGuildID int64) (model.GuildWar, error) {
	actor, err := m.adminOf(actorID)
	if err != nil {
		return model.GuildWar{}, err
	}
	if actor.GuildID == targetGuildID {
		return model.GuildWar{}, fault.InvalidState("a guild cannot declare war on itself")
	}
	if _, ok := m.guilds.GuildByID(targetGuildID); !ok {
		return model.GuildWar{}, fault.NotFound("guild %d", targetGuildID)
	}

	// The pair lock is shared with the alliance registry: while it is held,
	// no alliance can form between these guilds and no competing declaration
	// involving either side can slip between the checks and the commit.
	unlock := m.pairs.Lock(actor.GuildID, targetGuildID)
	defer unlock()

	if m.allies != nil && m.allies.AreAllied(actor.GuildID, targetGuildID) {
		return model.GuildWar{}, fault.Conflict("cannot declare war on an ally")
	}
	if m.HasActiveWar(actor.GuildID) {
		return model.GuildWar{}, fault.Conflict("guild %d is already engaged in a war", actor.GuildID)
	}
	if m.HasActiveWar(targetGuildID) {
		return model.GuildWar{}, fault.Conflict("guild %d is already engaged in a war", targetGuildID)
	}
	if n := m.guilds.MemberCount(actor.GuildID); n < m.cfg.WarMinMembers {
		return model.GuildWar{}, fault.InvalidState("your guild needs %d members to go to war, has %d", m.cfg.WarMinMembers, n)
	}
	if n := m.guilds.MemberCount(targetGuildID); n < m.cfg.WarMinMembers {
		return model.GuildWar{}, fault.InvalidState("target guild has fewer than %d members", m.cfg.WarMinMembers)
	}

	w := &model.GuildWar{
		AttackerID: actor.GuildID,
		DefenderID: targetGuildID,
		Status:     model.WarPending,
		StartedAt:  m.clock.Now(),
	}
	if err := m.db.WithContext(ctx).Create(w).Error; err != nil {
		return model.GuildWar{}, fault.Persistence(err)
	}
	m.track(w)
	m.clock.AddDelay(inviteTask(w.ID), m.cfg.WarInviteExpiry, m.expireInvitation(w.ID))

	g, _ := m.guilds.GuildByID(actor.GuildID)
	m.sink.BroadcastToGuild(targetGuildID, session.NewPacket("war.declared", map[string]interface{}{
		"war_id":        w.ID,
		"attacker_id":   actor.GuildID,
		"attacker_name": g.Name,
	}))
	m.hooks.Trigger(ctx, hook.OnWarDeclared, w)
	m.logger.Info("war declared",
		zap.Int64("war_id", w.ID),
		zap.Int64("attacker", actor.GuildID),
		zap.Int64("defender", targetGuildID))
	return *w, nil
}

// expireInvitation drops an unanswered declaration. The status is re-checked
// inside the task because an accept may have raced the timer.
func (m *Manager) expireInvitation(warID int64) scheduler.TaskFn {
	return func() {
		m.mu.RLock()
		w, ok := m.wars[warID]
		pending := ok && w.Status == model.WarPending
		m.mu.RUnlock()
		if !pending {
			return
		}

		res := m.db.Where("id = ? AND status = ?", warID, model.WarPending).
			Delete(&model.GuildWar{})
		if res.Error != nil {
			m.logger.Error("war invitation expiry failed", zap.Int64("war_id", warID), zap.Error(res.Error))
			return
		}
		if res.RowsAffected == 0 {
			return
		}

		m.mu.RLock()
		attacker, defender := w.AttackerID, w.DefenderID
		m.mu.RUnlock()
		m.untrack(warID)
		m.sink.BroadcastToGuild(attacker, session.NewPacket("war.declaration_expired", map[string]interface{}{
			"war_id": warID,
		}))
		m.sink.BroadcastToGuild(defender, session.NewPacket("war.declaration_expired", map[string]interface{}{
			"war_id": warID,
		}))
		m.logger.Info("war declaration expired", zap.Int64("war_id", warID))
	}
}

// Accept answers a declaration addressed to the caller's guild and moves the
// war into preparation. The pending→preparing flip is a compare-and-set, so
// a racing expiry or duplicate accept resolves to one winner.
func (m *Manager) Accept(ctx context.Context, actorID, warID int64) error {
	actor, err := m.adminOf(actorID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	w, ok := m.wars[warID]
	m.mu.RUnlock()
	if !ok {
		return fault.NotFound("war %d", warID)
	}
	if w.DefenderID != actor.GuildID {
		return fault.PermissionDenied("war %d is not declared against your guild", warID)
	}
	if w.Status != model.WarPending {
		return fault.InvalidState("war %d is not awaiting an answer", warID)
	}

	now := m.clock.Now()
	res := m.db.WithContext(ctx).Model(&model.GuildWar{}).
		Where("id = ? AND status = ?", warID, model.WarPending).
		Updates(map[string]interface{}{"status": model.WarPreparing, "started_at": now})
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.InvalidState("war %d is not awaiting an answer", warID)
	}

	m.clock.Remove(inviteTask(warID))
	m.mu.Lock()
	w.Status = model.WarPreparing
	w.StartedAt = now
	m.mu.Unlock()
	m.clock.AddDelay(prepTask(warID), m.cfg.WarPreparation, m.beginTask(warID))

	pkt := session.NewPacket("war.preparing", map[string]interface{}{
		"war_id":      warID,
		"attacker_id": w.AttackerID,
		"defender_id": w.DefenderID,
		"starts_in":   m.cfg.WarPreparation.String(),
	})
	m.sink.BroadcastToGuild(w.AttackerID, pkt)
	m.sink.BroadcastToGuild(w.DefenderID, pkt)
	m.logger.Info("war accepted", zap.Int64("war_id", warID))
	return nil
}

// Reject declines a declaration addressed to the caller's guild.
func (m *Manager) Reject(ctx context.Context, actorID, warID int64) error {
	actor, err := m.adminOf(actorID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	w, ok := m.wars[warID]
	m.mu.RUnlock()
	if !ok {
		return fault.NotFound("war %d", warID)
	}
	if w.DefenderID != actor.GuildID {
		return fault.PermissionDenied("war %d is not declared against your guild", warID)
	}

	res := m.db.WithContext(ctx).
		Where("id = ? AND status = ?", warID, model.WarPending).
		Delete(&model.GuildWar{})
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.InvalidState("war %d is not awaiting an answer", warID)
	}

	m.clock.Remove(inviteTask(warID))
	m.untrack(warID)
	m.sink.BroadcastToGuild(w.AttackerID, session.NewPacket("war.declaration_rejected", map[string]interface{}{
		"war_id":      warID,
		"defender_id": w.DefenderID,
	}))
	return nil
}

// beginTask moves a war from preparation to ongoing when the prep window
// elapses. Status is re-checked because a ceasefire or forced end may have
// finished the war first.
func (m *Manager) beginTask(warID int64) scheduler.TaskFn {
	return func() {
		m.mu.RLock()
		w, ok := m.wars[warID]
		preparing := ok && w.Status == model.WarPreparing
		m.mu.RUnlock()
		if !preparing {
			return
		}

		res := m.db.Model(&model.GuildWar{}).
			Where("id = ? AND status = ?", warID, model.WarPreparing).
			Update("status", model.WarOngoing)
		if res.Error != nil {
			m.logger.Error("war start failed", zap.Int64("war_id", warID), zap.Error(res.Error))
			return
		}
		if res.RowsAffected == 0 {
			return
		}

		m.mu.Lock()
		w.Status = model.WarOngoing
		m.mu.Unlock()
		m.clock.AddDelay(durTask(warID), m.cfg.WarDuration, m.timeUpTask(warID))

		pkt := session.NewPacket("war.started", map[string]interface{}{
			"war_id":      warID,
			"attacker_id": w.AttackerID,
			"defender_id": w.DefenderID,
			"ends_in":     m.cfg.WarDuration.String(),
		})
		m.sink.BroadcastToGuild(w.AttackerID, pkt)
		m.sink.BroadcastToGuild(w.DefenderID, pkt)
		m.hooks.Trigger(context.Background(), hook.OnWarStart, w)
		m.logger.Info("war started", zap.Int64("war_id", warID))
	}
}

// timeUpTask resolves a war that ran its full duration through the winner rule.
func (m *Manager) timeUpTask(warID int64) scheduler.TaskFn {
	return func() {
		m.mu.RLock()
		w, ok := m.wars[warID]
		m.mu.RUnlock()
		if !ok || w.Status != model.WarOngoing {
			return
		}

		attacker, _ := m.guilds.GuildByID(w.AttackerID)
		defender, _ := m.guilds.GuildByID(w.DefenderID)
		outcome, err := m.rule.Decide(Stats{
			War:             *w,
			Attacker:        attacker,
			Defender:        defender,
			AttackerMembers: m.guilds.MemberCount(w.AttackerID),
			DefenderMembers: m.guilds.MemberCount(w.DefenderID),
		})
		if err != nil {
			m.logger.Warn("winner rule failed, war ends in a draw",
				zap.Int64("war_id", warID), zap.Error(err))
			outcome = OutcomeDraw
		}

		var winner *int64
		switch outcome {
		case OutcomeAttacker:
			id := w.AttackerID
			winner = &id
		case OutcomeDefender:
			id := w.DefenderID
			winner = &id
		}
		if err := m.End(context.Background(), warID, winner, "duration elapsed"); err != nil {
			m.logger.Error("war resolution failed", zap.Int64("war_id", warID), zap.Error(err))
		}
	}
}

// End finishes a war from the preparing or ongoing phase, records the winner
// (nil for a draw), cancels the pending phase timers, and settles any open
// ceasefire requests.
func (m *Manager) End(ctx context.Context, warID int64, winner *int64, reason string) error {
	m.mu.RLock()
	w, ok := m.wars[warID]
	m.mu.RUnlock()
	if !ok {
		return fault.NotFound("war %d", warID)
	}
	if w.Status != model.WarPreparing && w.Status != model.WarOngoing {
		return fault.InvalidState("war %d cannot be ended from %s", warID, w.Status)
	}

	now := m.clock.Now()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.GuildWar{}).
			Where("id = ? AND status IN ?", warID, []model.WarStatus{model.WarPreparing, model.WarOngoing}).
			Updates(map[string]interface{}{
				"status":    model.WarFinished,
				"ended_at":  now,
				"winner_id": winner,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.InvalidState("war %d already finished", warID)
		}
		return tx.Model(&model.CeasefireRequest{}).
			Where("war_id = ? AND status = ?", warID, model.RequestPending).
			Update("status", model.RequestExpired).Error
	})
	if err != nil {
		if errors.Is(err, fault.ErrInvalidState) {
			return err
		}
		return fault.Persistence(err)
	}

	m.clock.Remove(prepTask(warID))
	m.clock.Remove(durTask(warID))

	finished := *w
	finished.Status = model.WarFinished
	finished.EndedAt = &now
	finished.WinnerID = winner
	m.untrack(warID)

	payload := map[string]interface{}{
		"war_id":      warID,
		"attacker_id": finished.AttackerID,
		"defender_id": finished.DefenderID,
		"reason":      reason,
	}
	if winner != nil {
		payload["winner_id"] = *winner
	}
	pkt := session.NewPacket("war.ended", payload)
	m.sink.BroadcastToGuild(finished.AttackerID, pkt)
	m.sink.BroadcastToGuild(finished.DefenderID, pkt)
	m.hooks.Trigger(ctx, hook.OnWarEnd, &finished)
	m.logger.Info("war ended",
		zap.Int64("war_id", warID),
		zap.String("reason", reason),
		zap.Int64p("winner_id", winner))
	return nil
}

// RequestCeasefire asks the opposing guild to end an ongoing war with no
// winner. One pending ceasefire per war per side.
func (m *Manager) RequestCeasefire(ctx context.Context, actorID int64) (*model.CeasefireRequest, error) {
	actor, err := m.adminOf(actorID)
	if err != nil {
		return nil, err
	}
	w, ok := m.ActiveWar(actor.GuildID)
	if !ok {
		return nil, fault.NotFound("guild %d has no active war", actor.GuildID)
	}
	if w.Status != model.WarOngoing {
		return nil, fault.InvalidState("ceasefire applies only to an ongoing war")
	}
	other := w.AttackerID
	if actor.GuildID == w.AttackerID {
		other = w.DefenderID
	}

	var pending int64
	if err := m.db.WithContext(ctx).Model(&model.CeasefireRequest{}).
		Where("war_id = ? AND requester_id = ? AND status = ?", w.ID, actor.GuildID, model.RequestPending).
		Count(&pending).Error; err != nil {
		return nil, fault.Persistence(err)
	}
	if pending > 0 {
		return nil, fault.Conflict("a ceasefire request is already pending")
	}

	req := &model.CeasefireRequest{
		WarID:       w.ID,
		RequesterID: actor.GuildID,
		TargetID:    other,
		Status:      model.RequestPending,
	}
	if err := m.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fault.Persistence(err)
	}

	m.sink.BroadcastToGuild(other, session.NewPacket("war.ceasefire_requested", map[string]interface{}{
		"request_id":   req.ID,
		"war_id":       w.ID,
		"requester_id": actor.GuildID,
	}))
	return req, nil
}

// AcceptCeasefire ends the war immediately with no winner.
func (m *Manager) AcceptCeasefire(ctx context.Context, actorID, requestID int64) error {
	actor, err := m.adminOf(actorID)
	if err != nil {
		return err
	}

	var req model.CeasefireRequest
	if err := m.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		return fault.NotFound("ceasefire request %d", requestID)
	}
	if req.TargetID != actor.GuildID {
		return fault.PermissionDenied("request %d is not addressed to your guild", requestID)
	}

	res := m.db.WithContext(ctx).Model(&model.CeasefireRequest{}).
		Where("id = ? AND status = ?", requestID, model.RequestPending).
		Update("status", model.RequestAccepted)
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.InvalidState("request %d is no longer pending", requestID)
	}

	return m.End(ctx, req.WarID, nil, "ceasefire")
}

// RejectCeasefire declines a ceasefire request; the war continues.
func (m *Manager) RejectCeasefire(ctx context.Context, actorID, requestID int64) error {
	actor, err := m.adminOf(actorID)
	if err != nil {
		return err
	}

	var req model.CeasefireRequest
	if err := m.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		return fault.NotFound("ceasefire request %d", requestID)
	}
	if req.TargetID != actor.GuildID {
		return fault.PermissionDenied("request %d is not addressed to your guild", requestID)
	}

	res := m.db.WithContext(ctx).Model(&model.CeasefireRequest{}).
		Where("id = ? AND status = ?", requestID, model.RequestPending).
		Update("status", model.RequestRejected)
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.InvalidState("request %d is no longer pending", requestID)
	}

	m.sink.BroadcastToGuild(req.RequesterID, session.NewPacket("war.ceasefire_rejected", map[string]interface{}{
		"request_id": requestID,
		"war_id":     req.WarID,
	}))
	return nil
}

// Stop cancels every pending war timer. Used at shutdown.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.wars {
		m.clock.Remove(inviteTask(id))
		m.clock.Remove(prepTask(id))
		m.clock.Remove(durTask(id))
	}
}

package guild

import (
	"context"
	"sync"
	"time"

	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/notify"
	"github.com/kasuganosora/guildhall/server/scheduler"
	"github.com/kasuganosora/guildhall/server/session"
	"go.uber.org/zap"
)

const inviteSweepTask = "guild_invite_sweep"

// Invite is an ephemeral membership invitation. Invites live only in memory;
// a restart discards them, which is acceptable for a 60-second offer.
type Invite struct {
	GuildID     int64     `json:"guild_id"`
	GuildName   string    `json:"guild_name"`
	InviterID   int64     `json:"inviter_id"`
	InviterName string    `json:"inviter_name"`
	TargetID    int64     `json:"target_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// InviteTracker holds pending invitations keyed by target player. A player
// has at most one pending invite; a newer invite displaces the older one.
type InviteTracker struct {
	mu      sync.Mutex
	pending map[int64]*Invite // targetID → invite

	svc    *Service
	clock  scheduler.Clock
	sink   notify.Sink
	expiry time.Duration
	sweep  time.Duration
	logger *zap.Logger
}

// NewInviteTracker creates an InviteTracker. Call Start to begin sweeping.
func NewInviteTracker(svc *Service, clock scheduler.Clock, sink notify.Sink, expiry, sweep time.Duration, logger *zap.Logger) *InviteTracker {
	return &InviteTracker{
		pending: make(map[int64]*Invite),
		svc:     svc,
		clock:   clock,
		sink:    sink,
		expiry:  expiry,
		sweep:   sweep,
		logger:  logger,
	}
}

// Start registers the periodic expiry sweep with the clock.
func (t *InviteTracker) Start() {
	t.clock.AddTicker(inviteSweepTask, t.sweep, t.Sweep)
}

// Stop cancels the sweep ticker.
func (t *InviteTracker) Stop() {
	t.clock.Remove(inviteSweepTask)
}

// Send creates an invitation from a guild member to an outside player.
// The inviter must be elder rank or above; the guild must have room. A prior
// pending invite for the same target is replaced.
func (t *InviteTracker) Send(ctx context.Context, inviterID, targetID int64) (*Invite, error) {
	if inviterID == targetID {
		return nil, fault.InvalidState("cannot invite yourself")
	}
	inviter, ok := t.svc.cache.Member(inviterID)
	if !ok {
		return nil, fault.NotFound("player %d has no guild", inviterID)
	}
	if !inviter.Role.AtLeast(model.RoleElder) {
		return nil, fault.PermissionDenied("inviting requires elder rank")
	}
	if _, ok := t.svc.cache.Member(targetID); ok {
		return nil, fault.Conflict("player %d already belongs to a guild", targetID)
	}
	if t.svc.cache.MemberCount(inviter.GuildID) >= t.svc.cfg.MaxMembers {
		return nil, fault.CapacityExceeded("guild %d is full", inviter.GuildID)
	}
	var target model.Player
	if err := t.svc.db.WithContext(ctx).First(&target, targetID).Error; err != nil {
		return nil, fault.NotFound("player %d", targetID)
	}
	g, _ := t.svc.cache.GuildByID(inviter.GuildID)

	now := t.clock.Now()
	inv := &Invite{
		GuildID:     g.ID,
		GuildName:   g.Name,
		InviterID:   inviterID,
		InviterName: inviter.PlayerName,
		TargetID:    targetID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(t.expiry),
	}

	t.mu.Lock()
	replaced := t.pending[targetID] != nil
	t.pending[targetID] = inv
	t.mu.Unlock()
	if replaced {
		t.logger.Debug("pending invite replaced", zap.Int64("target_id", targetID))
	}

	t.sink.SendToPlayer(targetID, session.NewPacket("guild.invited", inv))
	return inv, nil
}

// Pending returns the current invite for a player, if one exists and has not
// expired. An invite is expired from its deadline on, not after it.
func (t *InviteTracker) Pending(targetID int64) (*Invite, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.pending[targetID]
	if !ok || !t.clock.Now().Before(inv.ExpiresAt) {
		return nil, false
	}
	cp := *inv
	return &cp, true
}

// Accept consumes the player's pending invite and joins the guild. The expiry
// is re-checked at accept time; the sweep is only a cleanup pass.
func (t *InviteTracker) Accept(ctx context.Context, targetID int64) (int64, error) {
	t.mu.Lock()
	inv, ok := t.pending[targetID]
	if ok && !t.clock.Now().Before(inv.ExpiresAt) {
		delete(t.pending, targetID)
		ok = false
	}
	if !ok {
		t.mu.Unlock()
		return 0, fault.NotFound("no pending invite for player %d", targetID)
	}
	delete(t.pending, targetID)
	t.mu.Unlock()

	if err := t.svc.JoinInvited(ctx, targetID, inv.GuildID); err != nil {
		return 0, err
	}
	t.sink.SendToPlayer(inv.InviterID, session.NewPacket("guild.invite_accepted", map[string]interface{}{
		"guild_id":  inv.GuildID,
		"target_id": targetID,
	}))
	return inv.GuildID, nil
}

// Reject discards the player's pending invite and informs the inviter.
func (t *InviteTracker) Reject(targetID int64) error {
	t.mu.Lock()
	inv, ok := t.pending[targetID]
	if ok {
		delete(t.pending, targetID)
	}
	t.mu.Unlock()
	if !ok {
		return fault.NotFound("no pending invite for player %d", targetID)
	}
	t.sink.SendToPlayer(inv.InviterID, session.NewPacket("guild.invite_rejected", map[string]interface{}{
		"guild_id":  inv.GuildID,
		"target_id": targetID,
	}))
	return nil
}

// Sweep drops every expired invite and notifies both sides.
func (t *InviteTracker) Sweep() {
	now := t.clock.Now()

	t.mu.Lock()
	var expired []*Invite
	for targetID, inv := range t.pending {
		if !now.Before(inv.ExpiresAt) {
			expired = append(expired, inv)
			delete(t.pending, targetID)
		}
	}
	t.mu.Unlock()

	for _, inv := range expired {
		t.sink.SendToPlayer(inv.TargetID, session.NewPacket("guild.invite_expired", map[string]interface{}{
			"guild_id": inv.GuildID,
		}))
		t.sink.SendToPlayer(inv.InviterID, session.NewPacket("guild.invite_expired", map[string]interface{}{
			"guild_id":  inv.GuildID,
			"target_id": inv.TargetID,
		}))
	}
	if len(expired) > 0 {
		t.logger.Debug("expired invites swept", zap.Int("count", len(expired)))
	}
}

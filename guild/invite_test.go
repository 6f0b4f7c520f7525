package guild_test

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var inviteT0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newInviteFixture(t *testing.T) (*fixture, *guild.InviteTracker, *scheduler.ManualClock) {
	t.Helper()
	f := newFixture(t)
	clock := scheduler.NewManualClock(inviteT0)
	tracker := guild.NewInviteTracker(f.svc, clock, f.sink, 60*time.Second, 30*time.Second, zap.NewNop())
	tracker.Start()
	return f, tracker, clock
}

func TestInvite_SendAndAccept(t *testing.T) {
	f, tracker, _ := newInviteFixture(t)
	g, owner := f.seedGuild(t, "alice")
	target := f.seedPlayer(t, "bob", 0)

	inv, err := tracker.Send(context.Background(), owner.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, inv.GuildID)
	assert.Equal(t, inviteT0.Add(60*time.Second), inv.ExpiresAt)
	assert.NotEmpty(t, f.sink.OfType("guild.invited"))

	joined, err := tracker.Accept(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, joined)

	m, ok := f.cache.Member(target.ID)
	require.True(t, ok)
	assert.Equal(t, model.RoleMember, m.Role)

	// Invite is consumed.
	_, err = tracker.Accept(context.Background(), target.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestInvite_RequiresElderRank(t *testing.T) {
	f, tracker, _ := newInviteFixture(t)
	f.seedGuild(t, "alice", "bob")
	var bob model.Player
	require.NoError(t, f.db.Where("name = ?", "bob").First(&bob).Error)
	target := f.seedPlayer(t, "carol", 0)

	_, err := tracker.Send(context.Background(), bob.ID, target.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)
}

func TestInvite_TargetAlreadyInGuild(t *testing.T) {
	f, tracker, _ := newInviteFixture(t)
	_, owner := f.seedGuild(t, "alice")
	_, other := f.seedGuild(t, "dave")

	_, err := tracker.Send(context.Background(), owner.ID, other.ID)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestInvite_LastInviteWins(t *testing.T) {
	f, tracker, _ := newInviteFixture(t)
	g1, owner1 := f.seedGuild(t, "alice")
	g2, owner2 := f.seedGuild(t, "dave")
	target := f.seedPlayer(t, "bob", 0)

	_, err := tracker.Send(context.Background(), owner1.ID, target.ID)
	require.NoError(t, err)
	_, err = tracker.Send(context.Background(), owner2.ID, target.ID)
	require.NoError(t, err)

	inv, ok := tracker.Pending(target.ID)
	require.True(t, ok)
	assert.Equal(t, g2.ID, inv.GuildID, "the newer invite displaced the older one")
	assert.NotEqual(t, g1.ID, inv.GuildID)
}

func TestInvite_ExpiresViaSweep(t *testing.T) {
	f, tracker, clock := newInviteFixture(t)
	_, owner := f.seedGuild(t, "alice")
	target := f.seedPlayer(t, "bob", 0)

	_, err := tracker.Send(context.Background(), owner.ID, target.ID)
	require.NoError(t, err)

	// 30s sweep: invite still inside its 60s window.
	clock.Advance(30 * time.Second)
	_, ok := tracker.Pending(target.ID)
	assert.True(t, ok)

	// The sweep at exactly 60s removes it: expiry is inclusive of the deadline.
	clock.Advance(30 * time.Second)
	_, ok = tracker.Pending(target.ID)
	assert.False(t, ok)
	assert.NotEmpty(t, f.sink.OfType("guild.invite_expired"))

	_, err = tracker.Accept(context.Background(), target.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestInvite_AcceptRechecksExpiry(t *testing.T) {
	f, tracker, clock := newInviteFixture(t)
	_, owner := f.seedGuild(t, "alice")
	target := f.seedPlayer(t, "bob", 0)

	_, err := tracker.Send(context.Background(), owner.ID, target.ID)
	require.NoError(t, err)

	// Stop the sweep so only the accept-time re-check can catch the expiry,
	// and land exactly on the deadline: the invite is already dead there.
	tracker.Stop()
	clock.Advance(60 * time.Second)

	_, err = tracker.Accept(context.Background(), target.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	_, ok := tracker.Pending(target.ID)
	assert.False(t, ok, "an invite at its deadline is no longer pending")
}

func TestInvite_Reject(t *testing.T) {
	f, tracker, _ := newInviteFixture(t)
	_, owner := f.seedGuild(t, "alice")
	target := f.seedPlayer(t, "bob", 0)

	_, err := tracker.Send(context.Background(), owner.ID, target.ID)
	require.NoError(t, err)
	require.NoError(t, tracker.Reject(target.ID))

	_, ok := f.cache.Member(target.ID)
	assert.False(t, ok)
	assert.NotEmpty(t, f.sink.OfType("guild.invite_rejected"))
}

func TestInvite_FullGuild(t *testing.T) {
	f, tracker, _ := newInviteFixture(t)
	_, owner := f.seedGuild(t, "alice", "bob", "carol", "dave") // at MaxMembers=4
	target := f.seedPlayer(t, "eve", 0)

	_, err := tracker.Send(context.Background(), owner.ID, target.ID)
	assert.ErrorIs(t, err, fault.ErrCapacityExceeded)
}

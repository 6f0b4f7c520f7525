package war_test

import (
	"context"
	"sync"
	"testing"

	"github.com/kasuganosora/guildhall/server/alliance"
	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Wires the alliance registry and war manager together the way main does and
// walks a full conflict: declaration, acceptance, preparation, ceasefire, and
// finally an alliance between the former belligerents.
func TestWarAndAlliance_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testWarConfig()

	hooks := hook.NewHookCenter()
	reg := alliance.NewRegistry(f.db, f.cache, f.sink, hooks, f.locks, zap.NewNop())
	require.NoError(t, reg.Load())
	reg.SetWarChecker(f.mgr)
	f.mgr.SetAllyChecker(reg)

	gA, ownerA := f.seedGuild(t, "alice", 1)
	gB, ownerB := f.seedGuild(t, "bob", 1)

	w, err := f.mgr.Declare(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Accept(ctx, ownerB.ID, w.ID))

	// At war: no alliance request may pass between the belligerents.
	_, err = reg.SendRequest(ctx, ownerA.ID, gB.ID)
	assert.ErrorIs(t, err, fault.ErrConflict)

	f.clock.Advance(cfg.WarPreparation)
	active, ok := f.mgr.ActiveWar(gA.ID)
	require.True(t, ok)
	require.Equal(t, model.WarOngoing, active.Status)

	req, err := f.mgr.RequestCeasefire(ctx, ownerA.ID)
	require.NoError(t, err)
	require.NoError(t, f.mgr.AcceptCeasefire(ctx, ownerB.ID, req.ID))
	assert.False(t, f.mgr.HasActiveWar(gA.ID))

	// With the war settled the same pair can ally.
	areq, err := reg.SendRequest(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)
	require.NoError(t, reg.Accept(ctx, ownerB.ID, areq.ID))
	assert.True(t, reg.AreAllied(gA.ID, gB.ID))

	// And allied guilds cannot redeclare on each other.
	_, err = f.mgr.Declare(ctx, ownerA.ID, gB.ID)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

// Races an alliance accept against a war declaration on the same pair. The
// shared pair lock must let exactly one of the two relationships form; without
// it both checks can pass before either commit lands.
func TestWarAndAlliance_PairExclusiveUnderContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hooks := hook.NewHookCenter()
	reg := alliance.NewRegistry(f.db, f.cache, f.sink, hooks, f.locks, zap.NewNop())
	require.NoError(t, reg.Load())
	reg.SetWarChecker(f.mgr)
	f.mgr.SetAllyChecker(reg)

	gA, ownerA := f.seedGuild(t, "alice", 1)
	gB, ownerB := f.seedGuild(t, "bob", 1)

	for i := 0; i < 40; i++ {
		req, err := reg.SendRequest(ctx, ownerA.ID, gB.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.Accept(ctx, ownerB.ID, req.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.mgr.Declare(ctx, ownerA.ID, gB.ID)
		}()
		wg.Wait()

		allied := reg.AreAllied(gA.ID, gB.ID)
		atWar := f.mgr.AtWar(gA.ID, gB.ID)
		require.False(t, allied && atWar,
			"iteration %d: guilds %d and %d are both allied and at war", i, gA.ID, gB.ID)

		// Undo whichever side won so the next round starts from scratch.
		if allied {
			require.NoError(t, reg.Break(ctx, ownerA.ID, gB.ID))
		}
		if atWar {
			w, ok := f.mgr.ActiveWar(gA.ID)
			require.True(t, ok)
			require.NoError(t, f.mgr.Reject(ctx, ownerB.ID, w.ID))
		}
		require.NoError(t, f.db.Where("1 = 1").Delete(&model.AllianceRequest{}).Error)
	}
}

package alliance_test

import (
	"context"
	"testing"

	"github.com/kasuganosora/guildhall/server/alliance"
	"github.com/kasuganosora/guildhall/server/config"
	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/keylock"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/kasuganosora/guildhall/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	reg   *alliance.Registry
	svc   *guild.Service
	cache *guild.Cache
	db    *gorm.DB
	sink  *testutil.RecorderSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	kv, _ := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	c := guild.NewCache(db, logger)
	require.NoError(t, c.Reload())
	sink := testutil.NewRecorderSink()
	hooks := hook.NewHookCenter()
	svc := guild.NewService(c, db, kv, sink, hooks, config.GuildConfig{MaxMembers: 10, CreateCost: 0}, logger)
	reg := alliance.NewRegistry(db, c, sink, hooks, keylock.New(), logger)
	require.NoError(t, reg.Load())
	return &fixture{reg: reg, svc: svc, cache: c, db: db, sink: sink}
}

// seedGuild founds a guild and returns it with its owner.
func (f *fixture) seedGuild(t *testing.T, ownerName string) (model.Guild, model.Player) {
	t.Helper()
	p := model.Player{Name: ownerName, Level: 1, AccountID: 1}
	require.NoError(t, f.db.Create(&p).Error)
	g, err := f.svc.Create(context.Background(), p.ID, ownerName+"-guild", ownerName[:1]+"G", "", true)
	require.NoError(t, err)
	return g, p
}

func (f *fixture) addMember(t *testing.T, name string, guildID int64) model.Player {
	t.Helper()
	p := model.Player{Name: name, Level: 1, AccountID: 1}
	require.NoError(t, f.db.Create(&p).Error)
	require.NoError(t, f.svc.Join(context.Background(), p.ID, guildID))
	return p
}

func TestSendAndAccept_FormsNormalizedEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gA, ownerA := f.seedGuild(t, "alice")
	gB, ownerB := f.seedGuild(t, "bob")

	req, err := f.reg.SendRequest(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)
	assert.Equal(t, gA.ID, req.RequesterID)
	assert.NotEmpty(t, f.sink.OfType("alliance.requested"))

	require.NoError(t, f.reg.Accept(ctx, ownerB.ID, req.ID))

	assert.True(t, f.reg.AreAllied(gA.ID, gB.ID))
	assert.True(t, f.reg.AreAllied(gB.ID, gA.ID), "edges are symmetric")
	assert.Contains(t, f.reg.Partners(gA.ID), gB.ID)

	var edge model.Alliance
	require.NoError(t, f.db.First(&edge).Error)
	assert.LessOrEqual(t, edge.GuildAID, edge.GuildBID, "edge rows are normalized")
	assert.NotEmpty(t, f.sink.OfType("alliance.formed"))
}

func TestSendRequest_PendingBlocksEitherDirection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gA, ownerA := f.seedGuild(t, "alice")
	gB, ownerB := f.seedGuild(t, "bob")

	_, err := f.reg.SendRequest(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)

	_, err = f.reg.SendRequest(ctx, ownerA.ID, gB.ID)
	assert.ErrorIs(t, err, fault.ErrConflict)

	// The reverse direction is blocked by the same pending request.
	_, err = f.reg.SendRequest(ctx, ownerB.ID, gA.ID)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestSendRequest_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gA, ownerA := f.seedGuild(t, "alice")
	gB, _ := f.seedGuild(t, "bob")
	member := f.addMember(t, "carol", gA.ID)

	_, err := f.reg.SendRequest(ctx, member.ID, gB.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied, "plain members cannot send requests")

	_, err = f.reg.SendRequest(ctx, ownerA.ID, gA.ID)
	assert.ErrorIs(t, err, fault.ErrInvalidState, "a guild cannot ally with itself")

	_, err = f.reg.SendRequest(ctx, ownerA.ID, 99999)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

type atWarStub struct{}

func (atWarStub) AtWar(a, b int64) bool { return true }

func TestSendRequest_BlockedByWar(t *testing.T) {
	f := newFixture(t)
	_, ownerA := f.seedGuild(t, "alice")
	gB, _ := f.seedGuild(t, "bob")
	f.reg.SetWarChecker(atWarStub{})

	_, err := f.reg.SendRequest(context.Background(), ownerA.ID, gB.ID)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestAccept_SecondAcceptLoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ownerA := f.seedGuild(t, "alice")
	gB, ownerB := f.seedGuild(t, "bob")

	req, err := f.reg.SendRequest(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)
	require.NoError(t, f.reg.Accept(ctx, ownerB.ID, req.ID))

	err = f.reg.Accept(ctx, ownerB.ID, req.ID)
	assert.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestAccept_WrongGuildDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ownerA := f.seedGuild(t, "alice")
	gB, _ := f.seedGuild(t, "bob")
	_, ownerC := f.seedGuild(t, "carol")

	req, err := f.reg.SendRequest(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)

	err = f.reg.Accept(ctx, ownerC.ID, req.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)
}

func TestReject_AllowsFreshRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ownerA := f.seedGuild(t, "alice")
	gB, ownerB := f.seedGuild(t, "bob")

	req, err := f.reg.SendRequest(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)
	require.NoError(t, f.reg.Reject(ctx, ownerB.ID, req.ID))
	assert.NotEmpty(t, f.sink.OfType("alliance.rejected"))

	// Rejected history is cleared when a new request comes in.
	req2, err := f.reg.SendRequest(ctx, ownerA.ID, gB.ID)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, req2.ID)

	var count int64
	require.NoError(t, f.db.Model(&model.AllianceRequest{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "only the fresh pending request remains")
}

func TestBreak_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gA, ownerA := f.seedGuild(t, "alice")
	gB, _ := f.seedGuild(t, "bob")
	admin := f.addMember(t, "carol", gA.ID)
	require.NoError(t, f.svc.SetRole(ctx, ownerA.ID, admin.ID, model.RoleAdmin))
	require.NoError(t, f.reg.CreateDirect(ctx, gA.ID, gB.ID))

	err := f.reg.Break(ctx, admin.ID, gB.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)

	require.NoError(t, f.reg.Break(ctx, ownerA.ID, gB.ID))
	assert.False(t, f.reg.AreAllied(gA.ID, gB.ID))
	assert.NotEmpty(t, f.sink.OfType("alliance.broken"))

	var count int64
	require.NoError(t, f.db.Model(&model.Alliance{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBreakAll_ClearsEdgesAndPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gA, ownerA := f.seedGuild(t, "alice")
	gB, _ := f.seedGuild(t, "bob")
	gC, _ := f.seedGuild(t, "carol")
	gD, _ := f.seedGuild(t, "dave")

	require.NoError(t, f.reg.CreateDirect(ctx, gA.ID, gB.ID))
	require.NoError(t, f.reg.CreateDirect(ctx, gA.ID, gC.ID))
	_, err := f.reg.SendRequest(ctx, ownerA.ID, gD.ID)
	require.NoError(t, err)

	require.NoError(t, f.reg.BreakAll(ctx, gA.ID))

	assert.False(t, f.reg.AreAllied(gA.ID, gB.ID))
	assert.False(t, f.reg.AreAllied(gA.ID, gC.ID))
	assert.Empty(t, f.reg.Partners(gA.ID))

	var pending int64
	require.NoError(t, f.db.Model(&model.AllianceRequest{}).
		Where("status = ?", model.RequestPending).Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestLoad_RebuildsAdjacency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gA, _ := f.seedGuild(t, "alice")
	gB, _ := f.seedGuild(t, "bob")
	require.NoError(t, f.reg.CreateDirect(ctx, gA.ID, gB.ID))

	fresh := alliance.NewRegistry(f.db, f.cache, f.sink, hook.NewHookCenter(), keylock.New(), zap.NewNop())
	require.NoError(t, fresh.Load())
	assert.True(t, fresh.AreAllied(gA.ID, gB.ID))
}

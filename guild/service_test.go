package guild_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/kasuganosora/guildhall/server/cache"
	"github.com/kasuganosora/guildhall/server/config"
	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/kasuganosora/guildhall/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testGuildConfig() config.GuildConfig {
	return config.GuildConfig{
		MaxMembers: 4,
		CreateCost: 1000,
	}
}

type fixture struct {
	svc   *guild.Service
	cache *guild.Cache
	db    *gorm.DB
	kv    cache.Cache
	sink  *testutil.RecorderSink
	hooks *hook.HookCenter
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
	svc := guild.NewService(c, db, kv, sink, hooks, testGuildConfig(), logger)
	return &fixture{svc: svc, cache: c, db: db, kv: kv, sink: sink, hooks: hooks}
}

func (f *fixture) seedPlayer(t *testing.T, name string, gold int64) model.Player {
	t.Helper()
	p := model.Player{Name: name, Level: 1, Gold: gold, AccountID: 1}
	require.NoError(t, f.db.Create(&p).Error)
	return p
}

// founds a guild with the given owner and fills it with members.
func (f *fixture) seedGuild(t *testing.T, ownerName string, memberNames ...string) (model.Guild, model.Player) {
	t.Helper()
	owner := f.seedPlayer(t, ownerName, 5000)
	g, err := f.svc.Create(context.Background(), owner.ID, ownerName+"-guild", ownerName[:1]+"G", "", true)
	require.NoError(t, err)
	for _, name := range memberNames {
		p := f.seedPlayer(t, name, 0)
		require.NoError(t, f.svc.Join(context.Background(), p.ID, g.ID))
	}
	return g, owner
}

func TestCreate_DeductsCostAndSetsOwner(t *testing.T) {
	f := newFixture(t)
	p := f.seedPlayer(t, "alice", 1500)

	g, err := f.svc.Create(context.Background(), p.ID, "Knights", "KNI", "first", false)
	require.NoError(t, err)
	assert.Equal(t, p.ID, g.OwnerID)
	assert.Equal(t, 1, g.Level)

	var reloaded model.Player
	require.NoError(t, f.db.First(&reloaded, p.ID).Error)
	assert.Equal(t, int64(500), reloaded.Gold)
	require.NotNil(t, reloaded.GuildID)
	assert.Equal(t, g.ID, *reloaded.GuildID)

	m, ok := f.cache.Member(p.ID)
	require.True(t, ok)
	assert.Equal(t, model.RoleOwner, m.Role)
}

func TestCreate_InsufficientGold(t *testing.T) {
	f := newFixture(t)
	p := f.seedPlayer(t, "poor", 10)

	_, err := f.svc.Create(context.Background(), p.ID, "Broke", "BRK", "", false)
	assert.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestCreate_DuplicateNameAndTag(t *testing.T) {
	f := newFixture(t)
	a := f.seedPlayer(t, "a", 5000)
	b := f.seedPlayer(t, "b", 5000)
	_, err := f.svc.Create(context.Background(), a.ID, "Knights", "KNI", "", false)
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), b.ID, "knights", "XYZ", "", false)
	assert.ErrorIs(t, err, fault.ErrConflict, "name match is case-insensitive")

	_, err = f.svc.Create(context.Background(), b.ID, "Other", "kni", "", false)
	assert.ErrorIs(t, err, fault.ErrConflict, "tag match is case-insensitive")
}

func TestCreate_AlreadyInGuild(t *testing.T) {
	f := newFixture(t)
	_, owner := f.seedGuild(t, "alice")

	_, err := f.svc.Create(context.Background(), owner.ID, "Second", "SEC", "", false)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestJoin_PublicAndCapacity(t *testing.T) {
	f := newFixture(t)
	g, _ := f.seedGuild(t, "alice", "bob", "carol", "dave") // 4 members = MaxMembers

	late := f.seedPlayer(t, "eve", 0)
	err := f.svc.Join(context.Background(), late.ID, g.ID)
	assert.ErrorIs(t, err, fault.ErrCapacityExceeded)
}

func TestJoin_PrivateGuildRequiresInvite(t *testing.T) {
	f := newFixture(t)
	p := f.seedPlayer(t, "alice", 5000)
	g, err := f.svc.Create(context.Background(), p.ID, "Closed", "CLS", "", false)
	require.NoError(t, err)

	stranger := f.seedPlayer(t, "bob", 0)
	err = f.svc.Join(context.Background(), stranger.ID, g.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)

	// The invited path bypasses the public-join flag.
	require.NoError(t, f.svc.JoinInvited(context.Background(), stranger.ID, g.ID))
}

func TestLeave_OwnerBlocked(t *testing.T) {
	f := newFixture(t)
	_, owner := f.seedGuild(t, "alice", "bob")

	err := f.svc.Leave(context.Background(), owner.ID)
	assert.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestLeave_MemberClearsPlayerRow(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t, "alice", "bob")
	var bob model.Player
	require.NoError(t, f.db.Where("name = ?", "bob").First(&bob).Error)

	require.NoError(t, f.svc.Leave(context.Background(), bob.ID))

	_, ok := f.cache.Member(bob.ID)
	assert.False(t, ok)
	require.NoError(t, f.db.First(&bob, bob.ID).Error)
	assert.Nil(t, bob.GuildID)
}

func TestKick_RankRules(t *testing.T) {
	f := newFixture(t)
	_, owner := f.seedGuild(t, "alice", "bob", "carol")
	var bob, carol model.Player
	require.NoError(t, f.db.Where("name = ?", "bob").First(&bob).Error)
	require.NoError(t, f.db.Where("name = ?", "carol").First(&carol).Error)

	// Plain member cannot kick.
	err := f.svc.Kick(context.Background(), bob.ID, carol.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)

	// Promote bob to admin, then he can kick carol.
	require.NoError(t, f.svc.SetRole(context.Background(), owner.ID, bob.ID, model.RoleAdmin))
	require.NoError(t, f.svc.Kick(context.Background(), bob.ID, carol.ID))

	// Admin cannot kick the owner.
	err = f.svc.Kick(context.Background(), bob.ID, owner.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)
}

func TestSetRole_OnlyOwnerGrantsAdmin(t *testing.T) {
	f := newFixture(t)
	_, owner := f.seedGuild(t, "alice", "bob", "carol")
	var bob, carol model.Player
	require.NoError(t, f.db.Where("name = ?", "bob").First(&bob).Error)
	require.NoError(t, f.db.Where("name = ?", "carol").First(&carol).Error)

	require.NoError(t, f.svc.SetRole(context.Background(), owner.ID, bob.ID, model.RoleAdmin))

	// Admin can promote to elder but not to admin.
	require.NoError(t, f.svc.SetRole(context.Background(), bob.ID, carol.ID, model.RoleElder))
	err := f.svc.SetRole(context.Background(), bob.ID, carol.ID, model.RoleAdmin)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)
}

func TestTransfer_OldOwnerBecomesAdmin(t *testing.T) {
	f := newFixture(t)
	g, owner := f.seedGuild(t, "alice", "bob")
	var bob model.Player
	require.NoError(t, f.db.Where("name = ?", "bob").First(&bob).Error)

	require.NoError(t, f.svc.Transfer(context.Background(), owner.ID, bob.ID))

	newOwner, _ := f.cache.Member(bob.ID)
	oldOwner, _ := f.cache.Member(owner.ID)
	assert.Equal(t, model.RoleOwner, newOwner.Role)
	assert.Equal(t, model.RoleAdmin, oldOwner.Role)

	reloaded, _ := f.cache.GuildByID(g.ID)
	assert.Equal(t, bob.ID, reloaded.OwnerID)
}

func TestBank_DepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	g, owner := f.seedGuild(t, "alice")
	// Owner has 5000 - 1000 create cost = 4000.
	require.NoError(t, f.svc.Deposit(context.Background(), owner.ID, 3000))

	reloaded, _ := f.cache.GuildByID(g.ID)
	assert.Equal(t, int64(3000), reloaded.Gold)

	err := f.svc.Deposit(context.Background(), owner.ID, 5000)
	assert.ErrorIs(t, err, fault.ErrPersistence, "insufficient player gold aborts the transaction")

	require.NoError(t, f.svc.Withdraw(context.Background(), owner.ID, 1000))
	reloaded, _ = f.cache.GuildByID(g.ID)
	assert.Equal(t, int64(2000), reloaded.Gold)

	err = f.svc.Withdraw(context.Background(), owner.ID, 99999)
	assert.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestGrantExp_LevelCurveAndCarryover(t *testing.T) {
	f := newFixture(t)
	g, _ := f.seedGuild(t, "alice")

	// 1000 needed for level 1→2, 2000 for 2→3. 3500 exp lands at level 3 + 500.
	require.NoError(t, f.svc.GrantExp(context.Background(), g.ID, 3500))

	reloaded, _ := f.cache.GuildByID(g.ID)
	assert.Equal(t, 3, reloaded.Level)
	assert.Equal(t, int64(500), reloaded.Exp)
	assert.NotEmpty(t, f.sink.OfType("guild.level_up"))
}

func TestDisband_CascadesAndNotifies(t *testing.T) {
	f := newFixture(t)
	g, owner := f.seedGuild(t, "alice", "bob")
	var bob model.Player
	require.NoError(t, f.db.Where("name = ?", "bob").First(&bob).Error)

	// Leave an activity with a registration behind so the cascade has
	// something to clean up.
	act := model.GuildActivity{
		GuildID:   g.ID,
		Name:      "raid night",
		CreatorID: owner.ID,
		StartAt:   time.Now().Add(time.Hour),
		EndAt:     time.Now().Add(2 * time.Hour),
	}
	require.NoError(t, f.db.Create(&act).Error)
	require.NoError(t, f.db.Create(&model.ActivityParticipant{
		ActivityID: act.ID,
		PlayerID:   bob.ID,
		PlayerName: bob.Name,
	}).Error)

	// Only the owner can disband.
	err := f.svc.Disband(context.Background(), bob.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)

	require.NoError(t, f.svc.Disband(context.Background(), owner.ID))

	_, ok := f.cache.GuildByID(g.ID)
	assert.False(t, ok)
	_, ok = f.cache.Member(bob.ID)
	assert.False(t, ok)

	require.NoError(t, f.db.First(&bob, bob.ID).Error)
	assert.Nil(t, bob.GuildID)
	assert.NotEmpty(t, f.sink.OfType("guild.disbanded"))

	var activities, participants int64
	require.NoError(t, f.db.Model(&model.GuildActivity{}).Count(&activities).Error)
	require.NoError(t, f.db.Model(&model.ActivityParticipant{}).Count(&participants).Error)
	assert.Zero(t, activities)
	assert.Zero(t, participants, "registrations do not outlive their activities")
}

type warBlocked struct{}

func (warBlocked) HasActiveWar(int64) bool { return true }

func TestDisband_BlockedByActiveWar(t *testing.T) {
	f := newFixture(t)
	_, owner := f.seedGuild(t, "alice")
	f.svc.SetWarChecker(warBlocked{})

	err := f.svc.Disband(context.Background(), owner.ID)
	assert.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestCache_ReloadRebuildsIndexes(t *testing.T) {
	f := newFixture(t)
	g, owner := f.seedGuild(t, "alice", "bob")

	// A fresh cache over the same DB sees the same state.
	fresh := guild.NewCache(f.db, zap.NewNop())
	require.NoError(t, fresh.Reload())

	byName, ok := fresh.GuildByName("ALICE-GUILD")
	require.True(t, ok)
	assert.Equal(t, g.ID, byName.ID)
	assert.Equal(t, 2, fresh.MemberCount(g.ID))

	got, ok := fresh.GuildOf(owner.ID)
	require.True(t, ok)
	assert.Equal(t, g.ID, got.ID)
	assert.Len(t, fresh.MemberIDs(g.ID), 2)
}

func TestLeaderboard_TracksCreateExpAndDisband(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, owner := f.seedGuild(t, "alice")
	member := strconv.FormatInt(g.ID, 10)

	_, err := f.kv.ZScore(ctx, guild.RankKeyGuildExp, member)
	require.NoError(t, err, "creation seeds a leaderboard entry")

	require.NoError(t, f.svc.GrantExp(ctx, g.ID, 100))
	score, err := f.kv.ZScore(ctx, guild.RankKeyGuildExp, member)
	require.NoError(t, err)
	assert.Greater(t, score, float64(0))

	require.NoError(t, f.svc.Disband(ctx, owner.ID))
	ids, err := f.kv.ZRevRange(ctx, guild.RankKeyGuildExp, 0, 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, member)
}

package activity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/guildhall/server/activity"
	"github.com/kasuganosora/guildhall/server/config"
	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/kasuganosora/guildhall/server/scheduler"
	"github.com/kasuganosora/guildhall/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var actT0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testActivityConfig() config.GuildConfig {
	return config.GuildConfig{
		MaxMembers:        10,
		CreateCost:        0,
		ActivitySweep:     time.Minute,
		ReminderLadderMin: []int{60, 30, 15, 5, 1},
	}
}

type fixture struct {
	sched *activity.Scheduler
	svc   *guild.Service
	cache *guild.Cache
	db    *gorm.DB
	clock *scheduler.ManualClock
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
	clock := scheduler.NewManualClock(actT0)
	cfg := testActivityConfig()
	svc := guild.NewService(c, db, kv, sink, hooks, cfg, logger)
	sched := activity.NewScheduler(db, c, sink, hooks, clock, cfg, logger)
	sched.Start()
	return &fixture{sched: sched, svc: svc, cache: c, db: db, clock: clock, sink: sink}
}

func (f *fixture) seedGuild(t *testing.T, ownerName string, memberNames ...string) (model.Guild, model.Player, []model.Player) {
	t.Helper()
	p := model.Player{Name: ownerName, Level: 1, AccountID: 1}
	require.NoError(t, f.db.Create(&p).Error)
	g, err := f.svc.Create(context.Background(), p.ID, ownerName+"-guild", ownerName[:1]+"G", "", true)
	require.NoError(t, err)
	members := make([]model.Player, 0, len(memberNames))
	for _, name := range memberNames {
		m := model.Player{Name: name, Level: 1, AccountID: 1}
		require.NoError(t, f.db.Create(&m).Error)
		require.NoError(t, f.svc.Join(context.Background(), m.ID, g.ID))
		members = append(members, m)
	}
	return g, p, members
}

func TestCurrentStatus(t *testing.T) {
	start := actT0.Add(time.Hour)
	end := start.Add(time.Hour)
	cases := []struct {
		name      string
		persisted model.ActivityStatus
		now       time.Time
		want      model.ActivityStatus
	}{
		{"before start", model.ActivityPlanned, actT0, model.ActivityPlanned},
		{"at start", model.ActivityPlanned, start, model.ActivityOngoing},
		{"inside window", model.ActivityPlanned, start.Add(time.Minute), model.ActivityOngoing},
		{"at end", model.ActivityOngoing, end, model.ActivityCompleted},
		{"stale persisted status", model.ActivityPlanned, end.Add(time.Hour), model.ActivityCompleted},
		{"cancelled is sticky", model.ActivityCancelled, start.Add(time.Minute), model.ActivityCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, activity.CurrentStatus(tc.persisted, start, end, tc.now))
		})
	}
}

func TestCreate_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, members := f.seedGuild(t, "alice", "bob")

	_, err := f.sched.Create(ctx, members[0].ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(time.Hour),
		EndAt:   actT0.Add(2 * time.Hour),
	})
	assert.ErrorIs(t, err, fault.ErrPermissionDenied, "plain members cannot create")

	_, err = f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(-time.Hour),
		EndAt:   actT0.Add(time.Hour),
	})
	assert.ErrorIs(t, err, fault.ErrInvalidState, "start must be in the future")

	_, err = f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(2 * time.Hour),
		EndAt:   actT0.Add(time.Hour),
	})
	assert.ErrorIs(t, err, fault.ErrInvalidState, "end must follow start")

	_, err = f.sched.Create(ctx, owner.ID, model.GuildActivity{
		StartAt: actT0.Add(time.Hour),
		EndAt:   actT0.Add(2 * time.Hour),
	})
	assert.ErrorIs(t, err, fault.ErrInvalidState, "name is required")
}

func TestJoin_DuplicateCapacityAndForeignGuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, members := f.seedGuild(t, "alice", "bob", "carol")
	_, _, strangers := f.seedGuild(t, "dave", "eve")

	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:            "raid",
		StartAt:         actT0.Add(time.Hour),
		EndAt:           actT0.Add(2 * time.Hour),
		MaxParticipants: 2,
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.Join(ctx, owner.ID, a.ID))
	err = f.sched.Join(ctx, owner.ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrConflict, "duplicate registration")

	require.NoError(t, f.sched.Join(ctx, members[0].ID, a.ID))
	err = f.sched.Join(ctx, members[1].ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrCapacityExceeded)

	err = f.sched.Join(ctx, strangers[0].ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied, "other guild's members cannot join")
}

func TestJoin_ClosedOnceStarted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, members := f.seedGuild(t, "alice", "bob")

	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(time.Hour),
		EndAt:   actT0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	err = f.sched.Join(ctx, members[0].ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrInvalidState, "registration closes at start")
}

func TestLeaveAndConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, members := f.seedGuild(t, "alice", "bob")

	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(time.Hour),
		EndAt:   actT0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.Join(ctx, members[0].ID, a.ID))
	require.NoError(t, f.sched.Confirm(ctx, members[0].ID, a.ID))

	// A confirmed registration cannot be confirmed twice.
	err = f.sched.Confirm(ctx, members[0].ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	require.NoError(t, f.sched.Leave(ctx, members[0].ID, a.ID))
	err = f.sched.Leave(ctx, members[0].ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestCancel_PermissionAndStickiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, members := f.seedGuild(t, "alice", "bob", "carol")
	require.NoError(t, f.svc.SetRole(ctx, owner.ID, members[0].ID, model.RoleElder))

	a, err := f.sched.Create(ctx, members[0].ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(time.Hour),
		EndAt:   actT0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	err = f.sched.Cancel(ctx, members[1].ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrPermissionDenied, "bystander member cannot cancel")

	// The creator can cancel even without admin rank.
	require.NoError(t, f.sched.Cancel(ctx, members[0].ID, a.ID))
	assert.NotEmpty(t, f.sink.OfType("activity.cancelled"))

	err = f.sched.Cancel(ctx, owner.ID, a.ID)
	assert.ErrorIs(t, err, fault.ErrInvalidState, "cancelled is sticky")

	v, _, err := f.sched.Info(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCancelled, v.DerivedStatus)

	// Cancelled activities never start.
	f.clock.Advance(90 * time.Minute)
	v, _, err = f.sched.Info(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCancelled, v.DerivedStatus)
}

func TestForceCancel_OperatorOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, _ := f.seedGuild(t, "alice", "bob")

	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(time.Hour),
		EndAt:   actT0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	// No membership check: an operator cancels without belonging to any guild.
	require.NoError(t, f.sched.ForceCancel(ctx, a.ID))
	assert.NotEmpty(t, f.sink.OfType("activity.cancelled"))

	v, _, err := f.sched.Info(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCancelled, v.DerivedStatus)

	err = f.sched.ForceCancel(ctx, a.ID)
	assert.ErrorIs(t, err, fault.ErrInvalidState, "cancelled is sticky")

	err = f.sched.ForceCancel(ctx, 99999)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestJoin_CapacityHoldsUnderContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, members := f.seedGuild(t, "alice", "bob", "carol", "dave", "eve")

	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:            "raid",
		StartAt:         actT0.Add(time.Hour),
		EndAt:           actT0.Add(2 * time.Hour),
		MaxParticipants: 2,
	})
	require.NoError(t, err)

	// All members race for two slots; the count-then-insert must not
	// overshoot.
	var wg sync.WaitGroup
	for _, m := range append(members, owner) {
		wg.Add(1)
		go func(playerID int64) {
			defer wg.Done()
			_ = f.sched.Join(ctx, playerID, a.ID)
		}(m.ID)
	}
	wg.Wait()

	var count int64
	require.NoError(t, f.db.Model(&model.ActivityParticipant{}).
		Where("activity_id = ?", a.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestSweep_LifecycleAndReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, _ := f.seedGuild(t, "alice", "bob")

	// Starts 65 minutes out, so the 60-minute reminder comes due at T+5.
	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(65 * time.Minute),
		EndAt:   actT0.Add(95 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, f.sched.Join(ctx, owner.ID, a.ID))

	f.clock.Advance(5 * time.Minute)
	reminders := f.sink.OfType("activity.reminder")
	require.Len(t, reminders, 1)

	// Repeated sweeps do not re-fire a sent threshold.
	f.clock.Advance(10 * time.Minute)
	assert.Len(t, f.sink.OfType("activity.reminder"), 1, "sent thresholds do not re-fire")

	f.clock.Advance(50 * time.Minute) // T+65: start
	v, _, err := f.sched.Info(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityOngoing, v.Status, "persisted status advanced by the sweep")
	assert.NotEmpty(t, f.sink.OfType("activity.started"))

	f.clock.Advance(30 * time.Minute) // T+95: end
	v, _, err = f.sched.Info(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCompleted, v.Status)
	assert.NotEmpty(t, f.sink.OfType("activity.completed"))
}

func TestSweep_OnlyClosestThresholdAnnounced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, _ := f.seedGuild(t, "alice")

	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "raid",
		StartAt: actT0.Add(70 * time.Minute),
		EndAt:   actT0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	// Stop the ticker and run one manual sweep at T+66, when the 60, 30, 15,
	// and 5 minute thresholds have all come due at once.
	f.sched.Stop()
	f.clock.Advance(66 * time.Minute)
	f.sched.Sweep()

	reminders := f.sink.OfType("activity.reminder")
	require.Len(t, reminders, 1, "one announcement for the whole backlog")

	// The skipped thresholds were marked: a later sweep stays silent until
	// the 1-minute threshold comes due.
	f.sink.Reset()
	f.sched.Sweep()
	assert.Empty(t, f.sink.OfType("activity.reminder"))

	f.clock.Advance(3*time.Minute + 30*time.Second) // T+69.5, inside 1 minute
	f.sched.Sweep()
	assert.Len(t, f.sink.OfType("activity.reminder"), 1)

	var row model.GuildActivity
	require.NoError(t, f.db.First(&row, a.ID).Error)
	assert.JSONEq(t, "[60,30,15,5,1]", string(row.Reminded))
}

func TestSweep_ShortActivityStartsAndEndsInOneGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, owner, _ := f.seedGuild(t, "alice")

	a, err := f.sched.Create(ctx, owner.ID, model.GuildActivity{
		Name:    "flash",
		StartAt: actT0.Add(10 * time.Second),
		EndAt:   actT0.Add(20 * time.Second),
	})
	require.NoError(t, err)

	f.sched.Stop()
	f.clock.Advance(time.Minute)
	f.sched.Sweep()

	var row model.GuildActivity
	require.NoError(t, f.db.First(&row, a.ID).Error)
	assert.Equal(t, model.ActivityCompleted, row.Status)
	assert.NotEmpty(t, f.sink.OfType("activity.started"))
	assert.NotEmpty(t, f.sink.OfType("activity.completed"))
}

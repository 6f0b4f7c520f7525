// Package activity schedules guild activities: creation, registration, the
// reminder ladder, and status progression driven by the periodic sweep.
package activity

import (
	"context"
	"encoding/json"
	"sort"
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
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const sweepTask = "activity_sweep"

// CurrentStatus derives the effective status of an activity at a point in
// time. Cancelled is sticky; otherwise the status follows the time window
// regardless of what is persisted, so a missed sweep never shows a stale
// phase to readers.
func CurrentStatus(persisted model.ActivityStatus, startAt, endAt, now time.Time) model.ActivityStatus {
	if persisted == model.ActivityCancelled {
		return model.ActivityCancelled
	}
	switch {
	case now.Before(startAt):
		return model.ActivityPlanned
	case now.Before(endAt):
		return model.ActivityOngoing
	default:
		return model.ActivityCompleted
	}
}

// Scheduler manages guild activities. All timed behavior runs off the
// periodic sweep; there are no per-activity timers.
type Scheduler struct {
	db     *gorm.DB
	guilds *guild.Cache
	sink   notify.Sink
	hooks  *hook.HookCenter
	clock  scheduler.Clock
	cfg    config.GuildConfig
	logger *zap.Logger

	ladder []int               // reminder thresholds in minutes, descending
	joins  *keylock.KeyedMutex // serializes registrations per activity
}

// NewScheduler creates the activity Scheduler. Call Start to begin sweeping.
func NewScheduler(db *gorm.DB, guilds *guild.Cache, sink notify.Sink, hooks *hook.HookCenter, clock scheduler.Clock, cfg config.GuildConfig, logger *zap.Logger) *Scheduler {
	ladder := append([]int(nil), cfg.ReminderLadderMin...)
	sort.Sort(sort.Reverse(sort.IntSlice(ladder)))
	return &Scheduler{
		db:     db,
		guilds: guilds,
		sink:   sink,
		hooks:  hooks,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		ladder: ladder,
		joins:  keylock.New(),
	}
}

// Start registers the periodic sweep with the clock.
func (s *Scheduler) Start() {
	s.clock.AddTicker(sweepTask, s.cfg.ActivitySweep, s.Sweep)
}

// Stop cancels the sweep ticker.
func (s *Scheduler) Stop() {
	s.clock.Remove(sweepTask)
}

// Create schedules a new activity. Requires elder rank; the window must lie
// in the future and end after it starts.
func (s *Scheduler) Create(ctx context.Context, creatorID int64, a model.GuildActivity) (model.GuildActivity, error) {
	m, ok := s.guilds.Member(creatorID)
	if !ok {
		return model.GuildActivity{}, fault.NotFound("player %d has no guild", creatorID)
	}
	if !m.Role.AtLeast(model.RoleElder) {
		return model.GuildActivity{}, fault.PermissionDenied("creating activities requires elder rank")
	}
	if a.Name == "" {
		return model.GuildActivity{}, fault.InvalidState("activity name is required")
	}
	now := s.clock.Now()
	if !a.StartAt.After(now) {
		return model.GuildActivity{}, fault.InvalidState("activity must start in the future")
	}
	if !a.EndAt.After(a.StartAt) {
		return model.GuildActivity{}, fault.InvalidState("activity must end after it starts")
	}
	if a.MaxParticipants < 0 {
		return model.GuildActivity{}, fault.InvalidState("max participants cannot be negative")
	}

	a.GuildID = m.GuildID
	a.CreatorID = creatorID
	a.Status = model.ActivityPlanned
	a.Reminded = datatypes.JSON([]byte("[]"))
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return model.GuildActivity{}, fault.Persistence(err)
	}

	s.sink.BroadcastToGuild(m.GuildID, session.NewPacket("activity.created", &a))
	s.hooks.Trigger(ctx, hook.OnActivityCreate, &a)
	s.logger.Info("activity created",
		zap.Int64("activity_id", a.ID),
		zap.Int64("guild_id", m.GuildID),
		zap.Time("start_at", a.StartAt))
	return a, nil
}

func (s *Scheduler) load(ctx context.Context, activityID int64) (model.GuildActivity, error) {
	var a model.GuildActivity
	if err := s.db.WithContext(ctx).First(&a, activityID).Error; err != nil {
		return model.GuildActivity{}, fault.NotFound("activity %d", activityID)
	}
	return a, nil
}

// Join registers a guild member for a planned activity.
func (s *Scheduler) Join(ctx context.Context, playerID, activityID int64) error {
	a, err := s.load(ctx, activityID)
	if err != nil {
		return err
	}
	m, ok := s.guilds.Member(playerID)
	if !ok || m.GuildID != a.GuildID {
		return fault.PermissionDenied("activity %d belongs to another guild", activityID)
	}
	if CurrentStatus(a.Status, a.StartAt, a.EndAt, s.clock.Now()) != model.ActivityPlanned {
		return fault.InvalidState("registration closed for activity %d", activityID)
	}

	// Count-then-insert below must not interleave with another registration.
	unlock := s.joins.Lock(activityID)
	defer unlock()

	var existing int64
	if err := s.db.WithContext(ctx).Model(&model.ActivityParticipant{}).
		Where("activity_id = ? AND player_id = ?", activityID, playerID).
		Count(&existing).Error; err != nil {
		return fault.Persistence(err)
	}
	if existing > 0 {
		return fault.Conflict("already registered for activity %d", activityID)
	}
	if a.MaxParticipants > 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.ActivityParticipant{}).
			Where("activity_id = ?", activityID).
			Count(&count).Error; err != nil {
			return fault.Persistence(err)
		}
		if count >= int64(a.MaxParticipants) {
			return fault.CapacityExceeded("activity %d is full (%d participants)", activityID, a.MaxParticipants)
		}
	}

	p := &model.ActivityParticipant{
		ActivityID: activityID,
		PlayerID:   playerID,
		PlayerName: m.PlayerName,
		Status:     model.ParticipantRegistered,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fault.Persistence(err)
	}
	return nil
}

// Leave withdraws a registration before the activity starts.
func (s *Scheduler) Leave(ctx context.Context, playerID, activityID int64) error {
	a, err := s.load(ctx, activityID)
	if err != nil {
		return err
	}
	if CurrentStatus(a.Status, a.StartAt, a.EndAt, s.clock.Now()) != model.ActivityPlanned {
		return fault.InvalidState("activity %d has already started", activityID)
	}

	res := s.db.WithContext(ctx).
		Where("activity_id = ? AND player_id = ?", activityID, playerID).
		Delete(&model.ActivityParticipant{})
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.NotFound("not registered for activity %d", activityID)
	}
	return nil
}

// Confirm marks a registration as confirmed attendance.
func (s *Scheduler) Confirm(ctx context.Context, playerID, activityID int64) error {
	res := s.db.WithContext(ctx).Model(&model.ActivityParticipant{}).
		Where("activity_id = ? AND player_id = ? AND status = ?",
			activityID, playerID, model.ParticipantRegistered).
		Update("status", model.ParticipantConfirmed)
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.NotFound("no registration to confirm for activity %d", activityID)
	}
	return nil
}

// Cancel cancels a planned or ongoing activity. Allowed for the creator or
// guild admins.
func (s *Scheduler) Cancel(ctx context.Context, actorID, activityID int64) error {
	a, err := s.load(ctx, activityID)
	if err != nil {
		return err
	}
	m, ok := s.guilds.Member(actorID)
	if !ok || m.GuildID != a.GuildID {
		return fault.PermissionDenied("activity %d belongs to another guild", activityID)
	}
	if a.CreatorID != actorID && !m.Role.AtLeast(model.RoleAdmin) {
		return fault.PermissionDenied("only the creator or an admin can cancel")
	}
	return s.cancel(ctx, a)
}

// ForceCancel cancels an activity by operator override, skipping the
// membership and rank checks. Used by the admin API.
func (s *Scheduler) ForceCancel(ctx context.Context, activityID int64) error {
	a, err := s.load(ctx, activityID)
	if err != nil {
		return err
	}
	return s.cancel(ctx, a)
}

func (s *Scheduler) cancel(ctx context.Context, a model.GuildActivity) error {
	activityID := a.ID
	cur := CurrentStatus(a.Status, a.StartAt, a.EndAt, s.clock.Now())
	if cur != model.ActivityPlanned && cur != model.ActivityOngoing {
		return fault.InvalidState("activity %d is already %s", activityID, cur)
	}

	res := s.db.WithContext(ctx).Model(&model.GuildActivity{}).
		Where("id = ? AND status IN ?", activityID,
			[]model.ActivityStatus{model.ActivityPlanned, model.ActivityOngoing}).
		Update("status", model.ActivityCancelled)
	if res.Error != nil {
		return fault.Persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.InvalidState("activity %d is no longer cancellable", activityID)
	}

	s.sink.BroadcastToGuild(a.GuildID, session.NewPacket("activity.cancelled", map[string]interface{}{
		"activity_id": activityID,
		"name":        a.Name,
	}))
	s.hooks.Trigger(ctx, hook.OnActivityCancel, &a)
	return nil
}

// View is an activity with its derived status and participant count.
type View struct {
	model.GuildActivity
	DerivedStatus model.ActivityStatus `json:"derived_status"`
	Participants  int64                `json:"participants"`
}

// List returns a guild's activities with derived statuses, newest start first.
func (s *Scheduler) List(ctx context.Context, guildID int64) ([]View, error) {
	var rows []model.GuildActivity
	if err := s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("start_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fault.Persistence(err)
	}

	now := s.clock.Now()
	out := make([]View, 0, len(rows))
	for _, a := range rows {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.ActivityParticipant{}).
			Where("activity_id = ?", a.ID).Count(&count).Error; err != nil {
			return nil, fault.Persistence(err)
		}
		out = append(out, View{
			GuildActivity: a,
			DerivedStatus: CurrentStatus(a.Status, a.StartAt, a.EndAt, now),
			Participants:  count,
		})
	}
	return out, nil
}

// Info returns one activity with its participants.
func (s *Scheduler) Info(ctx context.Context, activityID int64) (View, []model.ActivityParticipant, error) {
	a, err := s.load(ctx, activityID)
	if err != nil {
		return View{}, nil, err
	}
	var participants []model.ActivityParticipant
	if err := s.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("registered_at ASC").
		Find(&participants).Error; err != nil {
		return View{}, nil, fault.Persistence(err)
	}
	v := View{
		GuildActivity: a,
		DerivedStatus: CurrentStatus(a.Status, a.StartAt, a.EndAt, s.clock.Now()),
		Participants:  int64(len(participants)),
	}
	return v, participants, nil
}

func remindedSet(raw datatypes.JSON) map[int]bool {
	var sent []int
	_ = json.Unmarshal(raw, &sent)
	set := make(map[int]bool, len(sent))
	for _, m := range sent {
		set[m] = true
	}
	return set
}

// Sweep advances activity statuses past their window edges and fires due
// reminder-ladder notifications. Reminder marks are persisted before the
// notification is sent, so a crash between the two drops a reminder rather
// than duplicating it.
func (s *Scheduler) Sweep() {
	now := s.clock.Now()
	var rows []model.GuildActivity
	if err := s.db.
		Where("status IN ?", []model.ActivityStatus{model.ActivityPlanned, model.ActivityOngoing}).
		Find(&rows).Error; err != nil {
		s.logger.Error("activity sweep query failed", zap.Error(err))
		return
	}

	for i := range rows {
		a := rows[i]
		switch a.Status {
		case model.ActivityPlanned:
			if !now.Before(a.StartAt) {
				s.begin(&a, now)
				continue
			}
			s.remind(&a, now)
		case model.ActivityOngoing:
			if !now.Before(a.EndAt) {
				s.finish(&a)
			}
		}
	}
}

// remind sends every ladder threshold that has come due and not yet fired.
// When several thresholds pass in one sweep gap, only the closest one is
// announced; the rest are marked silently.
func (s *Scheduler) remind(a *model.GuildActivity, now time.Time) {
	until := a.StartAt.Sub(now)
	sent := remindedSet(a.Reminded)

	var due []int
	for _, minutes := range s.ladder {
		if sent[minutes] {
			continue
		}
		if until <= time.Duration(minutes)*time.Minute {
			due = append(due, minutes)
		}
	}
	if len(due) == 0 {
		return
	}

	for _, m := range due {
		sent[m] = true
	}
	marks := make([]int, 0, len(sent))
	for m := range sent {
		marks = append(marks, m)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(marks)))
	raw, _ := json.Marshal(marks)

	if err := s.db.Model(&model.GuildActivity{}).
		Where("id = ?", a.ID).
		Update("reminded", datatypes.JSON(raw)).Error; err != nil {
		s.logger.Error("reminder mark write failed",
			zap.Int64("activity_id", a.ID), zap.Error(err))
		return
	}
	a.Reminded = datatypes.JSON(raw)

	// Ladder is descending, so the last due entry is the closest threshold.
	closest := due[len(due)-1]
	s.sink.BroadcastToGuild(a.GuildID, session.NewPacket("activity.reminder", map[string]interface{}{
		"activity_id": a.ID,
		"name":        a.Name,
		"start_at":    a.StartAt,
		"minutes":     closest,
	}))
}

func (s *Scheduler) begin(a *model.GuildActivity, now time.Time) {
	res := s.db.Model(&model.GuildActivity{}).
		Where("id = ? AND status = ?", a.ID, model.ActivityPlanned).
		Update("status", model.ActivityOngoing)
	if res.Error != nil {
		s.logger.Error("activity start failed", zap.Int64("activity_id", a.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	a.Status = model.ActivityOngoing

	s.sink.BroadcastToGuild(a.GuildID, session.NewPacket("activity.started", map[string]interface{}{
		"activity_id": a.ID,
		"name":        a.Name,
		"end_at":      a.EndAt,
	}))
	s.hooks.Trigger(context.Background(), hook.OnActivityStart, a)

	// Start and end may fall inside the same sweep gap for short activities.
	if !now.Before(a.EndAt) {
		s.finish(a)
	}
}

func (s *Scheduler) finish(a *model.GuildActivity) {
	res := s.db.Model(&model.GuildActivity{}).
		Where("id = ? AND status = ?", a.ID, model.ActivityOngoing).
		Update("status", model.ActivityCompleted)
	if res.Error != nil {
		s.logger.Error("activity completion failed", zap.Int64("activity_id", a.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	a.Status = model.ActivityCompleted

	s.sink.BroadcastToGuild(a.GuildID, session.NewPacket("activity.completed", map[string]interface{}{
		"activity_id": a.ID,
		"name":        a.Name,
	}))
	s.hooks.Trigger(context.Background(), hook.OnActivityEnd, a)
}

package model

import (
	"time"

	"gorm.io/datatypes"
)

// ActivityStatus is the persisted activity status. Cancelled is sticky; the
// other values are advanced by the activity sweep as wall-clock passes the
// start and end timestamps.
type ActivityStatus int

const (
	ActivityPlanned   ActivityStatus = 0
	ActivityOngoing   ActivityStatus = 1
	ActivityCompleted ActivityStatus = 2
	ActivityCancelled ActivityStatus = 3
)

// String returns the status name for logs and API responses.
func (s ActivityStatus) String() string {
	switch s {
	case ActivityPlanned:
		return "planned"
	case ActivityOngoing:
		return "ongoing"
	case ActivityCompleted:
		return "completed"
	case ActivityCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParticipantStatus tracks a participant's attendance lifecycle.
type ParticipantStatus int

const (
	ParticipantRegistered ParticipantStatus = 0
	ParticipantConfirmed  ParticipantStatus = 1
	ParticipantAttended   ParticipantStatus = 2
	ParticipantAbsent     ParticipantStatus = 3
)

// GuildActivity is a guild-scoped, time-windowed scheduled event.
// Reminded stores the reminder-ladder thresholds (in minutes) that have
// already been sent, so each threshold fires at most once across sweeps
// and restarts.
type GuildActivity struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID         int64          `gorm:"index:idx_activity_guild;not null" json:"guild_id"`
	Name            string         `gorm:"size:64;not null" json:"name"`
	Description     string         `gorm:"size:500" json:"description"`
	Type            string         `gorm:"size:32" json:"type"`
	CreatorID       int64          `gorm:"not null" json:"creator_id"`
	StartAt         time.Time      `gorm:"not null" json:"start_at"`
	EndAt           time.Time      `gorm:"not null" json:"end_at"`
	Location        string         `gorm:"size:64" json:"location"`
	MaxParticipants int            `gorm:"default:0" json:"max_participants"` // 0 = unlimited
	Status          ActivityStatus `gorm:"default:0" json:"status"`
	Reminded        datatypes.JSON `json:"reminded"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// ActivityParticipant is one player's registration for an activity.
// At most one row exists per (activity, player) pair.
type ActivityParticipant struct {
	ID           int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	ActivityID   int64             `gorm:"index:idx_participant_activity;not null" json:"activity_id"`
	PlayerID     int64             `gorm:"index:idx_participant_player;not null" json:"player_id"`
	PlayerName   string            `gorm:"size:32" json:"player_name"`
	Status       ParticipantStatus `gorm:"default:0" json:"status"`
	RegisteredAt time.Time         `gorm:"autoCreateTime" json:"registered_at"`
}

package model

import "time"

// WarStatus is the war state machine position.
// Transitions only move forward: Pending → Preparing → Ongoing → Finished.
type WarStatus int

const (
	WarPending   WarStatus = 0
	WarPreparing WarStatus = 1
	WarOngoing   WarStatus = 2
	WarFinished  WarStatus = 3
)

// String returns the status name for logs and API responses.
func (s WarStatus) String() string {
	switch s {
	case WarPending:
		return "pending"
	case WarPreparing:
		return "preparing"
	case WarOngoing:
		return "ongoing"
	case WarFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// GuildWar is a time-boxed adversarial relationship between two guilds.
// At most one non-Finished war references a guild as attacker or defender.
type GuildWar struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AttackerID int64      `gorm:"index:idx_war_attacker;not null" json:"attacker_id"`
	DefenderID int64      `gorm:"index:idx_war_defender;not null" json:"defender_id"`
	Status     WarStatus  `gorm:"default:0" json:"status"`
	StartedAt  time.Time  `gorm:"autoCreateTime" json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
	// WinnerID is nil for a draw or an unresolved war.
	WinnerID *int64 `json:"winner_id"`
}

// CeasefireRequest asks to end a specific ongoing war early with no winner.
type CeasefireRequest struct {
	ID          int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	WarID       int64         `gorm:"index:idx_ceasefire_war;not null" json:"war_id"`
	RequesterID int64         `gorm:"not null" json:"requester_id"`
	TargetID    int64         `gorm:"not null" json:"target_id"`
	Status      RequestStatus `gorm:"default:0" json:"status"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

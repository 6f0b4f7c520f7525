package model

import "time"

// Player represents a player's in-game identity.
type Player struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID int64     `gorm:"index:idx_player_account;not null" json:"account_id"`
	Name      string    `gorm:"uniqueIndex;size:32;not null" json:"name"`
	Level     int       `gorm:"default:1" json:"level"`
	Exp       int64     `gorm:"default:0" json:"exp"`
	Gold      int64     `gorm:"default:0" json:"gold"`
	GuildID   *int64    `json:"guild_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

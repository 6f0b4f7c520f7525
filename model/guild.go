package model

import "time"

// GuildRole is an ordered capability level within a guild.
// Higher values carry more authority.
type GuildRole int

const (
	RoleMember GuildRole = 1
	RoleElder  GuildRole = 2
	RoleAdmin  GuildRole = 3
	RoleOwner  GuildRole = 4
)

// AtLeast reports whether the role meets the given minimum level.
// All authorization checks in the engine go through this predicate.
func (r GuildRole) AtLeast(min GuildRole) bool {
	return r >= min
}

// String returns the role name for logs and API responses.
func (r GuildRole) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleElder:
		return "elder"
	case RoleMember:
		return "member"
	default:
		return "unknown"
	}
}

// Guild is a persistent player organization.
// Name and tag are globally unique, matched case-insensitively by the entity
// cache (the stored value keeps the creator's casing).
type Guild struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"uniqueIndex;size:32;not null" json:"name"`
	Tag          string    `gorm:"uniqueIndex;size:8;not null" json:"tag"`
	Description  string    `gorm:"size:200" json:"description"`
	Announcement string    `gorm:"type:text" json:"announcement"`
	OwnerID      int64     `gorm:"not null" json:"owner_id"`
	Level        int       `gorm:"default:1" json:"level"`
	Exp          int64     `gorm:"default:0" json:"exp"`
	Gold         int64     `gorm:"default:0" json:"gold"`
	PublicJoin   bool      `gorm:"default:false" json:"public_join"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GuildMember links a player to a guild with a role.
// A player holds at most one membership across all guilds.
type GuildMember struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID    int64     `gorm:"index:idx_guild_member;not null" json:"guild_id"`
	PlayerID   int64     `gorm:"uniqueIndex;not null" json:"player_id"`
	PlayerName string    `gorm:"size:32" json:"player_name"`
	Role       GuildRole `gorm:"default:1" json:"role"`
	JoinedAt   time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

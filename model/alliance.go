package model

import "time"

// RequestStatus is the lifecycle status shared by alliance and ceasefire requests.
type RequestStatus int

const (
	RequestPending  RequestStatus = 0
	RequestAccepted RequestStatus = 1
	RequestRejected RequestStatus = 2
	RequestExpired  RequestStatus = 3
)

// Alliance is a symmetric edge between two guilds.
// The pair is normalized so that GuildAID < GuildBID; at most one row exists
// per unordered pair.
type Alliance struct {
	ID       int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildAID int64     `gorm:"index:idx_alliance_pair;not null" json:"guild_a_id"`
	GuildBID int64     `gorm:"index:idx_alliance_pair;not null" json:"guild_b_id"`
	FormedAt time.Time `gorm:"autoCreateTime" json:"formed_at"`
}

// AllianceRequest is a directed request from one guild to another.
// At most one Pending row exists per ordered (requester, target) pair.
type AllianceRequest struct {
	ID          int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	RequesterID int64         `gorm:"index:idx_alliance_req;not null" json:"requester_id"`
	TargetID    int64         `gorm:"index:idx_alliance_req;not null" json:"target_id"`
	Status      RequestStatus `gorm:"default:0" json:"status"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

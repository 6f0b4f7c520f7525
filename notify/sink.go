// Package notify fans guild engine events out to online players.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kasuganosora/guildhall/server/cache"
	"github.com/kasuganosora/guildhall/server/session"
	"go.uber.org/zap"
)

// Sink delivers notification packets. SendToPlayer is a no-op if the player
// is offline or unknown; BroadcastToGuild iterates the guild's current
// members and delivers to the online ones.
type Sink interface {
	SendToPlayer(playerID int64, pkt *session.Packet)
	BroadcastToGuild(guildID int64, pkt *session.Packet, exclude ...int64)
}

// MemberSource resolves a guild's current member player IDs.
// Implemented by the guild entity cache.
type MemberSource interface {
	MemberIDs(guildID int64) []int64
}

// SessionSink delivers packets through the online session registry and
// mirrors every delivery onto pub/sub channels (player:<id>, guild:<id>)
// so the SSE stream sees the same events.
type SessionSink struct {
	sessions *session.Manager
	members  MemberSource
	pubsub   cache.PubSub
	logger   *zap.Logger
}

// NewSessionSink creates a SessionSink.
func NewSessionSink(sm *session.Manager, members MemberSource, ps cache.PubSub, logger *zap.Logger) *SessionSink {
	return &SessionSink{sessions: sm, members: members, pubsub: ps, logger: logger}
}

// SendToPlayer delivers pkt to one player if online, and publishes it on the
// player's pub/sub channel regardless.
func (s *SessionSink) SendToPlayer(playerID int64, pkt *session.Packet) {
	if sess := s.sessions.Get(playerID); sess != nil {
		sess.Send(pkt)
	}
	s.publish(fmt.Sprintf("player:%d", playerID), pkt)
}

// BroadcastToGuild delivers pkt to every online member of the guild except
// the excluded players, and publishes it on the guild's pub/sub channel.
func (s *SessionSink) BroadcastToGuild(guildID int64, pkt *session.Packet, exclude ...int64) {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, playerID := range s.members.MemberIDs(guildID) {
		if _, ok := skip[playerID]; ok {
			continue
		}
		if sess := s.sessions.Get(playerID); sess != nil {
			sess.Send(pkt)
		}
	}
	s.publish(fmt.Sprintf("guild:%d", guildID), pkt)
}

func (s *SessionSink) publish(channel string, pkt *session.Packet) {
	if s.pubsub == nil {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.pubsub.Publish(ctx, channel, string(data)); err != nil {
		s.logger.Warn("notify publish failed",
			zap.String("channel", channel), zap.Error(err))
	}
}

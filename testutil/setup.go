// Package testutil provides shared test fixtures: an in-memory database, a
// local cache, and a recording notification sink.
package testutil

import (
	"sync"
	"testing"

	"github.com/kasuganosora/guildhall/server/cache"
	"github.com/kasuganosora/guildhall/server/config"
	dbadapter "github.com/kasuganosora/guildhall/server/db"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/session"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates an in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: ":memory:",
	})
	require.NoError(t, err, "SetupTestDB: Open")

	// A shared in-memory SQLite DB only lives as long as one connection; pin
	// the pool to a single connection so concurrent goroutines see one DB.
	sqlDB, err := db.DB()
	require.NoError(t, err, "SetupTestDB: DB")
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// Notification is one delivery captured by RecorderSink.
type Notification struct {
	PlayerID int64 // 0 for guild broadcasts
	GuildID  int64 // 0 for direct sends
	Packet   *session.Packet
	Excluded []int64
}

// RecorderSink is a notify.Sink that records every delivery for assertions.
type RecorderSink struct {
	mu   sync.Mutex
	sent []Notification
}

// NewRecorderSink creates an empty RecorderSink.
func NewRecorderSink() *RecorderSink {
	return &RecorderSink{}
}

func (r *RecorderSink) SendToPlayer(playerID int64, pkt *session.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{PlayerID: playerID, Packet: pkt})
}

func (r *RecorderSink) BroadcastToGuild(guildID int64, pkt *session.Packet, exclude ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{GuildID: guildID, Packet: pkt, Excluded: exclude})
}

// All returns a snapshot of every recorded delivery.
func (r *RecorderSink) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// OfType returns recorded deliveries whose packet type matches.
func (r *RecorderSink) OfType(typ string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if n.Packet != nil && n.Packet.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears the recorded deliveries.
func (r *RecorderSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

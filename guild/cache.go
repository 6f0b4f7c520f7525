// Package guild owns the guild/member entity cache and the guild membership
// operations built on top of it.
package guild

import (
	"context"
	"strings"
	"sync"

	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Cache holds the authoritative in-memory copy of every Guild and GuildMember,
// with lookup indexes by id, lowercase name, lowercase tag, and player id.
//
// All reads of guild/member state go through this cache; all writes go through
// its write-through methods, which commit to the durable store first and
// mirror into the indexes only on success. A failed store write leaves the
// indexes untouched (fail closed).
//
// The mutex guards only the in-memory maps. Durable writes run outside it, so
// a slow store call never blocks readers; callers that need cross-entity
// atomicity serialize at the service layer.
type Cache struct {
	db     *gorm.DB
	logger *zap.Logger

	mu          sync.RWMutex
	guilds      map[int64]*model.Guild
	byName      map[string]int64
	byTag       map[string]int64
	members     map[int64]map[int64]*model.GuildMember // guildID → playerID → member
	memberGuild map[int64]int64                        // playerID → guildID
}

// NewCache creates an empty Cache. Call Reload to populate it.
func NewCache(db *gorm.DB, logger *zap.Logger) *Cache {
	return &Cache{
		db:          db,
		logger:      logger,
		guilds:      make(map[int64]*model.Guild),
		byName:      make(map[string]int64),
		byTag:       make(map[string]int64),
		members:     make(map[int64]map[int64]*model.GuildMember),
		memberGuild: make(map[int64]int64),
	}
}

// Reload rebuilds every index from the durable store. This is the only bulk
// O(n) load; it runs at startup and on operator request.
func (c *Cache) Reload() error {
	var guilds []model.Guild
	if err := c.db.Find(&guilds).Error; err != nil {
		return fault.Persistence(err)
	}
	var members []model.GuildMember
	if err := c.db.Find(&members).Error; err != nil {
		return fault.Persistence(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.guilds = make(map[int64]*model.Guild, len(guilds))
	c.byName = make(map[string]int64, len(guilds))
	c.byTag = make(map[string]int64, len(guilds))
	c.members = make(map[int64]map[int64]*model.GuildMember, len(guilds))
	c.memberGuild = make(map[int64]int64, len(members))
	for i := range guilds {
		g := guilds[i]
		c.indexGuildLocked(&g)
	}
	for i := range members {
		m := members[i]
		c.indexMemberLocked(&m)
	}
	c.logger.Info("guild cache loaded",
		zap.Int("guilds", len(guilds)),
		zap.Int("members", len(members)))
	return nil
}

func (c *Cache) indexGuildLocked(g *model.Guild) {
	c.guilds[g.ID] = g
	c.byName[strings.ToLower(g.Name)] = g.ID
	c.byTag[strings.ToLower(g.Tag)] = g.ID
	if _, ok := c.members[g.ID]; !ok {
		c.members[g.ID] = make(map[int64]*model.GuildMember)
	}
}

func (c *Cache) indexMemberLocked(m *model.GuildMember) {
	if _, ok := c.members[m.GuildID]; !ok {
		c.members[m.GuildID] = make(map[int64]*model.GuildMember)
	}
	c.members[m.GuildID][m.PlayerID] = m
	c.memberGuild[m.PlayerID] = m.GuildID
}

// ---- Lookups (copies, miss returns ok=false) ----

// GuildByID returns the guild with the given id.
func (c *Cache) GuildByID(id int64) (model.Guild, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.guilds[id]
	if !ok {
		return model.Guild{}, false
	}
	return *g, true
}

// GuildByName returns the guild with the given name (case-insensitive).
func (c *Cache) GuildByName(name string) (model.Guild, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return model.Guild{}, false
	}
	return *c.guilds[id], true
}

// GuildByTag returns the guild with the given tag (case-insensitive).
func (c *Cache) GuildByTag(tag string) (model.Guild, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byTag[strings.ToLower(tag)]
	if !ok {
		return model.Guild{}, false
	}
	return *c.guilds[id], true
}

// GuildOf returns the guild a player belongs to.
func (c *Cache) GuildOf(playerID int64) (model.Guild, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	guildID, ok := c.memberGuild[playerID]
	if !ok {
		return model.Guild{}, false
	}
	g, ok := c.guilds[guildID]
	if !ok {
		return model.Guild{}, false
	}
	return *g, true
}

// Member returns a player's membership record.
func (c *Cache) Member(playerID int64) (model.GuildMember, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	guildID, ok := c.memberGuild[playerID]
	if !ok {
		return model.GuildMember{}, false
	}
	m, ok := c.members[guildID][playerID]
	if !ok {
		return model.GuildMember{}, false
	}
	return *m, true
}

// Members returns a snapshot of a guild's member records.
func (c *Cache) Members(guildID int64) []model.GuildMember {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.GuildMember, 0, len(c.members[guildID]))
	for _, m := range c.members[guildID] {
		out = append(out, *m)
	}
	return out
}

// MemberIDs returns the player ids of a guild's members.
// Implements notify.MemberSource.
func (c *Cache) MemberIDs(guildID int64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int64, 0, len(c.members[guildID]))
	for id := range c.members[guildID] {
		out = append(out, id)
	}
	return out
}

// MemberCount returns the number of members in a guild.
func (c *Cache) MemberCount(guildID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members[guildID])
}

// AllGuilds returns a snapshot of every guild.
func (c *Cache) AllGuilds() []model.Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		out = append(out, *g)
	}
	return out
}

// NameTaken reports whether a guild name is in use (case-insensitive).
func (c *Cache) NameTaken(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byName[strings.ToLower(name)]
	return ok
}

// TagTaken reports whether a guild tag is in use (case-insensitive).
func (c *Cache) TagTaken(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byTag[strings.ToLower(tag)]
	return ok
}

// ---- Write-through mutations ----

// CreateGuild persists a new guild together with its owner membership (and
// any extra writes the caller needs in the same transaction), then mirrors
// both into the indexes.
func (c *Cache) CreateGuild(ctx context.Context, g *model.Guild, owner *model.GuildMember, extra func(tx *gorm.DB) error) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		owner.GuildID = g.ID
		if err := tx.Create(owner).Error; err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return fault.Persistence(err)
	}

	c.mu.Lock()
	gCopy := *g
	mCopy := *owner
	c.indexGuildLocked(&gCopy)
	c.indexMemberLocked(&mCopy)
	c.mu.Unlock()
	return nil
}

// UpdateGuild applies a mutation to a copy of the cached guild, persists the
// result (with any extra writes in the same transaction), and refreshes the
// index entries on success.
func (c *Cache) UpdateGuild(ctx context.Context, guildID int64, apply func(g *model.Guild), extra func(tx *gorm.DB) error) error {
	c.mu.RLock()
	cur, ok := c.guilds[guildID]
	if !ok {
		c.mu.RUnlock()
		return fault.NotFound("guild %d", guildID)
	}
	g := *cur
	c.mu.RUnlock()

	apply(&g)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&g).Error; err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return fault.Persistence(err)
	}

	c.mu.Lock()
	if old, ok := c.guilds[g.ID]; ok {
		delete(c.byName, strings.ToLower(old.Name))
		delete(c.byTag, strings.ToLower(old.Tag))
	}
	gCopy := g
	c.indexGuildLocked(&gCopy)
	c.mu.Unlock()
	return nil
}

// DeleteGuild removes a guild and all of its member rows (plus any extra
// writes in the same transaction), then drops every index entry.
func (c *Cache) DeleteGuild(ctx context.Context, guildID int64, extra func(tx *gorm.DB) error) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ?", guildID).Delete(&model.GuildMember{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.Guild{}, guildID).Error; err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return fault.Persistence(err)
	}

	c.mu.Lock()
	if g, ok := c.guilds[guildID]; ok {
		delete(c.byName, strings.ToLower(g.Name))
		delete(c.byTag, strings.ToLower(g.Tag))
		delete(c.guilds, guildID)
	}
	for playerID := range c.members[guildID] {
		delete(c.memberGuild, playerID)
	}
	delete(c.members, guildID)
	c.mu.Unlock()
	return nil
}

// AddMember persists a new membership row and mirrors it.
func (c *Cache) AddMember(ctx context.Context, m *model.GuildMember, extra func(tx *gorm.DB) error) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return fault.Persistence(err)
	}

	c.mu.Lock()
	mCopy := *m
	c.indexMemberLocked(&mCopy)
	c.mu.Unlock()
	return nil
}

// RemoveMember deletes a membership row and drops it from the indexes.
func (c *Cache) RemoveMember(ctx context.Context, playerID int64, extra func(tx *gorm.DB) error) error {
	c.mu.RLock()
	guildID, ok := c.memberGuild[playerID]
	c.mu.RUnlock()
	if !ok {
		return fault.NotFound("player %d has no membership", playerID)
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("player_id = ?", playerID).Delete(&model.GuildMember{}).Error; err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return fault.Persistence(err)
	}

	c.mu.Lock()
	delete(c.members[guildID], playerID)
	delete(c.memberGuild, playerID)
	c.mu.Unlock()
	return nil
}

// mirrorRole updates a member's cached role without touching the store.
// Used when the role rows were already written inside a caller's transaction.
func (c *Cache) mirrorRole(playerID int64, role model.GuildRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if guildID, ok := c.memberGuild[playerID]; ok {
		if m, ok := c.members[guildID][playerID]; ok {
			m.Role = role
		}
	}
}

// SetMemberRole persists a role change and mirrors it.
func (c *Cache) SetMemberRole(ctx context.Context, playerID int64, role model.GuildRole) error {
	c.mu.RLock()
	guildID, ok := c.memberGuild[playerID]
	c.mu.RUnlock()
	if !ok {
		return fault.NotFound("player %d has no membership", playerID)
	}

	if err := c.db.WithContext(ctx).Model(&model.GuildMember{}).
		Where("player_id = ?", playerID).
		Update("role", role).Error; err != nil {
		return fault.Persistence(err)
	}

	c.mu.Lock()
	if m, ok := c.members[guildID][playerID]; ok {
		m.Role = role
	}
	c.mu.Unlock()
	return nil
}

package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/cache"
	"github.com/kasuganosora/guildhall/server/guild"
)

// RankingHandler serves the guild experience leaderboard.
type RankingHandler struct {
	kv     cache.Cache
	guilds *guild.Cache
}

// NewRankingHandler creates a new RankingHandler.
func NewRankingHandler(kv cache.Cache, guilds *guild.Cache) *RankingHandler {
	return &RankingHandler{kv: kv, guilds: guilds}
}

type rankEntry struct {
	Rank    int    `json:"rank"`
	GuildID int64  `json:"guild_id"`
	Name    string `json:"name"`
	Tag     string `json:"tag"`
	Level   int    `json:"level"`
	Exp     int64  `json:"exp"`
	Members int    `json:"members"`
}

// Guilds handles GET /api/rankings/guilds?limit=N.
// Reads order from the sorted set; entry details come from the entity cache.
func (h *RankingHandler) Guilds(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	ids, err := h.kv.ZRevRange(c.Request.Context(), guild.RankKeyGuildExp, 0, int64(limit-1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ranking unavailable"})
		return
	}

	entries := make([]rankEntry, 0, len(ids))
	for i, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		g, ok := h.guilds.GuildByID(id)
		if !ok {
			// Stale leaderboard entry for a disbanded guild.
			continue
		}
		entries = append(entries, rankEntry{
			Rank:    i + 1,
			GuildID: g.ID,
			Name:    g.Name,
			Tag:     g.Tag,
			Level:   g.Level,
			Exp:     g.Exp,
			Members: h.guilds.MemberCount(g.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"rankings": entries})
}

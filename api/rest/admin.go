package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/activity"
	"github.com/kasuganosora/guildhall/server/alliance"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/scheduler"
	"github.com/kasuganosora/guildhall/server/session"
	"github.com/kasuganosora/guildhall/server/war"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles operator-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db         *gorm.DB
	sm         *session.Manager
	guilds     *guild.Cache
	alliances  *alliance.Registry
	wars       *war.Manager
	activities *activity.Scheduler
	sched      *scheduler.Scheduler
	logger     *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	db *gorm.DB,
	sm *session.Manager,
	guilds *guild.Cache,
	alliances *alliance.Registry,
	wars *war.Manager,
	activities *activity.Scheduler,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		db:         db,
		sm:         sm,
		guilds:     guilds,
		alliances:  alliances,
		wars:       wars,
		activities: activities,
		sched:      sched,
		logger:     logger,
	}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_players":  h.sm.Count(),
		"guilds":          len(h.guilds.AllGuilds()),
		"active_wars":     len(h.wars.ActiveWars()),
		"scheduler_tasks": h.sched.ListTickers(),
	})
}

// ReloadGuilds rebuilds the guild entity cache from the durable store.
// POST /api/admin/guilds/reload
func (h *AdminHandler) ReloadGuilds(c *gin.Context) {
	if err := h.guilds.Reload(); err != nil {
		respondErr(c, err)
		return
	}
	h.logger.Info("admin reloaded guild cache")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ForceAlliance forms an alliance between two guilds without the request
// workflow.
// POST /api/admin/alliances
func (h *AdminHandler) ForceAlliance(c *gin.Context) {
	var req struct {
		GuildAID int64 `json:"guild_a_id" binding:"required"`
		GuildBID int64 `json:"guild_b_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.alliances.CreateDirect(c.Request.Context(), req.GuildAID, req.GuildBID); err != nil {
		respondErr(c, err)
		return
	}
	h.logger.Info("admin forced alliance",
		zap.Int64("guild_a", req.GuildAID), zap.Int64("guild_b", req.GuildBID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ForceEndWar finishes a war immediately with an optional winner.
// POST /api/admin/wars/:id/end
func (h *AdminHandler) ForceEndWar(c *gin.Context) {
	warID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid war id"})
		return
	}
	var req struct {
		WinnerID *int64 `json:"winner_id"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.wars.End(c.Request.Context(), warID, req.WinnerID, "operator"); err != nil {
		respondErr(c, err)
		return
	}
	h.logger.Info("admin ended war", zap.Int64("war_id", warID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CancelActivity cancels a guild activity by operator override.
// POST /api/admin/activities/:id/cancel
func (h *AdminHandler) CancelActivity(c *gin.Context) {
	activityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity id"})
		return
	}
	if err := h.activities.ForceCancel(c.Request.Context(), activityID); err != nil {
		respondErr(c, err)
		return
	}
	h.logger.Info("admin cancelled activity", zap.Int64("activity_id", activityID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListWars returns every non-finished war.
// GET /api/admin/wars
func (h *AdminHandler) ListWars(c *gin.Context) {
	wars := h.wars.ActiveWars()
	c.JSON(http.StatusOK, gin.H{"wars": wars, "count": len(wars)})
}

// KickPlayer forcibly disconnects a player's notification session.
// POST /api/admin/kick/:id
func (h *AdminHandler) KickPlayer(c *gin.Context) {
	playerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	s := h.sm.Get(playerID)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not online"})
		return
	}
	s.Close()
	h.logger.Info("admin kicked player", zap.Int64("player_id", playerID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BanAccount bans or unbans a player account.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.Model(&model.Account{}).Where("id = ?", accountID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	// Kick the player if currently online.
	if req.Ban {
		for _, s := range h.sm.All() {
			if s.AccountID == accountID {
				s.Close()
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

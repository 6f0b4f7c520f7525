package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/activity"
	"github.com/kasuganosora/guildhall/server/guild"
	mw "github.com/kasuganosora/guildhall/server/middleware"
	"github.com/kasuganosora/guildhall/server/model"
	"gorm.io/gorm"
)

// ActivityHandler handles guild activity REST endpoints.
type ActivityHandler struct {
	sched  *activity.Scheduler
	guilds *guild.Cache
	db     *gorm.DB
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(sched *activity.Scheduler, guilds *guild.Cache, db *gorm.DB) *ActivityHandler {
	return &ActivityHandler{sched: sched, guilds: guilds, db: db}
}

func (h *ActivityHandler) player(c *gin.Context) (int64, bool) {
	p, err := playerForAccount(h.db, mw.GetAccountID(c))
	if err != nil {
		respondErr(c, err)
		return 0, false
	}
	return p.ID, true
}

type createActivityRequest struct {
	Name            string    `json:"name"        binding:"required,min=1,max=64"`
	Description     string    `json:"description" binding:"max=500"`
	Type            string    `json:"type"        binding:"max=32"`
	StartAt         time.Time `json:"start_at"    binding:"required"`
	EndAt           time.Time `json:"end_at"      binding:"required"`
	Location        string    `json:"location"    binding:"max=64"`
	MaxParticipants int       `json:"max_participants"`
}

// Create handles POST /api/activities.
func (h *ActivityHandler) Create(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req createActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.sched.Create(c.Request.Context(), playerID, model.GuildActivity{
		Name:            req.Name,
		Description:     req.Description,
		Type:            req.Type,
		StartAt:         req.StartAt,
		EndAt:           req.EndAt,
		Location:        req.Location,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// List handles GET /api/activities — the caller's guild's activities.
func (h *ActivityHandler) List(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	m, found := h.guilds.Member(playerID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not in a guild"})
		return
	}
	views, err := h.sched.List(c.Request.Context(), m.GuildID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": views, "count": len(views)})
}

// Info handles GET /api/activities/:id.
func (h *ActivityHandler) Info(c *gin.Context) {
	activityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity id"})
		return
	}
	view, participants, err := h.sched.Info(c.Request.Context(), activityID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": view, "participants": participants})
}

// Join handles POST /api/activities/:id/join.
func (h *ActivityHandler) Join(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	activityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity id"})
		return
	}
	if err := h.sched.Join(c.Request.Context(), playerID, activityID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "registered"})
}

// Leave handles POST /api/activities/:id/leave.
func (h *ActivityHandler) Leave(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	activityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity id"})
		return
	}
	if err := h.sched.Leave(c.Request.Context(), playerID, activityID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "registration withdrawn"})
}

// Confirm handles POST /api/activities/:id/confirm.
func (h *ActivityHandler) Confirm(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	activityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity id"})
		return
	}
	if err := h.sched.Confirm(c.Request.Context(), playerID, activityID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "attendance confirmed"})
}

// Cancel handles POST /api/activities/:id/cancel.
func (h *ActivityHandler) Cancel(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	activityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activity id"})
		return
	}
	if err := h.sched.Cancel(c.Request.Context(), playerID, activityID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "activity cancelled"})
}

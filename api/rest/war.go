package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/audit"
	"github.com/kasuganosora/guildhall/server/guild"
	mw "github.com/kasuganosora/guildhall/server/middleware"
	"github.com/kasuganosora/guildhall/server/war"
	"gorm.io/gorm"
)

// WarHandler handles war REST endpoints.
type WarHandler struct {
	mgr    *war.Manager
	guilds *guild.Cache
	db     *gorm.DB
	audit  *audit.Service
}

// NewWarHandler creates a new WarHandler.
func NewWarHandler(mgr *war.Manager, guilds *guild.Cache, db *gorm.DB, auditor *audit.Service) *WarHandler {
	return &WarHandler{mgr: mgr, guilds: guilds, db: db, audit: auditor}
}

func (h *WarHandler) player(c *gin.Context) (int64, bool) {
	p, err := playerForAccount(h.db, mw.GetAccountID(c))
	if err != nil {
		respondErr(c, err)
		return 0, false
	}
	return p.ID, true
}

type declareWarRequest struct {
	GuildID int64 `json:"guild_id" binding:"required"`
}

// Declare handles POST /api/wars.
func (h *WarHandler) Declare(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req declareWarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started := time.Now()
	w, err := h.mgr.Declare(c.Request.Context(), playerID, req.GuildID)
	accountID := mw.GetAccountID(c)
	entry := audit.AuditEntry{
		TraceID:    mw.GetTraceID(c),
		PlayerID:   &playerID,
		AccountID:  &accountID,
		Action:     "war.declare",
		Request:    req,
		Response:   w,
		IP:         c.ClientIP(),
		DurationMs: int(time.Since(started).Milliseconds()),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.audit.Log(entry)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// Current handles GET /api/war — the caller's guild's active war.
func (h *WarHandler) Current(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	m, found := h.guilds.Member(playerID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not in a guild"})
		return
	}
	w, found := h.mgr.ActiveWar(m.GuildID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active war"})
		return
	}
	c.JSON(http.StatusOK, w)
}

// Accept handles POST /api/wars/:id/accept.
func (h *WarHandler) Accept(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	warID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid war id"})
		return
	}
	if err := h.mgr.Accept(c.Request.Context(), playerID, warID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "war accepted"})
}

// Reject handles POST /api/wars/:id/reject.
func (h *WarHandler) Reject(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	warID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid war id"})
		return
	}
	if err := h.mgr.Reject(c.Request.Context(), playerID, warID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "declaration rejected"})
}

// RequestCeasefire handles POST /api/war/ceasefire.
func (h *WarHandler) RequestCeasefire(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	req, err := h.mgr.RequestCeasefire(c.Request.Context(), playerID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

// AcceptCeasefire handles POST /api/war/ceasefire/:id/accept.
func (h *WarHandler) AcceptCeasefire(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	if err := h.mgr.AcceptCeasefire(c.Request.Context(), playerID, requestID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ceasefire accepted, war ended"})
}

// RejectCeasefire handles POST /api/war/ceasefire/:id/reject.
func (h *WarHandler) RejectCeasefire(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	if err := h.mgr.RejectCeasefire(c.Request.Context(), playerID, requestID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ceasefire rejected"})
}

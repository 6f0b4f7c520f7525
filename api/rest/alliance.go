package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/alliance"
	mw "github.com/kasuganosora/guildhall/server/middleware"
	"gorm.io/gorm"
)

// AllianceHandler handles alliance REST endpoints.
type AllianceHandler struct {
	reg *alliance.Registry
	db  *gorm.DB
}

// NewAllianceHandler creates a new AllianceHandler.
func NewAllianceHandler(reg *alliance.Registry, db *gorm.DB) *AllianceHandler {
	return &AllianceHandler{reg: reg, db: db}
}

func (h *AllianceHandler) player(c *gin.Context) (int64, bool) {
	p, err := playerForAccount(h.db, mw.GetAccountID(c))
	if err != nil {
		respondErr(c, err)
		return 0, false
	}
	return p.ID, true
}

type allianceRequestBody struct {
	GuildID int64 `json:"guild_id" binding:"required"`
}

// Send handles POST /api/alliances/requests.
func (h *AllianceHandler) Send(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req allianceRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.reg.SendRequest(c.Request.Context(), playerID, req.GuildID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// Requests handles GET /api/alliances/requests — pending requests involving
// the caller's guild.
func (h *AllianceHandler) Requests(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	g, found := h.reg.GuildOf(playerID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not in a guild"})
		return
	}
	sent, received, err := h.reg.Requests(c.Request.Context(), g)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent, "received": received})
}

// Accept handles POST /api/alliances/requests/:id/accept.
func (h *AllianceHandler) Accept(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	if err := h.reg.Accept(c.Request.Context(), playerID, requestID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "alliance formed"})
}

// Reject handles POST /api/alliances/requests/:id/reject.
func (h *AllianceHandler) Reject(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	if err := h.reg.Reject(c.Request.Context(), playerID, requestID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "request rejected"})
}

// List handles GET /api/alliances — the caller's guild's alliance partners.
func (h *AllianceHandler) List(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	g, found := h.reg.GuildOf(playerID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not in a guild"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"partners": h.reg.Partners(g)})
}

// Break handles DELETE /api/alliances/:guildId.
func (h *AllianceHandler) Break(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	partnerID, err := strconv.ParseInt(c.Param("guildId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild id"})
		return
	}
	if err := h.reg.Break(c.Request.Context(), playerID, partnerID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "alliance broken"})
}

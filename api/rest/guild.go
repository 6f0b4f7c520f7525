package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/audit"
	"github.com/kasuganosora/guildhall/server/guild"
	mw "github.com/kasuganosora/guildhall/server/middleware"
	"github.com/kasuganosora/guildhall/server/model"
	"gorm.io/gorm"
)

// GuildHandler handles guild lifecycle and membership REST endpoints.
type GuildHandler struct {
	svc     *guild.Service
	invites *guild.InviteTracker
	db      *gorm.DB
	audit   *audit.Service
}

// NewGuildHandler creates a new GuildHandler.
func NewGuildHandler(svc *guild.Service, invites *guild.InviteTracker, db *gorm.DB, auditor *audit.Service) *GuildHandler {
	return &GuildHandler{svc: svc, invites: invites, db: db, audit: auditor}
}

func (h *GuildHandler) player(c *gin.Context) (int64, bool) {
	p, err := playerForAccount(h.db, mw.GetAccountID(c))
	if err != nil {
		respondErr(c, err)
		return 0, false
	}
	return p.ID, true
}

func (h *GuildHandler) log(c *gin.Context, playerID int64, action string, req, resp interface{}, opErr error, started time.Time) {
	accountID := mw.GetAccountID(c)
	entry := audit.AuditEntry{
		TraceID:    mw.GetTraceID(c),
		PlayerID:   &playerID,
		AccountID:  &accountID,
		Action:     action,
		Request:    req,
		Response:   resp,
		IP:         c.ClientIP(),
		DurationMs: int(time.Since(started).Milliseconds()),
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	h.audit.Log(entry)
}

type createGuildRequest struct {
	Name        string `json:"name"        binding:"required,min=1,max=32"`
	Tag         string `json:"tag"         binding:"required,min=1,max=8"`
	Description string `json:"description" binding:"max=200"`
	PublicJoin  bool   `json:"public_join"`
}

// Create handles POST /api/guilds.
func (h *GuildHandler) Create(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req createGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started := time.Now()
	g, err := h.svc.Create(c.Request.Context(), playerID, req.Name, req.Tag, req.Description, req.PublicJoin)
	h.log(c, playerID, "guild.create", req, g, err, started)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// List handles GET /api/guilds.
func (h *GuildHandler) List(c *gin.Context) {
	guilds := h.svc.Cache().AllGuilds()
	c.JSON(http.StatusOK, gin.H{"guilds": guilds, "count": len(guilds)})
}

// Info handles GET /api/guilds/:id.
func (h *GuildHandler) Info(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild id"})
		return
	}
	g, ok := h.svc.Cache().GuildByID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "guild not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"guild":   g,
		"members": h.svc.Cache().Members(id),
	})
}

// My handles GET /api/guild — the caller's own guild.
func (h *GuildHandler) My(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	g, ok := h.svc.Cache().GuildOf(playerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not in a guild"})
		return
	}
	m, _ := h.svc.Cache().Member(playerID)
	c.JSON(http.StatusOK, gin.H{
		"guild":   g,
		"role":    m.Role.String(),
		"members": h.svc.Cache().Members(g.ID),
	})
}

// Disband handles DELETE /api/guild.
func (h *GuildHandler) Disband(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	started := time.Now()
	err := h.svc.Disband(c.Request.Context(), playerID)
	h.log(c, playerID, "guild.disband", nil, nil, err, started)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "guild disbanded"})
}

// Join handles POST /api/guilds/:id/join.
func (h *GuildHandler) Join(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	guildID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guild id"})
		return
	}
	if err := h.svc.Join(c.Request.Context(), playerID, guildID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "joined"})
}

// Leave handles POST /api/guild/leave.
func (h *GuildHandler) Leave(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	if err := h.svc.Leave(c.Request.Context(), playerID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left guild"})
}

type targetRequest struct {
	PlayerID int64 `json:"player_id" binding:"required"`
}

// Kick handles POST /api/guild/kick.
func (h *GuildHandler) Kick(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	started := time.Now()
	err := h.svc.Kick(c.Request.Context(), playerID, req.PlayerID)
	h.log(c, playerID, "guild.kick", req, nil, err, started)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "member kicked"})
}

type setRoleRequest struct {
	PlayerID int64 `json:"player_id" binding:"required"`
	Role     int   `json:"role"      binding:"required,min=1,max=3"`
}

// SetRole handles POST /api/guild/role.
func (h *GuildHandler) SetRole(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.SetRole(c.Request.Context(), playerID, req.PlayerID, model.GuildRole(req.Role)); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "role updated"})
}

// Transfer handles POST /api/guild/transfer.
func (h *GuildHandler) Transfer(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	started := time.Now()
	err := h.svc.Transfer(c.Request.Context(), playerID, req.PlayerID)
	h.log(c, playerID, "guild.transfer", req, nil, err, started)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ownership transferred"})
}

type settingsRequest struct {
	Description  *string `json:"description"`
	Announcement *string `json:"announcement"`
	PublicJoin   *bool   `json:"public_join"`
}

// UpdateSettings handles PATCH /api/guild/settings.
func (h *GuildHandler) UpdateSettings(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.svc.UpdateSettings(c.Request.Context(), playerID, guild.Settings{
		Description:  req.Description,
		Announcement: req.Announcement,
		PublicJoin:   req.PublicJoin,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "settings updated"})
}

type goldRequest struct {
	Amount int64 `json:"amount" binding:"required,min=1"`
}

// Deposit handles POST /api/guild/bank/deposit.
func (h *GuildHandler) Deposit(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req goldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	started := time.Now()
	err := h.svc.Deposit(c.Request.Context(), playerID, req.Amount)
	h.log(c, playerID, "guild.bank.deposit", req, nil, err, started)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deposited"})
}

// Withdraw handles POST /api/guild/bank/withdraw.
func (h *GuildHandler) Withdraw(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req goldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	started := time.Now()
	err := h.svc.Withdraw(c.Request.Context(), playerID, req.Amount)
	h.log(c, playerID, "guild.bank.withdraw", req, nil, err, started)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "withdrawn"})
}

// Invite handles POST /api/guild/invite.
func (h *GuildHandler) Invite(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inv, err := h.invites.Send(c.Request.Context(), playerID, req.PlayerID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// PendingInvite handles GET /api/guild/invite.
func (h *GuildHandler) PendingInvite(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	inv, ok := h.invites.Pending(playerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending invite"})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// AcceptInvite handles POST /api/guild/invite/accept.
func (h *GuildHandler) AcceptInvite(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	guildID, err := h.invites.Accept(c.Request.Context(), playerID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "invite accepted", "guild_id": guildID})
}

// RejectInvite handles POST /api/guild/invite/reject.
func (h *GuildHandler) RejectInvite(c *gin.Context) {
	playerID, ok := h.player(c)
	if !ok {
		return
	}
	if err := h.invites.Reject(playerID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "invite rejected"})
}

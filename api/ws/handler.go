// Package ws serves the WebSocket notification socket. The socket is
// push-only: the server delivers guild event packets, the client sends
// nothing but pings.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/guildhall/server/cache"
	"github.com/kasuganosora/guildhall/server/config"
	mw "github.com/kasuganosora/guildhall/server/middleware"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	db       *gorm.DB
	cache    cache.Cache
	sec      config.SecurityConfig
	sm       *session.Manager
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(db *gorm.DB, c cache.Cache, sec config.SecurityConfig, sm *session.Manager, logger *zap.Logger) *Handler {
	h := &Handler{
		db:     db,
		cache:  c,
		sec:    sec,
		sm:     sm,
		logger: logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.cache.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	var player model.Player
	if err := h.db.Where("account_id = ?", claims.AccountID).First(&player).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no player"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	sess := session.New(claims.AccountID, player.ID, player.Name, conn, h.logger)
	h.sm.Register(sess)
	go h.readLoop(sess)
}

// readLoop drains client frames to keep the connection's read side alive.
// Pongs extend the read deadline; any payload is ignored.
func (h *Handler) readLoop(sess *session.Session) {
	defer func() {
		h.sm.Unregister(sess.PlayerID)
		sess.Close()
	}()

	sess.SetReadDeadline()
	sess.Conn.SetPongHandler(func(string) error {
		sess.SetReadDeadline()
		return nil
	})

	for {
		if _, _, err := sess.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("ws read error",
					zap.Int64("player_id", sess.PlayerID), zap.Error(err))
			}
			return
		}
		sess.SetReadDeadline()
	}
}

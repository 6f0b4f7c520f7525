// Package rest exposes the guild engine over HTTP.
package rest

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/fault"
	"github.com/kasuganosora/guildhall/server/model"
	"gorm.io/gorm"
)

// respondErr maps a service error to its HTTP status and a JSON error body.
func respondErr(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
}

// playerForAccount resolves the player owned by an account. Every account has
// exactly one player, created at first login.
func playerForAccount(db *gorm.DB, accountID int64) (model.Player, error) {
	var p model.Player
	err := db.Where("account_id = ?", accountID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Player{}, fault.NotFound("no player for account %d", accountID)
	}
	if err != nil {
		return model.Player{}, fault.Persistence(err)
	}
	return p, nil
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}

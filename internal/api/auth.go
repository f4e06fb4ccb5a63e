package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// UserHeader carries the id of the caller, set by the authenticating gateway.
const UserHeader = "X-User-ID"

const userKey = "user_id"

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.GetHeader(UserHeader), 10, 64)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + UserHeader})
			return
		}
		c.Set(userKey, uint(id))
		c.Next()
	}
}

func currentUser(c *gin.Context) uint {
	return c.GetUint(userKey)
}

// idParam parses a positive numeric path parameter.
func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

type page struct {
	Skip  int `form:"skip"`
	Limit int `form:"limit"`
}

const (
	defaultLimit = 100
	maxLimit     = 500
)

// pagination binds skip/limit query parameters.
func pagination(c *gin.Context) (page, bool) {
	p := page{Limit: defaultLimit}
	if err := c.ShouldBindQuery(&p); err != nil || p.Skip < 0 || p.Limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pagination"})
		return p, false
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p, true
}

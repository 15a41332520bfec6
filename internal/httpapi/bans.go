package httpapi

import (
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type banRequest struct {
	Address  string `json:"address" binding:"required,ip"`
	Duration string `json:"duration" binding:"required"`
	Reason   string `json:"reason"`
}

func (a *API) getBan(c *gin.Context) {
	address := c.Param("address")
	entry, err := a.bans.Lookup(c.Request.Context(), address)
	if err != nil {
		log.Printf("[api] ban lookup %s: %v", address, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ban"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not banned"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":           entry.Address,
		"reason":            entry.Reason,
		"remaining_seconds": int(entry.Remaining.Seconds()),
	})
}

func (a *API) createBan(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address (ip) and duration are required"})
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil || duration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must be a positive Go duration, e.g. 15m"})
		return
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}

	address := net.ParseIP(req.Address).String()
	if err := a.bans.Ban(c.Request.Context(), address, duration, req.Reason); err != nil {
		log.Printf("[api] ban %s: %v", address, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ban"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"address": address, "reason": req.Reason, "duration": duration.String()})
}

func (a *API) deleteBan(c *gin.Context) {
	address := c.Param("address")
	removed, err := a.bans.Unban(c.Request.Context(), address)
	if err != nil {
		log.Printf("[api] unban %s: %v", address, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unban"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not banned"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ban lifted"})
}

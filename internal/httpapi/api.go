// Package httpapi serves the REST query and administration endpoints that sit
// next to the WebSocket relay.
package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/marketchat/relay/internal/ban"
	"github.com/marketchat/relay/internal/chat"
	"github.com/marketchat/relay/internal/presence"
	"github.com/marketchat/relay/internal/relay"
)

// API holds the handler dependencies.
type API struct {
	relay    *relay.Relay
	store    chat.Store
	registry *presence.Registry
	admin    AdminCredentials
	bans     *ban.Store
}

// New creates an API. Admin routes stay closed unless admin is configured.
func New(r *relay.Relay, store chat.Store, registry *presence.Registry, admin AdminCredentials) *API {
	return &API{relay: r, store: store, registry: registry, admin: admin}
}

// WithBans enables the admin block list routes.
func (a *API) WithBans(bans *ban.Store) *API {
	a.bans = bans
	return a
}

// Router builds the gin engine with every route under /api.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/chats", a.history)
	api.GET("/counterparts/:partyId", a.counterparts)
	api.GET("/presence/:identity", a.presence)
	api.POST("/admin-login", a.adminLogin)

	admin := api.Group("", a.requireAdmin)
	admin.GET("/chats/all-details", a.allChats)
	admin.DELETE("/chats/:id", a.deleteChat)
	if a.bans != nil {
		admin.GET("/bans/:address", a.getBan)
		admin.POST("/bans", a.createBan)
		admin.DELETE("/bans/:address", a.deleteBan)
	}

	return router
}

func (a *API) history(c *gin.Context) {
	sender, receiver := c.Query("senderId"), c.Query("receiverId")
	if strings.TrimSpace(sender) == "" || strings.TrimSpace(receiver) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "senderId and receiverId are required"})
		return
	}

	msgs, err := a.relay.History(c.Request.Context(), sender, receiver)
	if err != nil {
		log.Printf("[api] history %s/%s: %v", sender, receiver, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch chats"})
		return
	}
	c.JSON(http.StatusOK, nonNil(msgs))
}

func (a *API) allChats(c *gin.Context) {
	msgs, err := a.store.List(c.Request.Context())
	if err != nil {
		log.Printf("[api] list chats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch chats"})
		return
	}
	c.JSON(http.StatusOK, nonNil(msgs))
}

func (a *API) deleteChat(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	err := a.store.Delete(c.Request.Context(), id)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case err != nil:
		log.Printf("[api] delete chat %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete chat"})
	default:
		log.Printf("[api] deleted chat %s", id)
		c.JSON(http.StatusOK, gin.H{"message": "chat message deleted"})
	}
}

func (a *API) counterparts(c *gin.Context) {
	party := c.Param("partyId")
	parties, err := a.store.Counterparts(c.Request.Context(), party)
	if err != nil {
		log.Printf("[api] counterparts %s: %v", party, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch counterparts"})
		return
	}
	if parties == nil {
		parties = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"party_id": party, "counterparts": parties})
}

func (a *API) presence(c *gin.Context) {
	identity := c.Param("identity")
	_, online := a.registry.Lookup(identity)
	c.JSON(http.StatusOK, gin.H{"identity": identity, "online": online})
}

func nonNil(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return []chat.Message{}
	}
	return msgs
}

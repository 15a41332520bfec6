// Package gateway binds client protocol events to the session lifecycle and
// the message relay.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/marketchat/relay/internal/protocol"
	"github.com/marketchat/relay/internal/relay"
	"github.com/marketchat/relay/internal/session"
	"github.com/marketchat/relay/internal/ws"
)

// Gateway handles register_user and send_message frames.
type Gateway struct {
	sessions *session.Manager
	relay    *relay.Relay
	timeout  time.Duration
}

// New creates a Gateway.
func New(sessions *session.Manager, r *relay.Relay) *Gateway {
	return &Gateway{sessions: sessions, relay: r, timeout: 5 * time.Second}
}

// Register installs the gateway's handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeRegisterUser, g.handleRegister)
	d.Register(protocol.TypeSendMessage, g.handleSend)
}

func (g *Gateway) handleRegister(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.RegisterUserMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	err := g.sessions.Announce(ctx, conn.ID, m.Identity)
	switch {
	case errors.Is(err, session.ErrEmptyIdentity):
		ws.SendError(conn, protocol.CodeInvalidIdentity, "identity is required")
		return
	case errors.Is(err, session.ErrUnknownSession):
		ws.SendError(conn, protocol.CodeUnknownSession, "session is closed")
		return
	case err != nil:
		log.Printf("[gateway] register session=%s: %v", conn.ID, err)
		ws.SendError(conn, protocol.CodeUnknownSession, "registration failed")
		return
	}

	identity, _ := g.sessions.Identity(conn.ID)
	log.Printf("[gateway] session=%s registered identity=%s", conn.ID, identity)
	ws.Reply(conn, protocol.TypeRegistered, protocol.RegisteredMsg{Identity: identity})
}

func (g *Gateway) handleSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	if g.sessions.State(conn.ID) == session.StateDisconnected {
		ws.SendError(conn, protocol.CodeUnknownSession, "session is closed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	saved, err := g.relay.Send(ctx, m.SenderID, m.ReceiverID, m.Body)
	var storeErr *relay.StoreError
	switch {
	case errors.Is(err, relay.ErrInvalidMessage):
		ws.SendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	case errors.As(err, &storeErr):
		ws.SendError(conn, protocol.CodeStoreUnavailable, "message could not be saved")
		return
	case err != nil:
		log.Printf("[gateway] send session=%s: %v", conn.ID, err)
		ws.SendError(conn, protocol.CodeStoreUnavailable, "message could not be saved")
		return
	}

	ws.Reply(conn, protocol.TypeMessageSaved, protocol.MessageSavedMsg{Message: WireMessage(saved)})
}

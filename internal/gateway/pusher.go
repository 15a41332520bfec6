package gateway

import (
	"fmt"

	"github.com/marketchat/relay/internal/chat"
	"github.com/marketchat/relay/internal/protocol"
	"github.com/marketchat/relay/internal/ws"
)

// Pusher delivers receive_message frames over the WebSocket server.
type Pusher struct {
	server *ws.Server
}

// NewPusher creates a Pusher writing through server.
func NewPusher(server *ws.Server) *Pusher {
	return &Pusher{server: server}
}

// Push writes msg to the connection of sessionID.
func (p *Pusher) Push(sessionID string, msg *chat.Message) error {
	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Message: WireMessage(msg),
	})
	if err != nil {
		return fmt.Errorf("gateway: build receive_message: %w", err)
	}
	return p.server.SendMessage(sessionID, data)
}

// WireMessage converts a stored message to its protocol form.
func WireMessage(m *chat.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}

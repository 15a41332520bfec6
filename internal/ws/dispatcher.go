package ws

import (
	"errors"
	"log"
	"time"

	"github.com/marketchat/relay/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to handlers by type. Ping is
// answered internally; malformed and unsupported messages get an error reply
// on the same connection only.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback for Server.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: no handler for type=%q session=%s", msgType, conn.ID)
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Reply encodes payload as a server message of msgType and writes it to conn.
// Failures are logged, not returned.
func Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s session=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s session=%s: %v", msgType, conn.ID, err)
	}
}

// SendError sends a structured error message to conn.
func SendError(conn *Connection, code, message string) {
	Reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func sendPong(conn *Connection) {
	conn.LastPing = time.Now()
	Reply(conn, protocol.TypePong, protocol.PongMsg{})
}

package ws

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/protocol"
)

// MessageHandler handles a parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage (protocol.SendMessageMsg,
// protocol.ConversationMsg, ...). A returned error is reported to the client
// as an error frame.
type MessageHandler func(ctx context.Context, c Client, msg interface{}) error

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Ping is answered internally unless a handler is
// registered for it.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it to the registered handler. Parse errors,
// unregistered types and handler errors result in an error frame.
func (d *MessageDispatcher) Dispatch(ctx context.Context, c Client, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("conn", c.ID()).Msg("parse error")
		d.send(c, protocol.ErrorFrame("parse_error", "invalid message format"))
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		if msgType == protocol.TypePing {
			d.sendPong(c)
			return
		}
		d.logger.Debug().Str("type", msgType).Str("conn", c.ID()).Msg("unsupported message type")
		d.send(c, protocol.ErrorFrame("unsupported_type", "unsupported message type"))
		return
	}

	if err := handler(ctx, c, msg); err != nil {
		code := apperr.Code(err)
		if code == "internal_error" {
			d.logger.Error().Err(err).Str("type", msgType).Str("conn", c.ID()).Msg("handler failed")
		} else {
			d.logger.Debug().Err(err).Str("type", msgType).Str("conn", c.ID()).Msg("request rejected")
		}
		d.send(c, protocol.ErrorFrame(code, apperr.Message(err)))
	}
}

func (d *MessageDispatcher) sendPong(c Client) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.logger.Error().Err(err).Msg("build pong")
		return
	}
	d.send(c, data)
}

func (d *MessageDispatcher) send(c Client, data []byte) {
	if err := c.WriteMessage(data); err != nil {
		d.logger.Debug().Err(err).Str("conn", c.ID()).Msg("write failed")
	}
}

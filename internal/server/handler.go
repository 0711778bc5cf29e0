package server

import (
	"example.com/wsloop/internal/logger"
	"example.com/wsloop/internal/netpoll"
)

// FrameHandler takes over a connection once its handshake response has been
// flushed. All methods run on the event loop goroutine and must not block.
type FrameHandler interface {
	// Open is called when the connection reaches Connected. buffered holds any
	// bytes that arrived after the request head terminator; it may be empty
	// and is owned by the handler from now on.
	Open(token netpoll.Token, buffered []byte)
	// Data delivers bytes read after the handshake. p is only valid for the
	// duration of the call.
	Data(token netpoll.Token, p []byte)
	// Closed is called once when a connected socket is dropped.
	Closed(token netpoll.Token)
}

// DiscardHandler is the default FrameHandler: it logs connection lifetime at
// debug level and drops all frame bytes.
type DiscardHandler struct {
	log *logger.Logger
}

// NewDiscardHandler returns a DiscardHandler that logs to lg.
func NewDiscardHandler(lg *logger.Logger) *DiscardHandler {
	if lg == nil {
		lg = logger.Nop()
	}
	return &DiscardHandler{log: lg}
}

func (h *DiscardHandler) Open(token netpoll.Token, buffered []byte) {
	h.log.Debug("websocket connection open", logger.LogFields{"token": uint64(token), "buffered_bytes": len(buffered)})
}

func (h *DiscardHandler) Data(token netpoll.Token, p []byte) {
	h.log.Debug("discarding frame bytes", logger.LogFields{"token": uint64(token), "bytes": len(p)})
}

func (h *DiscardHandler) Closed(token netpoll.Token) {
	h.log.Debug("websocket connection closed", logger.LogFields{"token": uint64(token)})
}

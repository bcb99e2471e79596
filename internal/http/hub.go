package http

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"e2ee-relay/internal/service"
)

const peerWriteTimeout = 10 * time.Second

// framePeer recibe frames ya codificados por encodeFrame.
type framePeer interface {
	writeFrame(frame []byte) error
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

func (p *wsPeer) writeFrame(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	// Message.Send con string manda un text frame sin volver a codificar.
	return websocket.Message.Send(p.conn, string(frame))
}

type hubEntry struct {
	userID string
	peer   framePeer
}

// Hub es el registro local de conexiones vivas. Implementa service.Emitter.
type Hub struct {
	logger *zap.Logger
	mu     sync.RWMutex
	peers  map[string]hubEntry
}

var _ service.Emitter = (*Hub)(nil)

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		peers:  make(map[string]hubEntry),
	}
}

func (h *Hub) register(connID, userID string, peer framePeer) {
	h.mu.Lock()
	h.peers[connID] = hubEntry{userID: userID, peer: peer}
	h.mu.Unlock()
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	delete(h.peers, connID)
	h.mu.Unlock()
}

// Len devuelve la cantidad de conexiones registradas.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) Emit(connID, event string, payload any) error {
	h.mu.RLock()
	entry, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return service.ErrConnectionNotFound
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return entry.peer.writeFrame(frame)
}

// Broadcast es fire-and-forget: los errores de escritura solo se registran.
// Ninguna conexión de exceptUserID recibe el evento, tampoco una reemplazada.
func (h *Hub) Broadcast(exceptUserID, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make(map[string]framePeer, len(h.peers))
	for connID, entry := range h.peers {
		if entry.userID != exceptUserID {
			targets[connID] = entry.peer
		}
	}
	h.mu.RUnlock()

	for connID, peer := range targets {
		if err := peer.writeFrame(frame); err != nil {
			h.logger.Debug("broadcast write failed",
				zap.String("event", event),
				zap.String("conn_id", connID),
				zap.Error(err),
			)
		}
	}
}

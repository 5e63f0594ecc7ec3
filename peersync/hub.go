package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kjk/datastore/doc"
	"github.com/kjk/datastore/ident"
	"github.com/kjk/datastore/log"
	"github.com/tidwall/pretty"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendQueueSize = 64
	relayPublishTimeout  = 5 * time.Second
)

// ErrPeerGone is returned when sending to a peer that was disconnected
// or dropped because its send queue was full
var ErrPeerGone = errors.New("peer is gone")

// Peer is a connected remote client
type Peer interface {
	ID() string
	Send(p *Packet) error
}

// Sender is what an authoritative store uses to push its content
type Sender interface {
	// Broadcast sends to all connected peers. Fire and forget
	Broadcast(p *Packet)
	SendTo(peer Peer, p *Packet) error
}

type HubConfig struct {
	// OnConnect is called in a new goroutine when a peer connects,
	// usually to send it the current content of all stores
	OnConnect func(p Peer)
	// Snapshot returns raw documents of a store for /snapshot/{dir}
	Snapshot func(dir string) (map[ident.ID]doc.Document, bool)
	// Relay, if set, shares broadcasts with other hubs
	Relay *RedisRelay
	// SendQueueSize is number of packets queued per peer. A peer whose
	// queue is full is dropped
	SendQueueSize int
}

// Hub tracks connected peers and broadcasts packets to them
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader

	register   chan *hubPeer
	unregister chan *hubPeer
	broadcast  chan []byte
	done       chan struct{}

	running atomic.Bool

	// only accessed from Run()
	peers  map[*hubPeer]bool
	nPeers atomic.Int32
}

var _ Sender = &Hub{}

func NewHub(config *HubConfig) *Hub {
	h := &Hub{
		register:   make(chan *hubPeer),
		unregister: make(chan *hubPeer),
		broadcast:  make(chan []byte, 16),
		done:       make(chan struct{}),
		peers:      map[*hubPeer]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if config != nil {
		h.config = *config
	}
	if h.config.SendQueueSize <= 0 {
		h.config.SendQueueSize = defaultSendQueueSize
	}
	return h
}

// Run processes peer registrations and broadcasts until ctx is cancelled.
// Must be running for the hub to accept peers. Can only be called once
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	if h.config.Relay != nil {
		go h.config.Relay.Subscribe(ctx, h.broadcastLocal)
	}
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for p := range h.peers {
				p.close()
			}
			h.peers = nil
			h.nPeers.Store(0)
			return
		case p := <-h.register:
			h.peers[p] = true
			h.nPeers.Store(int32(len(h.peers)))
			log.Logf("peer %s connected from %s, peers: %d\n", p.id, p.remote, len(h.peers))
		case p := <-h.unregister:
			if h.peers[p] {
				delete(h.peers, p)
				p.close()
				h.nPeers.Store(int32(len(h.peers)))
				log.Logf("peer %s disconnected, peers: %d\n", p.id, len(h.peers))
			}
		case d := <-h.broadcast:
			for p := range h.peers {
				if err := p.sendBytes(d); err != nil {
					delete(h.peers, p)
					p.close()
					log.Logf("peer %s dropped: %s\n", p.id, err)
				}
			}
			h.nPeers.Store(int32(len(h.peers)))
		}
	}
}

func (h *Hub) PeerCount() int {
	return int(h.nPeers.Load())
}

func (h *Hub) broadcastLocal(d []byte) {
	select {
	case h.broadcast <- d:
		return
	default:
	}
	if !h.running.Load() {
		// no peers until Run, they get current content on connect
		log.Verbosef("peersync: hub not running, dropped broadcast\n")
		return
	}
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

func (h *Hub) Broadcast(p *Packet) {
	d, err := EncodePacket(p)
	if log.IfErrf(err, "peersync: encoding packet for '%s' failed with '%s'", p.Directory, err) {
		return
	}
	if relay := h.config.Relay; relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		defer cancel()
		if err = relay.Publish(ctx, d); err == nil {
			// relay delivers it back to us through Subscribe
			return
		}
		log.Errorf("peersync: relay publish failed with '%s', broadcasting locally\n", err)
	}
	h.broadcastLocal(d)
}

func (h *Hub) SendTo(peer Peer, p *Packet) error {
	return peer.Send(p)
}

// Handler returns http handler serving /sync and /snapshot/{dir}
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/sync", h.ServeSync)
	r.Handle("/snapshot/{dir:.+}", log.LoggingHandler(http.HandlerFunc(h.serveSnapshot))).Methods(http.MethodGet)
	return r
}

// ServeSync upgrades the connection to websocket and registers the peer
func (h *Hub) ServeSync(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error
		log.Logf("peersync: upgrade failed: %s\n", err)
		return
	}
	p := &hubPeer{
		id:     uuid.NewString(),
		remote: log.BestRemoteAddress(r),
		conn:   conn,
		send:   make(chan []byte, h.config.SendQueueSize),
	}
	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}
	go p.writePump()
	go p.readPump(h)
	if h.config.OnConnect != nil {
		go h.config.OnConnect(p)
	}
}

// MarshalSnapshot encodes raw documents as indented JSON object
// keyed by "namespace:path"
func MarshalSnapshot(raw map[ident.ID]doc.Document) ([]byte, error) {
	m := make(map[string]doc.Document, len(raw))
	for id, d := range raw {
		m[id.String()] = d
	}
	d, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return pretty.Pretty(d), nil
}

func (h *Hub) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	dir := mux.Vars(r)["dir"]
	var raw map[ident.ID]doc.Document
	ok := false
	if h.config.Snapshot != nil {
		raw, ok = h.config.Snapshot(dir)
	}
	if !ok {
		http.Error(w, "unknown directory "+dir, http.StatusNotFound)
		return
	}
	d, err := MarshalSnapshot(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(d)
}

type hubPeer struct {
	id     string
	remote string
	conn   *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (p *hubPeer) ID() string {
	return p.id
}

func (p *hubPeer) Send(pkt *Packet) error {
	d, err := EncodePacket(pkt)
	if err != nil {
		return err
	}
	return p.sendBytes(d)
}

// sendBytes never blocks
func (p *hubPeer) sendBytes(d []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerGone
	}
	select {
	case p.send <- d:
		return nil
	default:
		return ErrPeerGone
	}
}

func (p *hubPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// peers don't send us anything but we must read to process
// pongs and notice when the connection is closed
func (p *hubPeer) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- p:
		case <-h.done:
		}
		p.conn.Close()
	}()
	p.conn.SetReadLimit(4096)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *hubPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case d, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, d); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

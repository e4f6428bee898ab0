package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/shynome/negortc/signaler"
)

// queueSize bounds how many envelopes wait for a party that is not connected.
const queueSize = 64

// Server routes envelopes between the sockets of one key. Envelopes for a
// party that is not connected are queued and flushed when it connects.
type Server struct {
	upgrader websocket.Upgrader
	log      logging.LeveledLogger

	mu     sync.Mutex
	peers  map[string]*peer
	queue  map[string][]signaler.Envelope
	closed bool
}

var _ http.Handler = (*Server)(nil)

type peer struct {
	conn   *websocket.Conn
	writeL sync.Mutex
}

func (p *peer) send(env signaler.Envelope) error {
	p.writeL.Lock()
	defer p.writeL.Unlock()
	return p.write(env)
}

// write must be called with writeL held.
func (p *peer) write(env signaler.Envelope) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteJSON(env)
}

func NewServer(lf logging.LoggerFactory) *Server {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:   lf.NewLogger("ws"),
		peers: make(map[string]*peer),
		queue: make(map[string][]signaler.Envelope),
	}
}

func topic(key, id string) string { return key + "/" + id }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, id := q.Get("key"), q.Get("id")
	if key == "" || id == "" {
		http.Error(w, "key and id are required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("upgrade %s: %v", topic(key, id), err)
		return
	}
	p := &peer{conn: conn}
	if !s.register(key, id, p) {
		conn.Close()
		return
	}
	defer s.unregister(key, id, p)

	for {
		var env signaler.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.log.Debugf("%s left: %v", topic(key, id), err)
			return
		}
		env.ID, env.From = "", id
		if env.To == "" || !env.Valid() {
			s.log.Debugf("drop envelope from %s: %v", topic(key, id), signaler.ErrMalformedEnvelope)
			continue
		}
		s.route(key, env)
	}
}

func (s *Server) register(key, id string, p *peer) bool {
	t := topic(key, id)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if old, ok := s.peers[t]; ok {
		s.log.Infof("%s reconnected, closing the previous socket", t)
		old.conn.Close()
	}
	s.peers[t] = p
	queued := s.queue[t]
	delete(s.queue, t)
	// queued envelopes go out before anything routed after registration
	p.writeL.Lock()
	s.mu.Unlock()
	defer p.writeL.Unlock()

	for _, env := range queued {
		if err := p.write(env); err != nil {
			s.log.Warnf("flush queue of %s: %v", t, err)
			return true
		}
	}
	return true
}

func (s *Server) unregister(key, id string, p *peer) {
	t := topic(key, id)
	s.mu.Lock()
	if s.peers[t] == p {
		delete(s.peers, t)
	}
	s.mu.Unlock()
	p.conn.Close()
}

func (s *Server) route(key string, env signaler.Envelope) {
	t := topic(key, env.To)
	s.mu.Lock()
	p, ok := s.peers[t]
	if !ok {
		queued := append(s.queue[t], env)
		if len(queued) > queueSize {
			s.log.Warnf("queue of %s is full, dropping the oldest envelope", t)
			queued = queued[1:]
		}
		s.queue[t] = queued
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := p.send(env); err != nil {
		s.log.Warnf("deliver to %s: %v", t, err)
		p.conn.Close()
	}
}

// Queued reports how many envelopes wait for id to connect.
func (s *Server) Queued(key, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue[topic(key, id)])
}

// Close disconnects every party. Queued envelopes are dropped.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t, p := range s.peers {
		p.conn.Close()
		delete(s.peers, t)
	}
	s.queue = make(map[string][]signaler.Envelope)
	return nil
}

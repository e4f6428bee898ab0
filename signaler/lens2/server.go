package lens2

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"

	impl "github.com/shynome/negortc/signaler"
)

// DefaultLifetime is how long an unacknowledged envelope is kept.
const DefaultLifetime = 24 * time.Hour

const maxEnvelopeSize = 1 << 20

// Server is the relay side of Mailbox.
//
//	GET    ?t=topic  event stream of the topic, pending envelopes first
//	POST   ?t=topic  publish the JSON envelope in the body
//	DELETE ?t=topic  acknowledge the event named by the X-Event-Id header
type Server struct {
	// User and Password enable basic auth when User is set.
	User     string
	Password string

	es   *eventsource.Server
	repo *repository

	mu     sync.RWMutex
	closed bool
}

var _ http.Handler = (*Server)(nil)

// NewServer returns a Server that drops envelopes nobody acknowledged
// within lifetime. A zero lifetime means DefaultLifetime.
func NewServer(lifetime time.Duration) *Server {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	es := eventsource.NewServer()
	// a publish can land between the response headers and the subscription,
	// replaying the pending store on every subscribe covers it
	es.ReplayAll = true
	return &Server{
		es:   es,
		repo: newRepository(lifetime),
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.User == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == s.User && pass == s.Password
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="negortc"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	topic := r.URL.Query().Get("t")
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.es.Register(topic, s.repo)
		s.mu.RUnlock()
		s.es.Handler(topic)(w, r)
		return
	case http.MethodPost:
		defer s.mu.RUnlock()
		s.publish(w, r, topic)
	case http.MethodDelete:
		defer s.mu.RUnlock()
		id := r.Header.Get(EventIDHeader)
		if id == "" {
			http.Error(w, EventIDHeader+" is required", http.StatusBadRequest)
			return
		}
		s.repo.remove(topic, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		s.mu.RUnlock()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, topic string) {
	var env impl.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeSize)).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !env.Valid() {
		http.Error(w, impl.ErrMalformedEnvelope.Error(), http.StatusBadRequest)
		return
	}
	env.ID = ""
	data, err := json.Marshal(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ev := &event{id: impl.NewID(), data: string(data), created: time.Now()}
	s.repo.add(topic, ev)
	s.es.Publish([]string{topic}, ev)
	w.WriteHeader(http.StatusNoContent)
}

// Pending reports how many envelopes wait unacknowledged on topic.
func (s *Server) Pending(topic string) int {
	return s.repo.len(topic)
}

// Close ends every open event stream.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.es.Close()
	return nil
}

type event struct {
	id      string
	data    string
	created time.Time
}

var _ eventsource.Event = (*event)(nil)

func (ev *event) Id() string    { return ev.id }
func (ev *event) Event() string { return "envelope" }
func (ev *event) Data() string  { return ev.data }

// repository keeps the envelopes of every topic until they are acknowledged.
type repository struct {
	lifetime time.Duration

	mu     sync.Mutex
	events map[string][]*event
}

var _ eventsource.Repository = (*repository)(nil)

func newRepository(lifetime time.Duration) *repository {
	return &repository{
		lifetime: lifetime,
		events:   make(map[string][]*event),
	}
}

// expire must be called with mu held.
func (repo *repository) expire(topic string) []*event {
	deadline := time.Now().Add(-repo.lifetime)
	events := repo.events[topic][:0]
	for _, ev := range repo.events[topic] {
		if ev.created.After(deadline) {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		delete(repo.events, topic)
		return nil
	}
	repo.events[topic] = events
	return events
}

func (repo *repository) add(topic string, ev *event) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	repo.events[topic] = append(repo.expire(topic), ev)
}

func (repo *repository) remove(topic string, id string) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	events := repo.events[topic]
	for i, ev := range events {
		if ev.id == id {
			repo.events[topic] = append(events[:i:i], events[i+1:]...)
			break
		}
	}
	repo.expire(topic)
}

func (repo *repository) len(topic string) int {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	return len(repo.expire(topic))
}

// Replay hands out every pending envelope of the topic whatever the last
// event id was. Clients drop the ones they have already seen.
func (repo *repository) Replay(topic, _ string) chan eventsource.Event {
	repo.mu.Lock()
	events := append([]*event(nil), repo.expire(topic)...)
	repo.mu.Unlock()

	out := make(chan eventsource.Event)
	go func() {
		defer close(out)
		for _, ev := range events {
			out <- ev
		}
	}()
	return out
}

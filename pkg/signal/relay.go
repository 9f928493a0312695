package signal

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beamcast/beamcast/pkg/logging"
)

// Relay forwards signaling envelopes between the participants of a stream.
// It keeps one Room per stream id with an explicit participant registry;
// rooms are created on the first connect and deleted when the last
// participant leaves.
type Relay struct {
	rooms    map[string]*Room
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   logging.Logger

	// OnRoomCreated, if set, is invoked (on its own goroutine) whenever a
	// remote participant opens a room that did not exist yet. The stream
	// manager uses it to attach the in-process answering side.
	OnRoomCreated func(streamID string)

	// OnClientChange, if set, is invoked with +1/-1 as websocket
	// participants connect and disconnect.
	OnClientChange func(delta int)
}

// Room holds the participants of one stream id.
type Room struct {
	id           string
	participants map[string]*participant
	mu           sync.Mutex
}

// participant is one connected signaling peer, remote or in-process.
// Envelopes sent before a late joiner connects are queued here and
// replayed on join: the offer first, then candidates in arrival order.
type participant struct {
	id               string
	local            bool
	send             chan Envelope
	queuedOffer      *Envelope
	queuedCandidates []Envelope
}

// NewRelay creates a signaling relay.
func NewRelay(logger logging.Logger) *Relay {
	return &Relay{
		rooms:  make(map[string]*Room),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// getOrCreateRoom returns the existing room or creates a new one.
// The second return value reports whether the room was created.
func (r *Relay) getOrCreateRoom(streamID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[streamID]; ok {
		return room, false
	}
	room := &Room{
		id:           streamID,
		participants: make(map[string]*participant),
	}
	r.rooms[streamID] = room
	return room, true
}

// join registers a new participant in the room and primes its send
// channel: the server-assigned id first, then every other participant's
// queued offer followed by that participant's queued candidates. Other
// participants are told about the join. All of it happens under the room
// lock so the replay is consistent with subsequent forwards.
func (r *Relay) join(room *Room, local bool) *participant {
	p := &participant{
		id:    uuid.NewString(),
		local: local,
		send:  make(chan Envelope, 256),
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	p.send <- serverEnvelope(TypeID, p.id)
	for _, other := range room.participants {
		if other.queuedOffer != nil {
			p.send <- *other.queuedOffer
		}
		for _, cand := range other.queuedCandidates {
			p.send <- cand
		}
		deliver(other, serverEnvelope(TypeJoined, p.id), r.logger)
	}
	room.participants[p.id] = p
	return p
}

// route forwards an envelope from p to every other participant in the
// room, queuing offers and candidates for participants yet to join.
func (r *Relay) route(room *Room, p *participant, env Envelope) {
	env.Src = p.id

	room.mu.Lock()
	defer room.mu.Unlock()

	switch env.Type {
	case TypeOffer:
		queued := env
		p.queuedOffer = &queued
		// A fresh offer supersedes candidates gathered for the old one.
		p.queuedCandidates = nil
	case TypeICECandidate:
		p.queuedCandidates = append(p.queuedCandidates, env)
	}

	for id, other := range room.participants {
		if id == p.id {
			continue
		}
		deliver(other, env, r.logger)
	}
}

// leave removes a participant, discards its queued state and notifies the
// remaining participants. Empty rooms are deleted.
func (r *Relay) leave(room *Room, p *participant) {
	room.mu.Lock()
	if _, ok := room.participants[p.id]; !ok {
		room.mu.Unlock()
		return
	}
	delete(room.participants, p.id)
	close(p.send)
	for _, other := range room.participants {
		deliver(other, serverEnvelope(TypeLeft, p.id), r.logger)
	}
	empty := len(room.participants) == 0
	room.mu.Unlock()

	if empty {
		r.mu.Lock()
		if current, ok := r.rooms[room.id]; ok && current == room {
			delete(r.rooms, room.id)
		}
		r.mu.Unlock()
	}
}

// deliver enqueues env for a participant without blocking the relay.
func deliver(p *participant, env Envelope, logger logging.Logger) {
	select {
	case p.send <- env:
	default:
		logger.WithField("participant", p.id).Warn("signal send buffer full, dropping envelope")
	}
}

// ParticipantCount returns the number of participants in a stream's room.
func (r *Relay) ParticipantCount(streamID string) int {
	r.mu.RLock()
	room, ok := r.rooms[NormalizeStreamID(streamID)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.participants)
}

// ServeWS upgrades an HTTP request to a websocket signaling connection
// for the given stream id.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request, streamID string) {
	streamID = NormalizeStreamID(streamID)
	if !ValidateStreamID(streamID) {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	room, created := r.getOrCreateRoom(streamID)
	if created && r.OnRoomCreated != nil {
		go r.OnRoomCreated(streamID)
	}

	p := r.join(room, false)
	if r.OnClientChange != nil {
		r.OnClientChange(1)
	}
	c := &client{
		conn:  conn,
		relay: r,
		room:  room,
		p:     p,
	}
	go c.writePump()
	go c.readPump()
}

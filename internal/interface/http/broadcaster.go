package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kidscampus/session-core/internal/domain/classroom"
	"github.com/kidscampus/session-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLASSROOM BROADCASTER
// ══════════════════════════════════════════════════════════════════════════════

// TokenVerifier authenticates classroom channel tokens.
type TokenVerifier interface {
	VerifyClassroomToken(ctx context.Context, classroomID, token string) (childID string, err error)
}

// SequenceSource allocates strictly increasing delta sequence numbers
// per classroom.
type SequenceSource interface {
	NextSequence(ctx context.Context, classroomID string) (uint64, error)
}

// BroadcasterConfig contains broadcaster configuration.
type BroadcasterConfig struct {
	Verifier  TokenVerifier
	Sequences SequenceSource // optional, in-process counters when nil
	Logger    *logger.Logger

	// ReplayBuffer is how many recent deltas each classroom keeps for
	// from_seq catch-up after a client reconnect.
	ReplayBuffer int

	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration

	// SendBuffer is the per-connection outbound queue. A connection that
	// falls this far behind is dropped; it will reattach and resume.
	SendBuffer int
}

// DefaultBroadcasterConfig returns sensible defaults, Verifier unset.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		ReplayBuffer: 256,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
	}
}

// Broadcaster fans classroom deltas out to every attached client. Each
// inbound delta gets its authoritative sequence number here and is then
// echoed to all participants, sender included, so everyone applies the
// same ordered stream.
type Broadcaster struct {
	config   BroadcasterConfig
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(config BroadcasterConfig) *Broadcaster {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.ReplayBuffer <= 0 {
		config.ReplayBuffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	return &Broadcaster{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Headsets connect from their own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: config.Logger.With(logger.Component("broadcaster")),
		rooms:  make(map[string]*room),
	}
}

// HandleAttach handles GET /v1/classrooms/{id}, upgrading to websocket.
func (b *Broadcaster) HandleAttach(w http.ResponseWriter, r *http.Request) {
	classroomID := r.PathValue("id")
	if classroomID == "" {
		writeError(w, r, http.StatusBadRequest, "SERVER_ERROR", "classroom id is required")
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "SERVER_ERROR", "missing classroom token")
		return
	}
	childID, err := b.config.Verifier.VerifyClassroomToken(r.Context(), classroomID, token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "SERVER_ERROR", "classroom token invalid")
		return
	}

	fromSeq, _ := strconv.ParseUint(r.URL.Query().Get("from_seq"), 10, 64)

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		b.logger.Warn("websocket upgrade failed",
			logger.ClassroomID(classroomID), logger.Err(err))
		return
	}

	m := &member{
		childID: childID,
		conn:    conn,
		out:     make(chan classroom.Delta, b.config.SendBuffer),
		done:    make(chan struct{}),
	}
	rm, replay := b.attach(classroomID, m, fromSeq)

	b.logger.Info("participant attached",
		logger.ClassroomID(classroomID),
		logger.ChildID(childID),
		logger.F("from_seq", fromSeq),
		logger.Int("replayed", len(replay)),
	)

	go b.writeLoop(rm, m, replay)
	b.readLoop(r.Context(), rm, m)
}

// attach registers the member with the classroom's room, creating the
// room on first attach, and returns the deltas to replay.
func (b *Broadcaster) attach(classroomID string, m *member, fromSeq uint64) (*room, []classroom.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rm, ok := b.rooms[classroomID]
	if !ok {
		rm = newRoom(classroomID, b.config.ReplayBuffer)
		b.rooms[classroomID] = rm
	}
	return rm, rm.attach(m, fromSeq)
}

// detach removes the member and drops the room once its last member is
// gone, so an idle classroom does not pin its replay buffer forever.
func (b *Broadcaster) detach(rm *room, m *member) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rm.detach(m) && b.rooms[rm.classroomID] == rm {
		delete(b.rooms, rm.classroomID)
	}
}

func (b *Broadcaster) roomCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

// readLoop pulls deltas off one connection, stamps them and broadcasts.
// It returns when the connection dies.
func (b *Broadcaster) readLoop(ctx context.Context, rm *room, m *member) {
	defer func() {
		b.detach(rm, m)
		m.conn.Close()
	}()

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return
		}

		var d classroom.Delta
		if err := json.Unmarshal(data, &d); err != nil {
			b.logger.Warn("malformed delta dropped",
				logger.ClassroomID(rm.classroomID),
				logger.ChildID(m.childID), logger.Err(err))
			continue
		}

		// The broadcaster is authoritative for addressing and ordering,
		// whatever the client claimed.
		d.ClassroomID = rm.classroomID
		d.ParticipantID = m.childID
		d.SentAt = time.Now().UTC()
		d.Sequence, err = b.nextSequence(ctx, rm)
		if err != nil {
			b.logger.Error("sequence allocation failed",
				logger.ClassroomID(rm.classroomID), logger.Err(err))
			return
		}

		rm.broadcast(d)
	}
}

// writeLoop owns all writes to one connection.
func (b *Broadcaster) writeLoop(rm *room, m *member, replay []classroom.Delta) {
	defer m.conn.Close()

	for _, d := range replay {
		if err := b.writeDelta(m, d); err != nil {
			return
		}
	}

	for {
		select {
		case d := <-m.out:
			if err := b.writeDelta(m, d); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (b *Broadcaster) writeDelta(m *member, d classroom.Delta) error {
	m.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
	return m.conn.WriteJSON(d)
}

// nextSequence allocates from the shared source, or the room's local
// counter when running single-instance without one.
func (b *Broadcaster) nextSequence(ctx context.Context, rm *room) (uint64, error) {
	if b.config.Sequences != nil {
		return b.config.Sequences.NextSequence(ctx, rm.classroomID)
	}
	return rm.nextLocalSequence(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Rooms
// ─────────────────────────────────────────────────────────────────────────────

// member is one attached websocket connection.
type member struct {
	childID string
	conn    *websocket.Conn
	out     chan classroom.Delta
	done    chan struct{}

	closeOnce sync.Once
}

func (m *member) close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// room is one classroom's fan-out state: the member set and a bounded
// ring of recent deltas for reconnect replay.
type room struct {
	classroomID string

	mu       sync.Mutex
	members  map[*member]struct{}
	recent   []classroom.Delta
	capacity int
	localSeq uint64
}

func newRoom(classroomID string, capacity int) *room {
	return &room{
		classroomID: classroomID,
		members:     make(map[*member]struct{}),
		capacity:    capacity,
	}
}

// attach registers the member and returns the buffered deltas after
// fromSeq for replay.
func (r *room) attach(m *member, fromSeq uint64) []classroom.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[m] = struct{}{}

	var replay []classroom.Delta
	for _, d := range r.recent {
		if d.Sequence > fromSeq {
			replay = append(replay, d)
		}
	}
	return replay
}

// detach removes the member and reports whether the room is now empty.
func (r *room) detach(m *member) bool {
	r.mu.Lock()
	delete(r.members, m)
	empty := len(r.members) == 0
	r.mu.Unlock()
	m.close()
	return empty
}

// broadcast queues the delta for every member and records it for
// replay. A member with a full queue is dropped rather than allowed to
// stall the classroom.
func (r *room) broadcast(d classroom.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent = append(r.recent, d)
	if len(r.recent) > r.capacity {
		r.recent = r.recent[len(r.recent)-r.capacity:]
	}

	for m := range r.members {
		select {
		case m.out <- d:
		default:
			delete(r.members, m)
			m.close()
		}
	}
}

func (r *room) nextLocalSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localSeq++
	return r.localSeq
}

package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/pkg/wire"
)

type State int

const (
	StateHandshaking State = iota
	StateActive
	StateDraining
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotActive    = errors.New("session not active")
	ErrNotResumable = errors.New("session did not negotiate resume")
	ErrQueueStalled = errors.New("session outbound queue stalled")
	ErrUnknownNonce = errors.New("pong nonce does not match outstanding ping")
	ErrPendingSeq   = errors.New("no pending delivery for seq")
	ErrResumeTooOld = errors.New("resume point older than retained window")
)

// BusyError is the backpressure signal: the receiver's ack window is
// full, so the send is refused rather than queued unboundedly.
type BusyError struct {
	RetryAfter time.Duration
	QueueDepth int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("receiver busy: %d deliveries in flight", e.QueueDepth)
}

// DefaultMaxInflight caps the ack window when the peer declares none.
const DefaultMaxInflight = 32

const outboundBufferSize = 256

// PendingDelivery is a DELIVER awaiting acknowledgement, retained for
// selective ack accounting and resume replay.
type PendingDelivery struct {
	Seq      int64
	Envelope *wire.Envelope
	SentAt   time.Time
}

// Session tracks one connected agent: negotiated capabilities, the
// server-assigned delivery sequence, the unacked window, and lifecycle
// state. Envelopes for one session are processed strictly in arrival
// order by its connection goroutine; the mutex guards the cross-session
// paths (routing into this session, heartbeat sweep, shutdown).
type Session struct {
	ID    string
	Agent string
	CLI   string

	mu              sync.Mutex
	caps            wire.Capabilities
	state           State
	lastSeq         int64
	lastAckedSeq    int64
	inflight        map[int64]*PendingDelivery
	resumeToken     string
	lastHeartbeatAt time.Time
	pingNonce       string
	pingSentAt      time.Time
	suspendedAt     time.Time
	outbound        chan *wire.Envelope

	// Topic subscriptions, maintained via SUBSCRIBE/UNSUBSCRIBE and
	// mirrored by the router's topic index.
	topics map[string]struct{}
}

// New creates an ACTIVE session for an agent that completed its
// handshake. Capabilities are normalized: a missing or non-positive
// max_inflight becomes DefaultMaxInflight.
func New(agent, cli string, caps wire.Capabilities) *Session {
	if caps.MaxInflight <= 0 {
		caps.MaxInflight = DefaultMaxInflight
	}
	s := &Session{
		ID:              uuid.NewString(),
		Agent:           agent,
		CLI:             cli,
		caps:            caps,
		state:           StateActive,
		inflight:        make(map[int64]*PendingDelivery),
		lastHeartbeatAt: time.Now(),
		outbound:        make(chan *wire.Envelope, outboundBufferSize),
		topics:          make(map[string]struct{}),
	}
	if caps.Resume {
		s.resumeToken = newResumeToken()
	}
	return s
}

func newResumeToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Capabilities() wire.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ResumeToken returns the opaque credential a disconnected peer presents
// to revive this session, empty when resume was not negotiated.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// Outbound is the channel the connection goroutine drains into the
// transport. It is replaced on resume, so consumers must re-fetch it
// after a reconnect.
func (s *Session) Outbound() <-chan *wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

// Queue places a control envelope on the outbound queue without
// blocking. A full queue means the consumer stalled; the caller should
// suspend or close the session.
func (s *Session) Queue(env *wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateSuspended {
		return ErrNotActive
	}
	select {
	case s.outbound <- env:
		return nil
	default:
		return ErrQueueStalled
	}
}

// EnqueueDeliver assigns the next sequence number, wraps the payload in
// a DELIVER envelope, records it in the ack window, and queues it. When
// the window is full the send is refused with *BusyError; the caller
// turns that into BUSY for the sender.
func (s *Session) EnqueueDeliver(from string, originalTo string, payload *wire.SendPayload) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return 0, ErrNotActive
	}
	if len(s.inflight) >= s.caps.MaxInflight {
		return 0, &BusyError{
			RetryAfter: time.Second,
			QueueDepth: len(s.inflight),
		}
	}

	s.lastSeq++
	seq := s.lastSeq

	env, err := wire.NewEnvelope(wire.TypeDeliver, wire.DeliverPayload{
		Kind:   payload.Kind,
		Body:   payload.Body,
		Data:   payload.Data,
		Thread: payload.Thread,
		Meta:   payload.Meta,
		Delivery: wire.DeliveryInfo{
			Seq:        seq,
			SessionID:  s.ID,
			OriginalTo: originalTo,
		},
	})
	if err != nil {
		s.lastSeq--
		return 0, err
	}
	env.From = from
	env.To = s.Agent

	s.inflight[seq] = &PendingDelivery{Seq: seq, Envelope: env, SentAt: time.Now()}

	select {
	case s.outbound <- env:
	default:
		// Window admission passed, so a full outbound queue means the
		// transport writer stalled outright. Drop the entry and report
		// the stall; the connection owner decides suspend vs close.
		delete(s.inflight, seq)
		s.lastSeq--
		return 0, ErrQueueStalled
	}
	return seq, nil
}

// Ack applies a cumulative and/or selective acknowledgement and returns
// the seqs newly removed from the window. Acking an already-acked seq is
// a no-op.
func (s *Session) Ack(p *wire.AckPayload) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var acked []int64
	remove := func(seq int64) {
		if _, ok := s.inflight[seq]; ok {
			delete(s.inflight, seq)
			acked = append(acked, seq)
		}
	}

	if p.CumulativeSeq > 0 {
		for seq := s.lastAckedSeq + 1; seq <= p.CumulativeSeq && seq <= s.lastSeq; seq++ {
			remove(seq)
		}
		if p.CumulativeSeq > s.lastAckedSeq {
			s.lastAckedSeq = min(p.CumulativeSeq, s.lastSeq)
		}
	}
	if p.Seq > 0 {
		remove(p.Seq)
	}
	for _, seq := range p.Sack {
		remove(seq)
	}

	s.advanceAckFloor()

	sort.Slice(acked, func(i, j int) bool { return acked[i] < acked[j] })
	return acked
}

// advanceAckFloor walks the cumulative floor over any contiguous prefix
// cleared by individual acks. Every seq in (lastAckedSeq, lastSeq] was
// sent, so absence from the window means acked.
func (s *Session) advanceAckFloor() {
	for s.lastAckedSeq < s.lastSeq {
		if _, pending := s.inflight[s.lastAckedSeq+1]; pending {
			break
		}
		s.lastAckedSeq++
	}
}

// Nack removes the pending entry for seq without treating it as
// delivered, returning it so the router can surface the failure to the
// original sender.
func (s *Session) Nack(seq int64) (*PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pd, ok := s.inflight[seq]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPendingSeq, seq)
	}
	delete(s.inflight, seq)
	s.advanceAckFloor()
	return pd, nil
}

// InflightCount reports the current ack window occupancy.
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *Session) LastAckedSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckedSeq
}

// RecordPing stores the nonce and send time of an outstanding PING.
func (s *Session) RecordPing(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingNonce = nonce
	s.pingSentAt = time.Now()
}

// RecordPong clears the outstanding ping if the nonce matches.
func (s *Session) RecordPong(nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingNonce == "" || s.pingNonce != nonce {
		return ErrUnknownNonce
	}
	s.pingNonce = ""
	s.lastHeartbeatAt = time.Now()
	return nil
}

// HeartbeatExpired reports whether a PING has gone unanswered for a
// full heartbeat interval, measured from when the PING was sent.
func (s *Session) HeartbeatExpired(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingNonce != "" && time.Since(s.pingSentAt) > interval
}

// Drain moves an ACTIVE session to DRAINING: new sends are refused while
// already-queued deliveries flush.
func (s *Session) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		s.state = StateDraining
	}
}

// Suspend parks the session after transport loss, keeping the unacked
// window for replay. Returns ErrNotResumable when the peer never
// negotiated resume; the caller should close instead.
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caps.Resume {
		return ErrNotResumable
	}
	if s.state == StateClosed {
		return nil
	}
	s.state = StateSuspended
	s.suspendedAt = time.Now()
	s.pingNonce = ""
	return nil
}

// SuspendedSince returns when the session entered SUSPENDED, zero
// otherwise.
func (s *Session) SuspendedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSuspended {
		return time.Time{}
	}
	return s.suspendedAt
}

// Resume revives a SUSPENDED session and returns the replay set: a
// SYNC_SNAPSHOT, then a SYNC_DELTA describing the replayed range, then
// the pending DELIVERs in seq order. lastAckedSeq is the peer's claimed
// resume point; asking for anything below the server's cumulative floor
// fails with ErrResumeTooOld because those entries were discarded on ack.
func (s *Session) Resume(lastAckedSeq int64) ([]*wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSuspended {
		return nil, ErrNotActive
	}
	if lastAckedSeq < s.lastAckedSeq {
		return nil, ErrResumeTooOld
	}

	// The peer may have acked further than we heard before the drop.
	if lastAckedSeq > s.lastAckedSeq {
		for seq := s.lastAckedSeq + 1; seq <= lastAckedSeq && seq <= s.lastSeq; seq++ {
			delete(s.inflight, seq)
		}
		s.lastAckedSeq = min(lastAckedSeq, s.lastSeq)
	}

	s.state = StateActive
	s.suspendedAt = time.Time{}
	s.lastHeartbeatAt = time.Now()
	s.pingNonce = ""
	s.outbound = make(chan *wire.Envelope, outboundBufferSize)

	pending := make([]*PendingDelivery, 0, len(s.inflight))
	for _, pd := range s.inflight {
		pending = append(pending, pd)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	replay := make([]*wire.Envelope, 0, len(pending)+2)
	replay = append(replay, wire.MustEnvelope(wire.TypeSyncSnapshot, wire.SyncSnapshotPayload{
		SessionID:    s.ID,
		LastSeq:      s.lastSeq,
		LastAckedSeq: s.lastAckedSeq,
	}))
	if len(pending) > 0 {
		replay = append(replay, wire.MustEnvelope(wire.TypeSyncDelta, wire.SyncDeltaPayload{
			SessionID: s.ID,
			FromSeq:   pending[0].Seq,
			ToSeq:     pending[len(pending)-1].Seq,
			Count:     len(pending),
		}))
		for _, pd := range pending {
			replay = append(replay, pd.Envelope)
		}
	}
	return replay, nil
}

// QueueReplay pushes replay envelopes onto the fresh outbound queue.
// Separate from Resume so the router can re-register the session before
// any frames move.
func (s *Session) QueueReplay(envs []*wire.Envelope) error {
	for _, env := range envs {
		if err := s.Queue(env); err != nil {
			return err
		}
	}
	return nil
}

// Close terminates the session. Idempotent; the outbound channel is
// closed so the connection goroutine unblocks.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	close(s.outbound)
}

// SubscribeTopics records topic membership. Fails when the peer never
// declared supports_topics.
func (s *Session) SubscribeTopics(topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caps.SupportsTopics {
		return fmt.Errorf("%w: agent %s did not negotiate topics", ErrNotActive, s.Agent)
	}
	for _, topic := range topics {
		s.topics[topic] = struct{}{}
	}
	return nil
}

func (s *Session) UnsubscribeTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		delete(s.topics, topic)
	}
}

func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/internal/session"
	"github.com/relaymesh/relaymesh/internal/storage"
	"github.com/relaymesh/relaymesh/pkg/wire"
)

var (
	ErrAgentNotFound  = errors.New("no active session for agent")
	ErrNameInUse      = errors.New("agent name already has an active session")
	ErrRouterClosed   = errors.New("router is shut down")
	ErrUnknownResume  = errors.New("resume token does not match any suspended session")
	ErrNoTopicTargets = errors.New("no subscribers for topic")
)

// Config carries the server parameters advertised in WELCOME and the
// windows governing suspension and replay.
type Config struct {
	MaxFrameBytes int
	Heartbeat     time.Duration
	ResumeTTL     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.ResumeTTL <= 0 {
		c.ResumeTTL = 5 * time.Minute
	}
}

// Router owns every live session, resolves addressing (direct,
// broadcast, topic), and maintains the durable agent directory. Routing
// targets live sessions only; the directory is introspection state.
type Router struct {
	cfg       Config
	directory *storage.AgentDirectory
	store     storage.MessageStore

	mu       sync.RWMutex
	sessions map[string]*session.Session
	topics   map[string]map[string]struct{}
	shadows  map[string]map[string]struct{}
	closed   bool

	events chan Event
}

// New creates a router. store may be nil when audit logging is disabled.
func New(cfg Config, directory *storage.AgentDirectory, store storage.MessageStore) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:       cfg,
		directory: directory,
		store:     store,
		sessions:  make(map[string]*session.Session),
		topics:    make(map[string]map[string]struct{}),
		shadows:   make(map[string]map[string]struct{}),
		events:    make(chan Event, eventBufferSize),
	}
}

// Hello performs the handshake: a fresh HELLO creates a session, a HELLO
// carrying a matching resume token revives a suspended one. The returned
// replay envelopes (resume only) are already queued on the session's
// outbound channel.
func (r *Router) Hello(p *wire.HelloPayload) (*session.Session, *wire.WelcomePayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrRouterClosed
	}

	if p.Session != nil && p.Session.ResumeToken != "" {
		return r.resumeLocked(p)
	}

	if existing, ok := r.sessions[p.Agent]; ok {
		switch existing.State() {
		case session.StateSuspended:
			// A plain HELLO for a suspended name abandons the old
			// session rather than reviving it.
			existing.Close()
			r.removeSessionLocked(existing, "replaced by new handshake")
		case session.StateClosed:
			r.removeSessionLocked(existing, "stale entry")
		default:
			return nil, nil, &wire.ProtocolError{
				Code:    wire.CodeBadRequest,
				Message: fmt.Sprintf("agent %q already connected", p.Agent),
				Fatal:   true,
			}
		}
	}

	sess := session.New(p.Agent, p.CLI, *p.Capabilities)
	r.sessions[p.Agent] = sess
	if r.directory != nil {
		r.directory.Touch(p.Agent, p.CLI, 0, 0)
	}
	r.emit(EventAgentConnected, p.Agent, sess.ID, p.CLI)

	welcome := &wire.WelcomePayload{
		SessionID:   sess.ID,
		ResumeToken: sess.ResumeToken(),
		Server: wire.ServerInfo{
			MaxFrameBytes: r.cfg.MaxFrameBytes,
			HeartbeatMS:   int(r.cfg.Heartbeat / time.Millisecond),
		},
		Caps: sess.Capabilities(),
	}
	return sess, welcome, nil
}

func (r *Router) resumeLocked(p *wire.HelloPayload) (*session.Session, *wire.WelcomePayload, error) {
	sess, ok := r.sessions[p.Agent]
	if !ok || sess.State() != session.StateSuspended || sess.ResumeToken() != p.Session.ResumeToken {
		return nil, nil, &wire.ProtocolError{
			Code:    wire.CodeNotFound,
			Message: fmt.Sprintf("no suspended session for agent %q", p.Agent),
			Fatal:   true,
		}
	}

	// A token-only HELLO resumes from the server's cumulative floor; a
	// peer with a newer floor uses RESUME explicitly.
	replay, err := sess.Resume(sess.LastAckedSeq())
	if err != nil {
		if errors.Is(err, session.ErrResumeTooOld) {
			return nil, nil, &wire.ProtocolError{Code: wire.CodeResumeTooOld, Fatal: true}
		}
		return nil, nil, err
	}
	if err := sess.QueueReplay(replay); err != nil {
		return nil, nil, err
	}
	if r.directory != nil {
		r.directory.Touch(p.Agent, p.CLI, 0, 0)
	}
	r.emit(EventAgentResumed, p.Agent, sess.ID, "")

	welcome := &wire.WelcomePayload{
		SessionID:   sess.ID,
		ResumeToken: sess.ResumeToken(),
		Resumed:     true,
		Server: wire.ServerInfo{
			MaxFrameBytes: r.cfg.MaxFrameBytes,
			HeartbeatMS:   int(r.cfg.Heartbeat / time.Millisecond),
		},
		Caps: sess.Capabilities(),
	}
	return sess, welcome, nil
}

// ResumeWithPoint revives a suspended session from an explicit RESUME
// envelope carrying the peer's claimed cumulative floor. The replay is
// queued before the router lock drops so a concurrent Route cannot slip
// a fresh DELIVER ahead of the replayed ones.
func (r *Router) ResumeWithPoint(agent, token string, lastAckedSeq int64) (*session.Session, *wire.WelcomePayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[agent]
	if !ok || sess.ResumeToken() != token {
		return nil, nil, &wire.ProtocolError{Code: wire.CodeNotFound, Fatal: true}
	}
	replay, err := sess.Resume(lastAckedSeq)
	if err != nil {
		if errors.Is(err, session.ErrResumeTooOld) {
			return nil, nil, &wire.ProtocolError{Code: wire.CodeResumeTooOld, Fatal: true}
		}
		return nil, nil, err
	}
	if err := sess.QueueReplay(replay); err != nil {
		return nil, nil, err
	}
	r.emit(EventAgentResumed, agent, sess.ID, "")

	welcome := &wire.WelcomePayload{
		SessionID:   sess.ID,
		ResumeToken: sess.ResumeToken(),
		Resumed:     true,
		Server: wire.ServerInfo{
			MaxFrameBytes: r.cfg.MaxFrameBytes,
			HeartbeatMS:   int(r.cfg.Heartbeat / time.Millisecond),
		},
		Caps: sess.Capabilities(),
	}
	return sess, welcome, nil
}

// DeliveryResult describes one target of a routed SEND.
type DeliveryResult struct {
	Agent string
	Seq   int64
	Err   error
}

// Route resolves the envelope's `to` and fans the payload out. Direct
// sends return the single target's result; a full target window surfaces
// as a *session.BusyError for the sender. Broadcast and topic sends skip
// the sender and report per-target results so busy receivers are never
// silently dropped.
func (r *Router) Route(from *session.Session, env *wire.Envelope, p *wire.SendPayload) ([]DeliveryResult, error) {
	if from.State() != session.StateActive {
		return nil, session.ErrNotActive
	}

	targets, err := r.resolveTargets(from, env)
	if err != nil {
		return nil, err
	}

	if r.store != nil {
		if aerr := r.store.Append(env); aerr != nil {
			// Audit failures must not fail routing.
			r.emit(EventDeliveryFailed, from.Agent, from.ID, fmt.Sprintf("audit append: %v", aerr))
		}
	}

	results := make([]DeliveryResult, 0, len(targets))
	delivered := int64(0)
	for _, target := range targets {
		seq, derr := target.EnqueueDeliver(from.Agent, env.To, p)
		if derr == nil {
			delivered++
			if r.directory != nil {
				r.directory.Touch(target.Agent, target.CLI, 0, 1)
			}
		} else {
			r.emit(EventDeliveryFailed, target.Agent, target.ID, derr.Error())
		}
		results = append(results, DeliveryResult{Agent: target.Agent, Seq: seq, Err: derr})

		// Shadow observers get a copy of everything their primary
		// receives; a full shadow window drops the copy silently since
		// shadows are observers, not addressees.
		for _, shadow := range r.shadowsOf(target.Agent) {
			_, _ = shadow.EnqueueDeliver(from.Agent, env.To, p)
		}
	}

	if r.directory != nil {
		r.directory.Touch(from.Agent, from.CLI, delivered, 0)
	}
	return results, nil
}

func (r *Router) resolveTargets(from *session.Session, env *wire.Envelope) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRouterClosed
	}

	switch {
	case env.Topic != "":
		if !from.Capabilities().SupportsTopics {
			return nil, wire.BadRequest("sender did not negotiate supports_topics")
		}
		members, ok := r.topics[env.Topic]
		if !ok || len(members) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoTopicTargets, env.Topic)
		}
		targets := make([]*session.Session, 0, len(members))
		for name := range members {
			if name == from.Agent {
				continue
			}
			if sess, ok := r.sessions[name]; ok && sess.State() == session.StateActive {
				targets = append(targets, sess)
			}
		}
		return targets, nil

	case env.To == wire.BroadcastTo:
		targets := make([]*session.Session, 0, len(r.sessions))
		for name, sess := range r.sessions {
			if name == from.Agent {
				continue
			}
			if sess.State() == session.StateActive {
				targets = append(targets, sess)
			}
		}
		return targets, nil

	case env.To != "":
		sess, ok := r.sessions[env.To]
		if !ok || sess.State() != session.StateActive {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, env.To)
		}
		return []*session.Session{sess}, nil

	default:
		return nil, wire.BadRequest("SEND missing to and topic")
	}
}

func (r *Router) shadowsOf(primary string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, ok := r.shadows[primary]
	if !ok {
		return nil
	}
	out := make([]*session.Session, 0, len(names))
	for name := range names {
		if sess, ok := r.sessions[name]; ok && sess.State() == session.StateActive {
			out = append(out, sess)
		}
	}
	return out
}

// Subscribe adds the session's agent to the given topics.
func (r *Router) Subscribe(sess *session.Session, topics []string) error {
	if err := sess.SubscribeTopics(topics); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range topics {
		if r.topics[topic] == nil {
			r.topics[topic] = make(map[string]struct{})
		}
		r.topics[topic][sess.Agent] = struct{}{}
	}
	return nil
}

func (r *Router) Unsubscribe(sess *session.Session, topics []string) {
	sess.UnsubscribeTopics(topics)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range topics {
		if members, ok := r.topics[topic]; ok {
			delete(members, sess.Agent)
			if len(members) == 0 {
				delete(r.topics, topic)
			}
		}
	}
}

// BindShadow registers shadow as an observer of primary's deliveries.
func (r *Router) BindShadow(shadow *session.Session, primary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[primary]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, primary)
	}
	if r.shadows[primary] == nil {
		r.shadows[primary] = make(map[string]struct{})
	}
	r.shadows[primary][shadow.Agent] = struct{}{}
	return nil
}

func (r *Router) UnbindShadow(shadow *session.Session, primary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if primary != "" {
		if observers, ok := r.shadows[primary]; ok {
			delete(observers, shadow.Agent)
			if len(observers) == 0 {
				delete(r.shadows, primary)
			}
		}
		return
	}
	for p, observers := range r.shadows {
		delete(observers, shadow.Agent)
		if len(observers) == 0 {
			delete(r.shadows, p)
		}
	}
}

// Lookup returns the live session for an agent name.
func (r *Router) Lookup(agent string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[agent]
	return sess, ok
}

// Sessions returns every live session.
func (r *Router) Sessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Disconnect handles transport loss or BYE. Resumable sessions park in
// SUSPENDED for the configured TTL; others close and leave the registry.
func (r *Router) Disconnect(sess *session.Session, reason string) {
	if sess == nil {
		return
	}
	if err := sess.Suspend(); err == nil {
		r.emit(EventAgentSuspended, sess.Agent, sess.ID, reason)
		return
	}
	sess.Close()
	r.mu.Lock()
	r.removeSessionLocked(sess, reason)
	r.mu.Unlock()
}

// CloseSession fully terminates a session regardless of resumability.
func (r *Router) CloseSession(sess *session.Session, reason string) {
	sess.Close()
	r.mu.Lock()
	r.removeSessionLocked(sess, reason)
	r.mu.Unlock()
}

func (r *Router) removeSessionLocked(sess *session.Session, reason string) {
	if current, ok := r.sessions[sess.Agent]; ok && current == sess {
		delete(r.sessions, sess.Agent)
	}
	for topic, members := range r.topics {
		delete(members, sess.Agent)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
	for primary, observers := range r.shadows {
		delete(observers, sess.Agent)
		if len(observers) == 0 {
			delete(r.shadows, primary)
		}
	}
	delete(r.shadows, sess.Agent)
	r.emit(EventAgentClosed, sess.Agent, sess.ID, reason)
}

// SweepHeartbeats queues a PING on every active session and suspends or
// closes the ones whose previous PING went unanswered. Called on the
// daemon's heartbeat ticker.
func (r *Router) SweepHeartbeats() {
	for _, sess := range r.Sessions() {
		if sess.State() != session.StateActive {
			continue
		}
		if sess.HeartbeatExpired(r.cfg.Heartbeat) {
			r.Disconnect(sess, "heartbeat timeout")
			continue
		}
		nonce := uuid.NewString()
		env := wire.MustEnvelope(wire.TypePing, wire.PingPayload{Nonce: nonce})
		if err := sess.Queue(env); err != nil {
			r.Disconnect(sess, "outbound queue stalled")
			continue
		}
		sess.RecordPing(nonce)
	}
}

// SweepSuspended closes suspended sessions whose resume window lapsed.
func (r *Router) SweepSuspended() {
	for _, sess := range r.Sessions() {
		since := sess.SuspendedSince()
		if since.IsZero() {
			continue
		}
		if time.Since(since) > r.cfg.ResumeTTL {
			r.CloseSession(sess, "resume window expired")
		}
	}
}

// Shutdown drains every session, closes them, and flushes the directory.
// Individual failures are collected, not fatal: shutdown always runs to
// completion.
func (r *Router) Shutdown() error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		sess.Drain()
		sess.Close()
		r.mu.Lock()
		r.removeSessionLocked(sess, "daemon shutdown")
		r.mu.Unlock()
	}
	if r.directory != nil {
		if err := r.directory.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FlushDirectory persists the agent directory snapshot.
func (r *Router) FlushDirectory() error {
	if r.directory == nil {
		return nil
	}
	return r.directory.Flush()
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/storage"
	"github.com/relaymesh/relaymesh/pkg/wire"
)

const (
	inboundBufferSize = 256

	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 30 * time.Second
)

// Inbound is one message received from any connected project.
type Inbound struct {
	ProjectID string
	From      string
	Payload   *wire.DeliverPayload
	MessageID string
}

// ProjectState is the observational per-project snapshot written to the
// bridge state file. It is never authoritative for the project's own
// router.
type ProjectState struct {
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting"`
	LeadName     string `json:"leadName,omitempty"`
}

// Client maintains one relay connection per configured project and fans
// messages across them. Messages are never merged or reordered across
// projects; ordering holds per project only.
type Client struct {
	agentName string
	stateFile string
	logger    *slog.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	projects map[string]*projectConn
	closed   bool

	inbound chan Inbound
}

type projectConn struct {
	cfg    ProjectConfig
	cancel context.CancelFunc

	mu           sync.Mutex
	codec        *wire.Codec
	conn         net.Conn
	connected    bool
	reconnecting bool
}

// NewClient builds a bridge client from a loaded config. Call Run to
// start connecting.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		agentName: cfg.AgentName,
		stateFile: cfg.StateFile,
		logger:    logger.With("component", "bridge"),
		projects:  make(map[string]*projectConn),
		inbound:   make(chan Inbound, inboundBufferSize),
	}
	for _, p := range cfg.Projects {
		c.projects[p.ID] = &projectConn{cfg: p}
	}
	return c
}

// Inbound is the stream of messages arriving from every project.
func (c *Client) Inbound() <-chan Inbound {
	return c.inbound
}

// Run connects to every configured project and blocks until ctx is
// cancelled. Each project reconnects independently with backoff; one
// unreachable daemon never affects the others.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	for _, p := range c.projects {
		pctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		c.wg.Add(1)
		go func(p *projectConn) {
			defer c.wg.Done()
			c.runProject(pctx, p)
		}(p)
	}
	c.mu.Unlock()

	<-ctx.Done()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	c.writeState()
}

// Reload applies a changed project list: new projects start connecting,
// removed ones are torn down, surviving ones keep their connection.
func (c *Client) Reload(ctx context.Context, cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	keep := make(map[string]ProjectConfig, len(cfg.Projects))
	for _, p := range cfg.Projects {
		keep[p.ID] = p
	}

	for id, p := range c.projects {
		if _, ok := keep[id]; !ok {
			c.logger.Info("project removed", "project", id)
			if p.cancel != nil {
				p.cancel()
			}
			delete(c.projects, id)
		}
	}
	for id, pcfg := range keep {
		if existing, ok := c.projects[id]; ok {
			existing.cfg.Lead = pcfg.Lead
			continue
		}
		c.logger.Info("project added", "project", id)
		p := &projectConn{cfg: pcfg}
		pctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		c.projects[id] = p
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runProject(pctx, p)
		}()
	}
}

func (c *Client) runProject(ctx context.Context, p *projectConn) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectAndServe(ctx, p)
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.connected = false
		p.reconnecting = true
		p.mu.Unlock()
		c.writeState()

		c.logger.Warn("project connection lost, retrying",
			"project", p.cfg.ID, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectAndServe holds one connection: dial, handshake, then pump
// inbound envelopes until the transport fails.
func (c *Client) connectAndServe(ctx context.Context, p *projectConn) error {
	conn, err := net.Dial("unix", p.cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", p.cfg.Socket, err)
	}
	codec := wire.NewCodec(conn, wire.DefaultMaxFrameBytes)

	hello, err := wire.NewEnvelope(wire.TypeHello, &wire.HelloPayload{
		Agent: c.agentName + "@" + p.cfg.ID,
		CLI:   "bridge",
		Capabilities: &wire.Capabilities{
			Ack:         true,
			MaxInflight: 32,
		},
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := codec.WriteEnvelope(hello); err != nil {
		conn.Close()
		return fmt.Errorf("handshake write failed: %w", err)
	}
	welcome, err := codec.ReadEnvelope()
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake read failed: %w", err)
	}
	if welcome.Type != wire.TypeWelcome {
		conn.Close()
		return fmt.Errorf("expected WELCOME, got %s", welcome.Type)
	}
	// The WELCOME's advertised max bounds every frame after the
	// handshake, in both directions.
	if wp, err := welcome.DecodePayload(); err == nil {
		if w, ok := wp.(*wire.WelcomePayload); ok {
			codec.SetMaxFrameBytes(w.Server.MaxFrameBytes)
		}
	}

	p.mu.Lock()
	p.conn = conn
	p.codec = codec
	p.connected = true
	p.reconnecting = false
	p.mu.Unlock()
	c.writeState()
	c.logger.Info("project connected", "project", p.cfg.ID)

	// Unblock the read loop when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		p.mu.Lock()
		p.conn = nil
		p.codec = nil
		p.mu.Unlock()
		conn.Close()
	}()

	for {
		env, err := codec.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		if err := c.handleEnvelope(p, codec, env); err != nil {
			return err
		}
	}
}

func (c *Client) handleEnvelope(p *projectConn, codec *wire.Codec, env *wire.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		c.logger.Warn("bad envelope from project",
			"project", p.cfg.ID, "type", env.Type, "error", err)
		return nil
	}

	switch pl := payload.(type) {
	case *wire.DeliverPayload:
		ack := wire.MustEnvelope(wire.TypeAck, &wire.AckPayload{
			AckID: env.ID,
			Seq:   pl.Delivery.Seq,
		})
		if err := codec.WriteEnvelope(ack); err != nil {
			return fmt.Errorf("ack write failed: %w", err)
		}
		select {
		case c.inbound <- Inbound{
			ProjectID: p.cfg.ID,
			From:      env.From,
			Payload:   pl,
			MessageID: env.ID,
		}:
		default:
			c.logger.Warn("inbound queue full, dropping",
				"project", p.cfg.ID, "from", env.From)
		}
	case *wire.PingPayload:
		pong := wire.MustEnvelope(wire.TypePong, &wire.PongPayload{Nonce: pl.Nonce})
		if err := codec.WriteEnvelope(pong); err != nil {
			return fmt.Errorf("pong write failed: %w", err)
		}
	case *wire.ErrorPayload:
		c.logger.Warn("project error",
			"project", p.cfg.ID, "code", pl.Code, "message", pl.Message)
		if pl.Fatal {
			return fmt.Errorf("fatal protocol error: %s", pl.Code)
		}
	case *wire.BusyPayload:
		c.logger.Warn("project backpressure",
			"project", p.cfg.ID, "retryAfterMs", pl.RetryAfterMS)
	default:
		// NACKs, LOGs and sync frames are observational for the bridge.
	}
	return nil
}

// SendToProject sends one message to a named agent in one project.
// Returns false when the project is unknown or currently disconnected.
func (c *Client) SendToProject(projectID, agent, message string) bool {
	c.mu.Lock()
	p, ok := c.projects[projectID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.sendOn(p, agent, message)
}

// BroadcastToLeads sends a message to each project's configured lead
// agent. Returns the count of projects that accepted the write.
func (c *Client) BroadcastToLeads(message string) int {
	sent := 0
	for _, p := range c.snapshotConns() {
		if p.cfg.Lead == "" {
			continue
		}
		if c.sendOn(p, p.cfg.Lead, message) {
			sent++
		}
	}
	return sent
}

// BroadcastAll fans a message out to every agent of every connected
// project.
func (c *Client) BroadcastAll(message string) int {
	sent := 0
	for _, p := range c.snapshotConns() {
		if c.sendOn(p, wire.BroadcastTo, message) {
			sent++
		}
	}
	return sent
}

func (c *Client) snapshotConns() []*projectConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := make([]*projectConn, 0, len(c.projects))
	for _, p := range c.projects {
		conns = append(conns, p)
	}
	return conns
}

func (c *Client) sendOn(p *projectConn, to, message string) bool {
	p.mu.Lock()
	codec := p.codec
	p.mu.Unlock()
	if codec == nil {
		return false
	}

	env, err := wire.NewEnvelope(wire.TypeSend, &wire.SendPayload{
		Kind: wire.KindMessage,
		Body: message,
	})
	if err != nil {
		return false
	}
	env.To = to
	if err := codec.WriteEnvelope(env); err != nil {
		c.logger.Warn("send failed", "project", p.cfg.ID, "to", to, "error", err)
		return false
	}
	return true
}

// States returns the current per-project connection snapshot.
func (c *Client) States() map[string]ProjectState {
	states := make(map[string]ProjectState)
	for _, p := range c.snapshotConns() {
		p.mu.Lock()
		states[p.cfg.ID] = ProjectState{
			Connected:    p.connected,
			Reconnecting: p.reconnecting,
			LeadName:     p.cfg.Lead,
		}
		p.mu.Unlock()
	}
	return states
}

// writeState persists the project snapshot for UI consumption. Best
// effort; failures are logged, never fatal.
func (c *Client) writeState() {
	if c.stateFile == "" {
		return
	}
	data, err := json.MarshalIndent(c.States(), "", "  ")
	if err != nil {
		return
	}
	if err := storage.WriteFileAtomic(c.stateFile, data); err != nil {
		c.logger.Warn("failed to write bridge state", "error", err)
	}
}

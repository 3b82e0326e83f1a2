package daemon

import (
	"errors"
	"io"
	"log/slog"

	"github.com/relaymesh/relaymesh/internal/router"
	"github.com/relaymesh/relaymesh/internal/session"
	"github.com/relaymesh/relaymesh/pkg/wire"
)

// conn drives one transport (unix socket or websocket) through the
// relay protocol: handshake, then a reader dispatching inbound
// envelopes and a writer draining the session's outbound queue.
type conn struct {
	d      *Daemon
	codec  *wire.Codec
	closer io.Closer
	logger *slog.Logger

	sess *session.Session
}

func (d *Daemon) serveConn(rwc io.ReadWriteCloser) {
	c := &conn{
		d:      d,
		codec:  wire.NewCodec(rwc, d.cfg.MaxFrameBytes),
		closer: rwc,
		logger: d.logger.With("component", "conn"),
	}
	defer rwc.Close()

	if err := c.handshake(); err != nil {
		c.logger.Debug("handshake failed", "error", err)
		return
	}
	c.logger = c.logger.With("agent", c.sess.Agent, "session", c.sess.ID)

	writerDone := make(chan struct{})
	writerStop := make(chan struct{})
	go c.writeLoop(writerDone, writerStop)

	c.readLoop()
	// The reader decided the session's fate. A suspended session keeps
	// its outbound queue for replay, so the writer is stopped by signal
	// rather than by channel close.
	rwc.Close()
	close(writerStop)
	<-writerDone
}

// handshake expects HELLO (fresh or resume-token) or a bare RESUME as
// the first frame. Protocol violations get an ERROR frame back before
// the transport closes.
func (c *conn) handshake() error {
	env, err := c.codec.ReadEnvelope()
	if err != nil {
		var perr *wire.ProtocolError
		if errors.As(err, &perr) {
			c.writeError(perr)
		}
		return err
	}

	switch env.Type {
	case wire.TypeHello:
		return c.handleHello(env)
	case wire.TypeResume:
		return c.handleResume(env)
	default:
		perr := wire.FatalBadRequest("expected HELLO, got %s", env.Type)
		c.writeError(perr)
		return perr
	}
}

func (c *conn) handleHello(env *wire.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		c.writeProtocolErr(err)
		return err
	}
	hello, ok := payload.(*wire.HelloPayload)
	if !ok {
		perr := wire.FatalBadRequest("malformed HELLO payload")
		c.writeError(perr)
		return perr
	}

	sess, welcome, err := c.d.router.Hello(hello)
	if err != nil {
		c.writeProtocolErr(err)
		return err
	}
	c.sess = sess

	out := wire.MustEnvelope(wire.TypeWelcome, welcome)
	out.To = sess.Agent
	return c.codec.WriteEnvelope(out)
}

func (c *conn) handleResume(env *wire.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		c.writeProtocolErr(err)
		return err
	}
	resume, ok := payload.(*wire.ResumePayload)
	if !ok || env.From == "" {
		perr := wire.FatalBadRequest("RESUME requires from and resume_token")
		c.writeError(perr)
		return perr
	}

	// The router queues the replay before returning, so the writer
	// drains snapshot, delta, and replayed DELIVERs ahead of anything
	// routed after the resume.
	sess, welcome, err := c.d.router.ResumeWithPoint(env.From, resume.ResumeToken, resume.LastAckedSeq)
	if err != nil {
		c.writeProtocolErr(err)
		return err
	}
	c.sess = sess

	out := wire.MustEnvelope(wire.TypeWelcome, welcome)
	out.To = sess.Agent
	return c.codec.WriteEnvelope(out)
}

func (c *conn) writeLoop(done chan<- struct{}, stop <-chan struct{}) {
	defer close(done)
	outbound := c.sess.Outbound()
	for {
		select {
		case env, ok := <-outbound:
			if !ok {
				return
			}
			if err := c.codec.WriteEnvelope(env); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.closer.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *conn) readLoop() {
	for {
		env, err := c.codec.ReadEnvelope()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				// Malformed frame: tell the peer, keep the session.
				c.writeError(perr)
				if !perr.Fatal {
					continue
				}
				c.d.router.CloseSession(c.sess, perr.Message)
				return
			}
			// Transport gone: suspend when resumable, close otherwise.
			c.d.router.Disconnect(c.sess, "transport closed")
			return
		}
		if done := c.dispatch(env); done {
			return
		}
	}
}

// dispatch handles one inbound envelope. Returns true when the
// connection must stop serving.
func (c *conn) dispatch(env *wire.Envelope) bool {
	payload, err := env.DecodePayload()
	if err != nil {
		c.writeProtocolErr(err)
		return false
	}

	switch p := payload.(type) {
	case *wire.HelloPayload:
		// Second HELLO on a live connection is a protocol violation.
		perr := wire.FatalBadRequest("duplicate HELLO for %s", c.sess.Agent)
		c.writeError(perr)
		c.d.router.CloseSession(c.sess, "duplicate HELLO")
		return true

	case *wire.SendPayload:
		c.handleSend(env, p)

	case *wire.AckPayload:
		c.sess.Ack(p)

	case *wire.NackPayload:
		c.handleNack(env, p)

	case *wire.PingPayload:
		pong := wire.MustEnvelope(wire.TypePong, &wire.PongPayload{Nonce: p.Nonce})
		if err := c.sess.Queue(pong); err != nil {
			c.logger.Debug("pong dropped", "error", err)
		}

	case *wire.PongPayload:
		if err := c.sess.RecordPong(p.Nonce); err != nil {
			c.logger.Debug("stray pong", "nonce", p.Nonce)
		}

	case *wire.SubscribePayload:
		if err := c.d.router.Subscribe(c.sess, p.Topics); err != nil {
			c.writeProtocolErr(err)
		}

	case *wire.UnsubscribePayload:
		c.d.router.Unsubscribe(c.sess, p.Topics)

	case *wire.ShadowBindPayload:
		if err := c.d.router.BindShadow(c.sess, p.ShadowOf); err != nil {
			c.writeProtocolErr(err)
		}

	case *wire.ShadowUnbindPayload:
		c.d.router.UnbindShadow(c.sess, p.ShadowOf)

	case *wire.ByePayload:
		c.d.router.CloseSession(c.sess, "bye")
		return true

	case *wire.LogPayload:
		c.logger.Info("agent log",
			"level", p.Level, "message", p.Message, "fields", p.Fields)

	default:
		// WELCOME, DELIVER, BUSY etc. are server-to-client only.
		c.writeError(wire.BadRequest("unexpected %s from client", env.Type))
	}
	return false
}

// handleSend routes the message and reports every delivery failure back
// to the sender: a full direct target surfaces as BUSY, everything else
// as a NACK. Failures are never silent and never retried here.
func (c *conn) handleSend(env *wire.Envelope, p *wire.SendPayload) {
	env.From = c.sess.Agent
	results, err := c.d.router.Route(c.sess, env, p)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrAgentNotFound):
			c.queueNack(env.ID, wire.NackInvalid, err.Error())
		case errors.Is(err, router.ErrNoTopicTargets):
			c.queueNack(env.ID, wire.NackStale, err.Error())
		case errors.Is(err, router.ErrRouterClosed):
			c.writeError(&wire.ProtocolError{Code: wire.CodeInternal, Message: "shutting down", Fatal: true})
		default:
			c.writeProtocolErr(err)
		}
		return
	}

	for _, res := range results {
		if res.Err == nil {
			continue
		}
		var busy *session.BusyError
		if errors.As(res.Err, &busy) {
			b := wire.MustEnvelope(wire.TypeBusy, &wire.BusyPayload{
				RetryAfterMS: busy.RetryAfter.Milliseconds(),
				QueueDepth:   busy.QueueDepth,
			})
			b.From = res.Agent
			if qerr := c.sess.Queue(b); qerr != nil {
				c.logger.Debug("busy notice dropped", "error", qerr)
			}
			continue
		}
		c.queueNack(env.ID, deliveryNackCode(res.Err), res.Err.Error())
	}
}

// deliveryNackCode picks the NACK code for a failed delivery. BUSY is
// reserved for window backpressure, which carries a retry hint in a
// BUSY frame instead; a target that drained away is STALE and anything
// else is INVALID so the sender does not blindly retry.
func deliveryNackCode(err error) wire.NackCode {
	if errors.Is(err, session.ErrNotActive) {
		return wire.NackStale
	}
	return wire.NackInvalid
}

// handleNack drops the pending delivery and forwards the refusal to the
// original sender when it is still connected.
func (c *conn) handleNack(env *wire.Envelope, p *wire.NackPayload) {
	pending, err := c.sess.Nack(p.Seq)
	if err != nil {
		c.writeError(wire.BadRequest("NACK for unknown seq %d", p.Seq))
		return
	}
	origin := pending.Envelope.From
	if origin == "" {
		return
	}
	sender, ok := c.d.router.Lookup(origin)
	if !ok {
		return
	}
	notice := wire.MustEnvelope(wire.TypeNack, &wire.NackPayload{
		AckID:  pending.Envelope.ID,
		Seq:    p.Seq,
		Code:   p.Code,
		Reason: p.Reason,
	})
	notice.From = c.sess.Agent
	if err := sender.Queue(notice); err != nil {
		c.logger.Debug("nack notice dropped", "origin", origin, "error", err)
	}
}

func (c *conn) queueNack(ackID string, code wire.NackCode, reason string) {
	nack := wire.MustEnvelope(wire.TypeNack, &wire.NackPayload{
		AckID:  ackID,
		Code:   code,
		Reason: reason,
	})
	if err := c.sess.Queue(nack); err != nil {
		c.logger.Debug("nack dropped", "error", err)
	}
}

func (c *conn) writeProtocolErr(err error) {
	c.writeError(wire.AsProtocolError(err))
}

func (c *conn) writeError(perr *wire.ProtocolError) {
	env := wire.MustEnvelope(wire.TypeError, &wire.ErrorPayload{
		Code:    perr.Code,
		Message: perr.Message,
		Fatal:   perr.Fatal,
	})
	if err := c.codec.WriteEnvelope(env); err != nil {
		c.logger.Debug("error frame dropped", "error", err)
	}
}

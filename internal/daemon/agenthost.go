package daemon

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/relaymesh/relaymesh/internal/term"
	"github.com/relaymesh/relaymesh/internal/worker"
	"github.com/relaymesh/relaymesh/pkg/wire"
)

// hostSet runs one agent host per spawned worker: a loopback relay
// connection that turns the worker's terminal directives into protocol
// traffic and injects deliveries back into its terminal. Workers go
// through the same socket and session rules as external agents.
type hostSet struct {
	d      *Daemon
	logger *slog.Logger
}

func newHostSet(d *Daemon) *hostSet {
	return &hostSet{d: d, logger: d.logger.With("component", "agenthost")}
}

func (h *hostSet) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.d.supervisor.Events():
			if ev.Kind != worker.EventSpawned {
				continue
			}
			wrapper, ok := h.d.supervisor.Lookup(ev.Name)
			if !ok {
				// Shadow role, no process to host.
				continue
			}
			go h.host(ctx, ev.Name, wrapper)
		}
	}
}

// host keeps one worker attached to the relay for as long as its
// process lives, redialing when the loopback transport drops.
func (h *hostSet) host(ctx context.Context, name string, wrapper *term.Wrapper) {
	logger := h.logger.With("agent", name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wrapper.Done():
			return
		default:
		}
		if err := h.serve(ctx, name, wrapper); err != nil {
			logger.Warn("agent host connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-wrapper.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *hostSet) serve(ctx context.Context, name string, wrapper *term.Wrapper) error {
	conn, err := net.Dial("unix", h.d.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	codec := wire.NewCodec(conn, h.d.cfg.MaxFrameBytes)

	record, _ := h.d.workers.Get(name)
	hello, err := wire.NewEnvelope(wire.TypeHello, &wire.HelloPayload{
		Agent: name,
		CLI:   record.CLI,
		Capabilities: &wire.Capabilities{
			Ack:         true,
			MaxInflight: 32,
		},
	})
	if err != nil {
		return err
	}
	if err := codec.WriteEnvelope(hello); err != nil {
		return err
	}
	if welcome, err := codec.ReadEnvelope(); err != nil {
		return err
	} else if welcome.Type != wire.TypeWelcome {
		return &wire.ProtocolError{Code: wire.CodeInternal,
			Message: "expected WELCOME, got " + string(welcome.Type)}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Directive pump: terminal output becomes protocol traffic.
	stopPump := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		if exited := h.pumpDirectives(name, wrapper, codec, stopPump); exited {
			// Terminal closed: the worker is gone, say goodbye.
			bye := wire.MustEnvelope(wire.TypeBye, &wire.ByePayload{Reason: "worker exited"})
			_ = codec.WriteEnvelope(bye)
			conn.Close()
		}
	}()
	defer func() {
		close(stopPump)
		<-pumpDone
	}()

	for {
		env, err := codec.ReadEnvelope()
		if err != nil {
			return err
		}
		payload, err := env.DecodePayload()
		if err != nil {
			continue
		}
		switch p := payload.(type) {
		case *wire.DeliverPayload:
			if err := wrapper.Inject(env.From, p.Body); err != nil {
				h.logger.Warn("inject failed", "agent", name, "error", err)
			}
			ack := wire.MustEnvelope(wire.TypeAck, &wire.AckPayload{
				AckID: env.ID,
				Seq:   p.Delivery.Seq,
			})
			if err := codec.WriteEnvelope(ack); err != nil {
				return err
			}
		case *wire.PingPayload:
			pong := wire.MustEnvelope(wire.TypePong, &wire.PongPayload{Nonce: p.Nonce})
			if err := codec.WriteEnvelope(pong); err != nil {
				return err
			}
		case *wire.ErrorPayload:
			if p.Fatal {
				return &wire.ProtocolError{Code: p.Code, Message: p.Message, Fatal: true}
			}
			h.logger.Warn("protocol error for worker",
				"agent", name, "code", p.Code, "message", p.Message)
		case *wire.BusyPayload:
			// Backpressure notices end up in the worker's terminal so
			// the agent can react.
			_ = wrapper.Inject("relay", "target busy, retry in "+
				(time.Duration(p.RetryAfterMS)*time.Millisecond).String())
		case *wire.NackPayload:
			_ = wrapper.Inject("relay", "delivery refused: "+string(p.Code))
		}
	}
}

// pumpDirectives translates parsed terminal directives into sends,
// spawns, and releases. Returns true when the wrapper's directive
// stream closed (the process exited), false when stop fired first so a
// redial can pick up where this connection left off.
func (h *hostSet) pumpDirectives(name string, wrapper *term.Wrapper, codec *wire.Codec, stop <-chan struct{}) bool {
	for {
		var d term.Directive
		var ok bool
		select {
		case <-stop:
			return false
		case d, ok = <-wrapper.Directives():
			if !ok {
				return true
			}
		}
		switch d.Kind {
		case term.DirectiveSend:
			env := wire.MustEnvelope(wire.TypeSend, &wire.SendPayload{
				Kind: wire.KindMessage,
				Body: d.Body,
			})
			env.To = d.To
			env.Topic = d.Topic
			if err := codec.WriteEnvelope(env); err != nil {
				h.logger.Warn("directive send failed", "agent", name, "error", err)
				return false
			}
		case term.DirectiveSpawn:
			res := h.d.supervisor.Spawn(worker.SpawnRequest{
				Name:          d.Spawn.Name,
				CLI:           d.Spawn.CLI,
				Task:          d.Spawn.Task,
				Team:          d.Spawn.Team,
				Cwd:           d.Spawn.Cwd,
				SpawnerName:   name,
				ShadowOf:      d.Spawn.ShadowOf,
				ShadowSpeakOn: d.Spawn.ShadowSpeakOn,
			})
			if !res.Success {
				reason := res.Error
				if res.PolicyDecision != nil {
					reason = res.PolicyDecision.Reason
				}
				_ = wrapper.Inject("relay", "spawn "+d.Spawn.Name+" failed: "+reason)
			}
		case term.DirectiveRelease:
			if !h.d.supervisor.Release(d.Release.Name, d.Release.Force) {
				_ = wrapper.Inject("relay", "no worker named "+d.Release.Name)
			}
		}
	}
}

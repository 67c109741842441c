// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package core implements the diagnostic core (C9): lifecycle wiring of
// every other component in dependency order, and the single cooperative
// process() loop that drives them all from one foreground context.
//
// Grounded on the teacher's cs104.Server/Client construction (a fixed
// sequence of field initialization culminating in a single Run loop that
// polls a connection, a set of timers, and a message dispatcher) —
// generalized from one TCP connection's lifecycle into the C1..C8
// dependency chain spec §5 names explicitly.
package core

import (
	"errors"
	"sync/atomic"

	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
	"github.com/marrasen/go-udsstack/dtc"
	"github.com/marrasen/go-udsstack/frame"
	"github.com/marrasen/go-udsstack/isotp"
	"github.com/marrasen/go-udsstack/security"
	"github.com/marrasen/go-udsstack/session"
	"github.com/marrasen/go-udsstack/uds"
)

// WheelConfig configures C1.
type WheelConfig struct {
	PollIntervalMs uint32
	Capacity       int
	NowFn          func() uint32 // injectable clock for deterministic tests; nil uses wall-clock time
}

// LogConfig configures C8.
type LogConfig struct {
	Prefix             string
	ErrorCapacity      int
	TransitionCapacity int
	ReplayCapacity     int
}

// Config aggregates every subsystem's configuration plus the transport
// binding, matching the init(config) contract of spec §5.
type Config struct {
	Wheel         WheelConfig
	Logs          LogConfig
	ISOTP         isotp.Config
	Session       session.Config
	Security      security.Config
	DTC           dtc.Config
	Services      uds.ServiceConfig
	Transport     frame.Transport
	AcceptedIDs   []uint32
	QueueCapacity int
}

// Stats are free-running performance counters (spec §6's perf counters,
// supplemented from the original implementation's diag_stats.c). They are
// updated both from the producer (on_frame) and consumer (process())
// sides, so every field is accessed through sync/atomic.
type Stats struct {
	framesReceived      uint64
	framesDropped       uint64
	messagesReassembled uint64
	messagesDispatched  uint64
	responsesSent       uint64
	protocolErrors      uint64
	processCalls        uint64
}

func (s *Stats) FramesReceived() uint64      { return atomic.LoadUint64(&s.framesReceived) }
func (s *Stats) FramesDropped() uint64       { return atomic.LoadUint64(&s.framesDropped) }
func (s *Stats) MessagesReassembled() uint64 { return atomic.LoadUint64(&s.messagesReassembled) }
func (s *Stats) MessagesDispatched() uint64  { return atomic.LoadUint64(&s.messagesDispatched) }
func (s *Stats) ResponsesSent() uint64       { return atomic.LoadUint64(&s.responsesSent) }
func (s *Stats) ProtocolErrors() uint64      { return atomic.LoadUint64(&s.protocolErrors) }
func (s *Stats) ProcessCalls() uint64        { return atomic.LoadUint64(&s.processCalls) }

var ErrNoTransport = errors.New("core: Config.Transport is nil")

// Core owns every subsystem and the foreground process() loop.
type Core struct {
	cfg       Config
	wheel     *clock.Wheel
	logs      *diaglog.Logs
	queue     *frame.Queue
	filter    *frame.AcceptanceFilter
	transport frame.Transport
	engine    *isotp.Engine
	sessions  *session.Manager
	secMgr    *security.Manager
	dtcStore  *dtc.Store
	router    *uds.Router
	stats     Stats

	completed   [][]byte // messages reassembled but not yet dispatched (spec §5 FIFO ordering)
	pendingTx   *uds.PendingTransaction
	pendingTimer clock.ID
}

// Init constructs every subsystem in dependency order C1, C8, C2, C3, C4,
// C5, C7, C6 and wires their cross-component callbacks.
func Init(cfg Config) (*Core, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if err := cfg.ISOTP.Valid(); err != nil {
		return nil, err
	}

	c := &Core{cfg: cfg}

	// C1
	if cfg.Wheel.NowFn != nil {
		c.wheel = clock.NewWithClock(cfg.Wheel.PollIntervalMs, cfg.Wheel.Capacity, cfg.Wheel.NowFn)
	} else {
		c.wheel = clock.New(cfg.Wheel.PollIntervalMs, cfg.Wheel.Capacity)
	}

	// C8
	c.logs = diaglog.NewLogs(cfg.Logs.Prefix, cfg.Logs.ErrorCapacity, cfg.Logs.TransitionCapacity, cfg.Logs.ReplayCapacity)

	// C2
	c.filter = frame.NewAcceptanceFilter(cfg.AcceptedIDs...)
	c.transport = cfg.Transport
	qCap := cfg.QueueCapacity
	if qCap == 0 {
		qCap = 64
	}
	c.queue = frame.NewQueue(qCap)
	c.transport.SetReceiveCallback(func(f frame.Frame) {
		atomic.AddUint64(&c.stats.framesReceived, 1)
		if !c.queue.Push(f) {
			atomic.AddUint64(&c.stats.framesDropped, 1)
		}
	})

	// C3
	c.engine = isotp.New(cfg.ISOTP, c.transport, c.wheel, c.logs, c.onMessage, c.onProtocolError)

	// C4
	c.sessions = session.New(cfg.Session, c.wheel, c.logs, c.onDefaultEntered)

	// C5
	c.secMgr = security.New(cfg.Security, c.wheel, c.logs)

	// C7
	c.dtcStore = dtc.New(cfg.DTC, c.wheel, c.logs, nil, c.onDTCBroadcast)

	// C6
	c.router = uds.NewRouter(c.sessions, c.secMgr, c.logs)
	for _, route := range uds.BuildStandardRoutes(cfg.Services, c.sessions, c.secMgr) {
		if err := c.router.Register(route); err != nil {
			return nil, err
		}
	}
	c.router.Seal()

	return c, nil
}

// onDefaultEntered implements spec §4.4/§4.5's coupling: a transition to
// the default session clears granted security and resets ISO-TP.
func (c *Core) onDefaultEntered() {
	c.secMgr.ResetOnSessionDefault()
	c.engine.Reset()
}

func (c *Core) onProtocolError(err error) {
	atomic.AddUint64(&c.stats.protocolErrors, 1)
}

// onMessage is the ISO-TP engine's reassembly-complete callback. It never
// dispatches directly; it queues, preserving §5's "consumed in arrival
// order, at most one newly-completed request dispatched per process()
// call" rule.
func (c *Core) onMessage(payload []byte) {
	atomic.AddUint64(&c.stats.messagesReassembled, 1)
	msg := append([]byte(nil), payload...)
	c.completed = append(c.completed, msg)
}

// onDTCBroadcast is handed to the DTC store; a real ECU would format this
// into a DM1-style CAN broadcast and hand it to the transport. The
// formatter itself is out of scope (spec §1); this stub is the seam a
// concrete deployment wires.
func (c *Core) onDTCBroadcast(failing []dtc.Record) {}

// Deinit reverses Init, in the teacher's Server.Close idiom. It cancels the
// response-pending poll timer; the timers armed by the session manager, the
// ISO-TP engine and the DTC store are not canceled.
func (c *Core) Deinit() {
	c.wheel.Cancel(c.pendingTimer)
}

// Process runs one foreground tick: drain received frames through C3,
// dispatch at most one newly-completed request, drive C1 (which in turn
// drives C4/C7's own armed timers), per spec §5.
func (c *Core) Process() {
	atomic.AddUint64(&c.stats.processCalls, 1)

	for {
		f, ok := c.queue.Pop()
		if !ok {
			break
		}
		if !c.filter.Accepts(f.ID) {
			continue
		}
		c.engine.HandleFrame(f)
	}

	if c.pendingTx != nil {
		// a response-pending transaction is already in flight; it is driven
		// by pendingTimer, not by newly arrived requests.
	} else if len(c.completed) > 0 {
		msg := c.completed[0]
		c.completed = c.completed[1:]
		c.dispatch(msg)
	}

	c.wheel.Process()
}

func (c *Core) dispatch(raw []byte) {
	atomic.AddUint64(&c.stats.messagesDispatched, 1)
	now := c.wheel.NowMs()
	result := c.router.Dispatch(raw, now)
	if result.Send != nil {
		c.send(result.Send)
	}
	if result.Pending != nil {
		c.pendingTx = result.Pending
		c.armPendingPoll()
	}
	// spec §8: "after S3_ms without a tester-present or any service request,
	// current session equals Default" — any dispatched request restarts S3,
	// not just 0x3E TesterPresent. A no-op in Default (S3 is disarmed there).
	c.sessions.TesterPresent()
	if c.logs != nil {
		c.logs.RecordExchange(now, raw, result.Send)
	}
}

func (c *Core) armPendingPoll() {
	interval := c.sessions.Record().P2StarMs
	if interval == 0 {
		interval = 5000
	}
	c.pendingTimer = c.wheel.StartPeriodic(clock.KindP2, interval, func(id clock.ID, ctx interface{}) {
		c.pollPending()
	}, nil)
}

func (c *Core) pollPending() {
	if c.pendingTx == nil {
		c.wheel.Cancel(c.pendingTimer)
		return
	}
	result := c.pendingTx.Poll()
	switch result.Outcome {
	case uds.Pending:
		c.send(uds.EncodeNegative(c.pendingTx.SID(), uds.NRCResponsePending))
		return
	case uds.Negative:
		c.send(uds.EncodeNegative(c.pendingTx.SID(), result.NRC))
	default:
		if !c.pendingTx.SuppressPositive() {
			c.send(uds.EncodePositive(c.pendingTx.SID(), result.Payload))
		}
	}
	c.wheel.Cancel(c.pendingTimer)
	c.pendingTx = nil
}

func (c *Core) send(data []byte) {
	if err := c.engine.Send(data); err != nil {
		c.onProtocolError(err)
		return
	}
	atomic.AddUint64(&c.stats.responsesSent, 1)
}

// Stats returns a snapshot accessor for the perf counters.
func (c *Core) Stats() *Stats { return &c.stats }

// Sessions exposes the session manager, e.g. for a cmd wiring tester-present
// keepalives from outside the transport path.
func (c *Core) Sessions() *session.Manager { return c.sessions }

// Security exposes the security manager.
func (c *Core) Security() *security.Manager { return c.secMgr }

// DTCStore exposes the DTC store, e.g. for fault injection in tests or a
// background health-monitor task calling SetStatus.
func (c *Core) DTCStore() *dtc.Store { return c.dtcStore }

// Logs exposes the bounded diagnostic logs.
func (c *Core) Logs() *diaglog.Logs { return c.logs }

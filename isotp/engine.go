// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package isotp

import (
	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
	"github.com/marrasen/go-udsstack/frame"
)

// RxState is the receive-side state of one ISO-TP session.
type RxState int

const (
	RxIdle RxState = iota
	RxAssembling
)

// TxState is the transmit-side state of one ISO-TP session.
type TxState int

const (
	TxIdle TxState = iota
	TxAwaitingFlowControl
	TxSending
)

type rxSession struct {
	state        RxState
	expectedLen  int
	offset       int
	buf          []byte
	seq          byte
	blockCounter uint32
	deadline     clock.ID
}

type txSession struct {
	state        TxState
	payload      []byte
	offset       int
	seq          byte
	stminMs      uint32
	blockSize    uint32
	blockCounter uint32
	deadline     clock.ID
	gap          clock.ID
}

// Engine is the ISO-TP segmentation engine (C3): one instance owns at most
// one in-flight reassembly and one in-flight transmission, per spec §3's
// "at most one ISO-TP session per direction, at most one active".
type Engine struct {
	cfg   Config
	sink  frame.Sink
	wheel *clock.Wheel
	logs  *diaglog.Logs

	rx rxSession
	tx txSession

	onMessage func(payload []byte)
	onError   func(err error)
}

// New constructs an Engine. onMessage is invoked synchronously from
// HandleFrame when a full message has been reassembled; onError
// is invoked whenever a ProtocolError/TimingError from spec §7 occurs.
func New(cfg Config, sink frame.Sink, wheel *clock.Wheel, logs *diaglog.Logs, onMessage func([]byte), onError func(error)) *Engine {
	return &Engine{cfg: cfg, sink: sink, wheel: wheel, logs: logs, onMessage: onMessage, onError: onError}
}

func (e *Engine) raise(err error) {
	if e.onError != nil {
		e.onError(err)
	}
	if e.logs != nil {
		e.logs.RecordError(e.wheel.NowMs(), diaglog.CategoryProtocol, "ISOTP", err.Error())
	}
}

func (e *Engine) send(data []byte) {
	if err := e.sink.SendFrame(frame.Frame{ID: e.cfg.TxID, Data: data, DLC: uint8(len(data)), FD: e.cfg.FD}); err != nil {
		e.raise(err)
	}
}

// --- Receive path --------------------------------------------------------

// HandleFrame processes one inbound frame addressed to this session's
// rx_id. It never blocks.
func (e *Engine) HandleFrame(f frame.Frame) {
	if len(f.Data) == 0 {
		return
	}
	switch pciType(f.Data[0] >> 4) {
	case pciSingleFrame:
		e.handleSingleFrame(f.Data)
	case pciFirstFrame:
		e.handleFirstFrame(f.Data)
	case pciConsecutiveFrame:
		e.handleConsecutiveFrame(f.Data)
	case pciFlowControl:
		e.handleFlowControl(f.Data)
	default:
		e.raise(ErrInvalidPci)
	}
}

func (e *Engine) handleSingleFrame(data []byte) {
	payload, ok := decodeSingleFrame(data, e.cfg.FD)
	if !ok {
		return // spec §4.3: invalid SF is dropped silently, no state change
	}
	if e.onMessage != nil {
		e.onMessage(payload)
	}
}

func (e *Engine) handleFirstFrame(data []byte) {
	totalLen, chunk, ok := decodeFirstFrame(data)
	if !ok {
		e.raise(ErrInvalidPci)
		return
	}
	if e.rx.state == RxAssembling {
		// a second First-Frame while Assembling aborts the first (spec §3 invariant)
		e.wheel.Cancel(e.rx.deadline)
	}
	if totalLen > e.cfg.MaxReceiveLen {
		e.sendFlowControl(FlowOvflw)
		e.rx.state = RxIdle
		return
	}
	e.rx.state = RxAssembling
	e.rx.expectedLen = totalLen
	e.rx.buf = make([]byte, 0, totalLen)
	n := len(chunk)
	if n > totalLen {
		n = totalLen
	}
	e.rx.buf = append(e.rx.buf, chunk[:n]...)
	e.rx.offset = len(e.rx.buf)
	e.rx.seq = 1
	e.rx.blockCounter = e.cfg.BlockSize

	if e.rx.offset >= e.rx.expectedLen {
		e.deliverRx()
		return
	}
	e.sendFlowControl(FlowCTS)
	e.armRxDeadline()
}

func (e *Engine) handleConsecutiveFrame(data []byte) {
	if e.rx.state != RxAssembling {
		return
	}
	seq, chunk, ok := decodeConsecutiveFrame(data)
	if !ok {
		e.raise(ErrInvalidPci)
		return
	}
	if seq != e.rx.seq {
		e.abortRx(ErrSequenceError)
		return
	}
	remaining := e.rx.expectedLen - e.rx.offset
	n := len(chunk)
	if n > remaining {
		n = remaining
	}
	e.rx.buf = append(e.rx.buf, chunk[:n]...)
	e.rx.offset += n
	e.rx.seq = (e.rx.seq + 1) % 16

	if e.rx.offset >= e.rx.expectedLen {
		e.deliverRx()
		return
	}

	if e.cfg.BlockSize > 0 {
		e.rx.blockCounter--
		if e.rx.blockCounter == 0 {
			e.sendFlowControl(FlowCTS)
			e.rx.blockCounter = e.cfg.BlockSize
		}
	}
	e.armRxDeadline()
}

func (e *Engine) deliverRx() {
	e.wheel.Cancel(e.rx.deadline)
	payload := e.rx.buf
	e.rx.state = RxIdle
	e.rx.buf = nil
	if e.onMessage != nil {
		e.onMessage(payload)
	}
}

func (e *Engine) abortRx(err error) {
	e.wheel.Cancel(e.rx.deadline)
	e.rx.state = RxIdle
	e.rx.buf = nil
	e.raise(err)
}

func (e *Engine) armRxDeadline() {
	e.rx.deadline = e.wheel.Start(clock.KindISOTPRx, e.cfg.RxTimeoutMs, func(id clock.ID, ctx interface{}) {
		if e.rx.state == RxAssembling && e.rx.deadline == id {
			e.abortRx(ErrTimeout)
		}
	}, nil)
}

func (e *Engine) sendFlowControl(fs FlowStatus) {
	e.send(encodeFlowControl(fs, byte(e.cfg.BlockSize), STminEncode(e.cfg.STminMs)))
}

// --- Transmit path -------------------------------------------------------

// Send begins transmission of payload (1..4095 bytes). Returns an error
// immediately if a transmission is already in flight.
func (e *Engine) Send(payload []byte) error {
	if e.tx.state != TxIdle {
		return ErrBufferExhausted
	}
	if len(payload) <= e.cfg.maxSingleFrameLen() {
		e.send(encodeSingleFrame(payload, e.cfg.FD))
		return nil
	}
	e.tx.payload = payload
	e.tx.state = TxAwaitingFlowControl
	chunkLen := e.cfg.ffChunkLen()
	if chunkLen > len(payload) {
		chunkLen = len(payload)
	}
	e.send(encodeFirstFrame(len(payload), payload[:chunkLen]))
	e.tx.offset = chunkLen
	e.tx.seq = 1
	e.armTxDeadline()
	return nil
}

func (e *Engine) handleFlowControl(data []byte) {
	fs, bs, stmin, ok := decodeFlowControl(data)
	if !ok {
		e.raise(ErrInvalidPci)
		return
	}
	if e.tx.state != TxAwaitingFlowControl {
		return
	}
	switch fs {
	case FlowCTS:
		e.wheel.Cancel(e.tx.deadline)
		e.tx.state = TxSending
		e.tx.blockSize = uint32(bs)
		e.tx.blockCounter = uint32(bs)
		e.tx.stminMs = STminDecodeMs(stmin)
		e.sendNextConsecutiveFrame()
	case FlowWait:
		e.wheel.Restart(e.tx.deadline, e.cfg.TxTimeoutMs)
	case FlowOvflw:
		e.abortTx(ErrOverflow)
	default:
		e.raise(ErrInvalidPci)
	}
}

func (e *Engine) sendNextConsecutiveFrame() {
	chunkLen := e.cfg.cfChunkLen()
	remaining := len(e.tx.payload) - e.tx.offset
	if chunkLen > remaining {
		chunkLen = remaining
	}
	chunk := e.tx.payload[e.tx.offset : e.tx.offset+chunkLen]
	e.send(encodeConsecutiveFrame(e.tx.seq, chunk))
	e.tx.offset += chunkLen
	e.tx.seq = (e.tx.seq + 1) % 16

	if e.tx.offset >= len(e.tx.payload) {
		e.finishTx()
		return
	}
	if e.tx.blockSize > 0 {
		e.tx.blockCounter--
		if e.tx.blockCounter == 0 {
			e.tx.state = TxAwaitingFlowControl
			e.armTxDeadline()
			return
		}
	}
	e.armTxGap()
}

func (e *Engine) finishTx() {
	e.wheel.Cancel(e.tx.gap)
	e.wheel.Cancel(e.tx.deadline)
	e.tx.state = TxIdle
	e.tx.payload = nil
}

func (e *Engine) abortTx(err error) {
	e.wheel.Cancel(e.tx.gap)
	e.wheel.Cancel(e.tx.deadline)
	e.tx.state = TxIdle
	e.tx.payload = nil
	e.raise(err)
}

func (e *Engine) armTxDeadline() {
	e.tx.deadline = e.wheel.Start(clock.KindISOTPTx, e.cfg.TxTimeoutMs, func(id clock.ID, ctx interface{}) {
		if e.tx.state == TxAwaitingFlowControl && e.tx.deadline == id {
			e.abortTx(ErrTimeout)
		}
	}, nil)
}

// armTxGap arms the minimum inter-frame gap (STmin is a minimum, never a
// maximum, per spec §4.3 — the engine may send later but never earlier).
func (e *Engine) armTxGap() {
	e.tx.gap = e.wheel.Start(clock.KindISOTPTx, e.tx.stminMs, func(id clock.ID, ctx interface{}) {
		if e.tx.state == TxSending && e.tx.gap == id {
			e.sendNextConsecutiveFrame()
		}
	}, nil)
}

// RxState reports the current receive-side state, for tests and introspection.
func (e *Engine) RxState() RxState { return e.rx.state }

// TxState reports the current transmit-side state, for tests and introspection.
func (e *Engine) TxState() TxState { return e.tx.state }

// Idle reports whether both directions are idle.
func (e *Engine) Idle() bool { return e.rx.state == RxIdle && e.tx.state == TxIdle }

// Reset aborts any in-flight reassembly or transmission and cancels their
// timers, per spec §4.4: a session transition to Default resets ISO-TP.
func (e *Engine) Reset() {
	e.wheel.Cancel(e.rx.deadline)
	e.rx = rxSession{}
	e.wheel.Cancel(e.tx.deadline)
	e.wheel.Cancel(e.tx.gap)
	e.tx = txSession{}
}

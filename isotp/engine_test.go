// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package isotp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/go-udsstack/clock"
	"github.com/marrasen/go-udsstack/diaglog"
	"github.com/marrasen/go-udsstack/frame"
)

type captureSink struct {
	sent [][]byte
}

func (s *captureSink) SendFrame(f frame.Frame) error {
	s.sent = append(s.sent, append([]byte(nil), f.Data...))
	return nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *captureSink, *[]byte, *[]error, func(ms uint32)) {
	t.Helper()
	require.NoError(t, cfg.Valid())
	now := uint32(0)
	wheel := clock.NewWithClock(10, 32, func() uint32 { return now })
	logs := diaglog.NewLogs("test", 8, 8, 8)
	sink := &captureSink{}
	var delivered []byte
	var errs []error
	e := New(cfg, sink, wheel, logs,
		func(payload []byte) { delivered = append([]byte(nil), payload...) },
		func(err error) { errs = append(errs, err) },
	)
	advance := func(ms uint32) {
		now += ms
		wheel.Process()
	}
	return e, sink, &delivered, &errs, advance
}

func TestSingleFrameRoundTrip(t *testing.T) {
	e, sink, delivered, _, _ := newTestEngine(t, Config{RxID: 0x7E0, TxID: 0x7E8})

	require.NoError(t, e.Send([]byte{0x22, 0xF1, 0x90}))
	require.Len(t, sink.sent, 1)
	assert.Equal(t, byte(0x03), sink.sent[0][0]&0x0F, "SF length nibble")

	e.HandleFrame(frame.Frame{Data: sink.sent[0]})
	assert.Equal(t, []byte{0x22, 0xF1, 0x90}, *delivered)
}

func TestMultiFrameRoundTrip(t *testing.T) {
	e, sink, delivered, _, advance := newTestEngine(t, Config{RxID: 0x7E0, TxID: 0x7E8, BlockSize: 0, STminMs: 0})

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, e.Send(payload))
	require.Len(t, sink.sent, 1, "only the First Frame is sent before Flow Control arrives")

	// simulate the tester's Flow Control: clear to send, no block limit, minimum gap
	e.HandleFrame(frame.Frame{Data: encodeFlowControl(FlowCTS, 0, 0)})
	require.Len(t, sink.sent, 2, "the first Consecutive Frame follows immediately after Flow Control")

	for e.TxState() != TxIdle {
		advance(10)
	}
	require.Len(t, sink.sent, 3, "FF + two Consecutive Frames for a 20-byte payload")

	for _, f := range sink.sent {
		e.HandleFrame(frame.Frame{Data: f})
	}
	assert.Equal(t, payload, *delivered)
	assert.True(t, e.Idle())
}

func TestConsecutiveFrameSequenceErrorAborts(t *testing.T) {
	e, _, _, errs, _ := newTestEngine(t, Config{RxID: 0x7E0, TxID: 0x7E8})

	ff := encodeFirstFrame(20, []byte{0, 1, 2, 3, 4, 5})
	e.HandleFrame(frame.Frame{Data: ff})
	require.Equal(t, RxAssembling, e.RxState())

	// wrong sequence counter: expected 1, sending 2
	e.HandleFrame(frame.Frame{Data: encodeConsecutiveFrame(2, []byte{6, 7, 8, 9, 10, 11, 12})})

	assert.Equal(t, RxIdle, e.RxState())
	require.Len(t, *errs, 1)
	assert.Equal(t, ErrSequenceError, (*errs)[0])
}

func TestReceiveTimeoutAborts(t *testing.T) {
	e, _, _, errs, advance := newTestEngine(t, Config{RxID: 0x7E0, TxID: 0x7E8, RxTimeoutMs: 100})

	ff := encodeFirstFrame(20, []byte{0, 1, 2, 3, 4, 5})
	e.HandleFrame(frame.Frame{Data: ff})
	require.Equal(t, RxAssembling, e.RxState())

	advance(100)
	assert.Equal(t, RxIdle, e.RxState())
	require.Len(t, *errs, 1)
	assert.Equal(t, ErrTimeout, (*errs)[0])
}

func TestSecondFirstFrameAbortsPriorReassembly(t *testing.T) {
	e, _, delivered, _, _ := newTestEngine(t, Config{RxID: 0x7E0, TxID: 0x7E8})

	e.HandleFrame(frame.Frame{Data: encodeFirstFrame(20, []byte{0, 1, 2, 3, 4, 5})})
	require.Equal(t, RxAssembling, e.RxState())

	e.HandleFrame(frame.Frame{Data: encodeFirstFrame(6, []byte{9, 9, 9, 9, 9, 9})})
	require.Equal(t, RxIdle, e.RxState(), "6 bytes fits entirely in the FF's 6-byte chunk, so reassembly completes immediately")
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9}, *delivered)
}

func TestSendWhileBusyReturnsError(t *testing.T) {
	e, _, _, _, _ := newTestEngine(t, Config{RxID: 0x7E0, TxID: 0x7E8})

	payload := make([]byte, 20)
	require.NoError(t, e.Send(payload))
	require.Equal(t, TxAwaitingFlowControl, e.TxState())

	err := e.Send([]byte{0x01})
	assert.Equal(t, ErrBufferExhausted, err)
}

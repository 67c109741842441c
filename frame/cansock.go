// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package frame

import (
	"context"

	"github.com/brutella/can"
)

// CANSocketTransport binds the abstract Sink/Source contract to a real
// Linux SocketCAN interface via github.com/brutella/can, the concrete
// "equivalently CAN" backend spec §1 asks for. The core package never
// imports this file's dependency directly — only cmd/ecudemo wires it in,
// keeping the protocol stack itself transport-agnostic per spec §5.
type CANSocketTransport struct {
	bus      *can.Bus
	filter   *AcceptanceFilter
	callback ReceiveCallback
}

// NewCANSocketTransport opens a SocketCAN interface by name (e.g. "can0" or
// "vcan0" for the virtual CAN driver used in tests without real hardware).
func NewCANSocketTransport(ifName string, filter *AcceptanceFilter) (*CANSocketTransport, error) {
	bus, err := can.NewBusForInterfaceWithName(ifName)
	if err != nil {
		return nil, err
	}
	t := &CANSocketTransport{bus: bus, filter: filter}
	bus.SubscribeFunc(t.onCANFrame)
	return t, nil
}

// Run starts the underlying bus' blocking read loop; callers run it in its
// own goroutine, mirroring the teacher's pattern of isolating the blocking
// I/O loop (cs104's recvLoop/sendLoop) from the caller's control flow.
func (t *CANSocketTransport) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- t.bus.ConnectAndPublish() }()
	select {
	case <-ctx.Done():
		_ = t.bus.Disconnect()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (t *CANSocketTransport) onCANFrame(f can.Frame) {
	if t.callback == nil {
		return
	}
	if t.filter != nil && !t.filter.Accepts(f.ID) {
		return
	}
	data := make([]byte, f.Length)
	copy(data, f.Data[:f.Length])
	t.callback(Frame{ID: f.ID, Data: data, DLC: f.Length})
}

// SetReceiveCallback implements Source. The callback MUST NOT block: it is
// invoked directly from the bus' read goroutine, the equivalent of an ISR
// context for this transport.
func (t *CANSocketTransport) SetReceiveCallback(cb ReceiveCallback) {
	t.callback = cb
}

// SendFrame implements Sink.
func (t *CANSocketTransport) SendFrame(f Frame) error {
	var data [8]byte
	n := copy(data[:], f.Data)
	return t.bus.Publish(can.Frame{
		ID:     f.ID,
		Length: uint8(n),
		Data:   data,
	})
}

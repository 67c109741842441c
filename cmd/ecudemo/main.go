// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Command ecudemo wires a diagnostic core over a SocketCAN interface, with
// one example data identifier (the VIN, 0xF190), one security level and an
// ECU reset callback standing in for real ECU data. No routines or memory
// regions are configured.
//
// Grounded on the teacher's cmd/server example: flag-parsed bind address,
// one constructed server value, Run called until SIGINT, mirrored here
// onto a CAN interface name and the core's process() loop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/marrasen/go-udsstack/core"
	"github.com/marrasen/go-udsstack/dtc"
	"github.com/marrasen/go-udsstack/frame"
	"github.com/marrasen/go-udsstack/isotp"
	"github.com/marrasen/go-udsstack/security"
	"github.com/marrasen/go-udsstack/session"
	"github.com/marrasen/go-udsstack/uds"
)

func main() {
	ifName := flag.String("iface", "vcan0", "SocketCAN interface name")
	rxID := flag.Uint("rxid", 0x7E0, "ISO-TP physical request arbitration id")
	txID := flag.Uint("txid", 0x7E8, "ISO-TP physical response arbitration id")
	flag.Parse()

	var vin = []byte("1HGCM82633A004352")
	var vinMu sync.Mutex

	ecuReset := func(resetType byte) error {
		log.Printf("ECU reset requested, type 0x%02X", resetType)
		return nil
	}

	seedFn := func(level security.Level) []byte {
		return []byte{0x12, 0x34, 0x56, 0x78}
	}
	keyFn := func(level security.Level, seed []byte) []byte {
		out := make([]byte, len(seed))
		for i, b := range seed {
			out[i] = b ^ 0xFF
		}
		return out
	}

	cfg := core.Config{
		Wheel: core.WheelConfig{PollIntervalMs: 10, Capacity: 64},
		Logs:  core.LogConfig{Prefix: "ecudemo", ErrorCapacity: 64, TransitionCapacity: 64, ReplayCapacity: 32},
		ISOTP: isotp.Config{
			RxID: uint32(*rxID), TxID: uint32(*txID),
			BlockSize: 8, STminMs: 10,
		},
		Session: session.Config{Timing: session.DefaultTiming()},
		Security: security.Config{Levels: map[security.Level]security.LevelConfig{
			1: {AttemptLimit: 3, DelayMs: 10000, SeedFn: seedFn, KeyFn: keyFn},
		}},
		DTC: dtc.Config{Capacity: 200, FreezeFramesPerDTC: 2, AgingThreshold: 10, AgingCycles: 40, AutoClear: true, BroadcastIntervalMs: 1000},
		Services: uds.ServiceConfig{
			Reset: ecuReset,
			DataIdentifiers: map[uint16]uds.DataIdentifier{
				0xF190: {
					DID: 0xF190,
					ReadFn: func() ([]byte, error) {
						vinMu.Lock()
						defer vinMu.Unlock()
						return append([]byte(nil), vin...), nil
					},
					WriteFn: func(data []byte) error {
						vinMu.Lock()
						defer vinMu.Unlock()
						vin = append([]byte(nil), data...)
						return nil
					},
					RequiredSecurity: 1,
				},
			},
		},
		AcceptedIDs: []uint32{uint32(*rxID)},
	}

	transport, err := frame.NewCANSocketTransport(*ifName, nil)
	if err != nil {
		log.Fatalf("open %s: %v", *ifName, err)
	}
	cfg.Transport = transport

	c, err := core.Init(cfg)
	if err != nil {
		log.Fatalf("core.Init: %v", err)
	}
	defer c.Deinit()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("transport.Run: %v", err)
		}
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Process()
		}
	}
}

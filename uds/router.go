// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

package uds

import (
	"errors"

	"github.com/marrasen/go-udsstack/diaglog"
	"github.com/marrasen/go-udsstack/security"
	"github.com/marrasen/go-udsstack/session"
)

// Outcome is what a handler decided.
type Outcome int

const (
	Positive Outcome = iota
	Negative
	Pending
)

// Result is what a Handler returns.
type Result struct {
	Outcome Outcome
	NRC     byte
	Payload []byte // positive-response service-specific bytes, excluding the sid+0x40 byte
}

// Request is what a Handler receives. It is re-delivered on every Poll call
// while the handler is in Pending state, unchanged except that FirstCall is
// false on every Poll; a stateful handler
// tracks its own progress via a closure (spec §5: "long-running handlers
// must be cooperative").
type Request struct {
	SID              byte
	HasSubFunction   bool
	SubFunction      byte // with the suppress bit already masked off
	SuppressPositive bool
	Payload          []byte // service-specific bytes, after sid (and sub-function, if any)
	Raw              []byte
	ArrivalTS        uint32
	Session          session.ID
	Security         security.Level
	FirstCall        bool
}

// HandlerFunc processes one request (or re-polls a pending one).
type HandlerFunc func(req Request) Result

// LengthPredicate validates the full raw message.
type LengthPredicate func(raw []byte) bool

// AtLeast returns a LengthPredicate requiring at least n bytes.
func AtLeast(n int) LengthPredicate {
	return func(raw []byte) bool { return len(raw) >= n }
}

// Exactly returns a LengthPredicate requiring exactly n bytes.
func Exactly(n int) LengthPredicate {
	return func(raw []byte) bool { return len(raw) == n }
}

// Route is one entry of the fixed service table (spec §4.6).
type Route struct {
	SID                 byte
	HasSubFunction      bool
	AllowedSubFunctions map[byte]struct{}       // nil/empty = any
	AllowedSessions     map[session.ID]struct{} // nil/empty = any
	RequiredSecurity    security.Level
	LengthOK            LengthPredicate
	Handler             HandlerFunc
	SuppressAllowed     bool // whether the "suppress positive response" bit is honored for this service
}

var (
	ErrRouterSealed   = errors.New("uds: router sealed, cannot register new routes")
	ErrDuplicateRoute = errors.New("uds: route already registered for this service id")
)

// Router is the fixed, data-driven service table (C6).
type Router struct {
	routes   map[byte]*Route
	sessions *session.Manager
	secMgr   *security.Manager
	logs     *diaglog.Logs
	sealed   bool
}

// NewRouter constructs an empty router.
func NewRouter(sessions *session.Manager, secMgr *security.Manager, logs *diaglog.Logs) *Router {
	return &Router{routes: make(map[byte]*Route), sessions: sessions, secMgr: secMgr, logs: logs}
}

// Register adds a route. Per spec §4.6, handlers may register dynamically
// before init completes but not after; Seal enforces the cutoff.
func (r *Router) Register(route *Route) error {
	if r.sealed {
		return ErrRouterSealed
	}
	if _, exists := r.routes[route.SID]; exists {
		return ErrDuplicateRoute
	}
	r.routes[route.SID] = route
	return nil
}

// Seal closes the router to further registration, called at the end of
// core.Init.
func (r *Router) Seal() { r.sealed = true }

// PendingTransaction is returned by Dispatch when a handler asked for more
// time. The core re-polls it from a periodic timer at the active session's
// P2* interval.
type PendingTransaction struct {
	route *Route
	req   Request
}

// Poll re-invokes the handler for this transaction.
func (p *PendingTransaction) Poll() Result {
	p.req.FirstCall = false
	return p.route.Handler(p.req)
}

// SuppressPositive reports whether the originating request asked to
// suppress a successful response.
func (p *PendingTransaction) SuppressPositive() bool { return p.req.SuppressPositive }

// SID returns the transaction's service id.
func (p *PendingTransaction) SID() byte { return p.route.SID }

// DispatchResult is what Dispatch returns. When the handler asked for more
// time, both are set: Send carries the first 0x78 ResponsePending reply and
// Pending the transaction to poll.
type DispatchResult struct {
	Send    []byte // nil only when nothing should be transmitted (suppressed positive response)
	Pending *PendingTransaction
}

// Dispatch runs the six-step gate-and-call sequence of spec §4.6 against
// one fully-reassembled request.
func (r *Router) Dispatch(raw []byte, now uint32) DispatchResult {
	if len(raw) < 1 {
		return DispatchResult{}
	}
	sid := raw[0]
	route, ok := r.routes[sid]
	if !ok {
		return DispatchResult{Send: EncodeNegative(sid, NRCServiceNotSupported)}
	}

	// 1. length gate
	if route.LengthOK != nil && !route.LengthOK(raw) {
		return DispatchResult{Send: EncodeNegative(sid, NRCIncorrectMessageLengthOrFormat)}
	}

	req := Request{SID: sid, Raw: raw, ArrivalTS: now, FirstCall: true}
	payloadStart := 1

	// 2. sub-function gate
	if route.HasSubFunction {
		if len(raw) < 2 {
			return DispatchResult{Send: EncodeNegative(sid, NRCIncorrectMessageLengthOrFormat)}
		}
		sub := raw[1]
		req.SuppressPositive = sub&SuppressPositiveBit != 0
		sub &^= SuppressPositiveBit
		req.SubFunction = sub
		req.HasSubFunction = true
		if len(route.AllowedSubFunctions) > 0 {
			if _, allowed := route.AllowedSubFunctions[sub]; !allowed {
				return DispatchResult{Send: EncodeNegative(sid, NRCSubFunctionNotSupported)}
			}
		}
		payloadStart = 2
	}
	req.Payload = raw[payloadStart:]

	// 3. session gate
	req.Session = r.sessions.Current()
	if len(route.AllowedSessions) > 0 {
		if _, allowed := route.AllowedSessions[req.Session]; !allowed {
			return DispatchResult{Send: EncodeNegative(sid, NRCServiceNotSupportedInActiveSession)}
		}
	}

	// 4. security gate
	req.Security = r.secMgr.Granted()
	if req.Security < route.RequiredSecurity {
		return DispatchResult{Send: EncodeNegative(sid, NRCSecurityAccessDenied)}
	}

	// 5. dispatch
	result := route.Handler(req)
	return r.frame(route, req, result)
}

// frame implements step 6: side effects already happened inside the
// handler regardless of suppression (spec §5's ordering guarantee); framing
// only decides whether bytes are actually sent.
func (r *Router) frame(route *Route, req Request, result Result) DispatchResult {
	switch result.Outcome {
	case Pending:
		return DispatchResult{
			Send:    EncodeNegative(route.SID, NRCResponsePending),
			Pending: &PendingTransaction{route: route, req: req},
		}
	case Negative:
		return DispatchResult{Send: EncodeNegative(route.SID, result.NRC)}
	default: // Positive
		if req.SuppressPositive && route.SuppressAllowed {
			return DispatchResult{}
		}
		return DispatchResult{Send: EncodePositive(route.SID, result.Payload)}
	}
}

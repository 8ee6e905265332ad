// Package sink implements the terminal operator: a processor that
// registers like any other so the Negotiator's quorum check counts it,
// but carries no ProcessorState beyond SinkRunning and never
// participates in the snapshot-cut protocol. Sink output is
// at-least-once; nothing here acknowledges or aligns on a Clock.
package sink

import (
	"context"
	"net"
	"sync"

	"weir/internal/corestate"
	"weir/internal/registry"
	"weir/internal/shuffle"
	"weir/internal/store"
)

// Handler consumes one payload delivered to this sink instance.
type Handler func(corestate.Payload)

// Runner drives one sink instance: registers, then serves shuffle
// connections on listenAddr until ctx is cancelled.
type Runner struct {
	id         corestate.ProcessorID
	listenAddr string
	handle     Handler

	mu   sync.Mutex
	addr net.Addr
}

// NewRunner builds a Runner for sink instance id, listening on
// listenAddr and calling handle for every payload received.
func NewRunner(id corestate.ProcessorID, listenAddr string, handle Handler) *Runner {
	return &Runner{id: id, listenAddr: listenAddr, handle: handle}
}

// Run registers the sink and serves until ctx is cancelled or a fatal
// error occurs.
func (r *Runner) Run(ctx context.Context, opts store.Options) error {
	return registry.Register(ctx, opts, r.id, corestate.SinkRunningState(), func(ctx context.Context, session *store.Session) error {
		return r.serve(ctx)
	})
}

// BoundAddr returns the server's actual listen address, once Run has
// started serving. Useful when listenAddr is ":0".
func (r *Runner) BoundAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *Runner) serve(ctx context.Context) error {
	// Drain markers are alignment traffic for bolts; a sink has no
	// state to cut, so it consumes payloads only.
	srv, err := shuffle.Listen(r.listenAddr, func(f shuffle.Frame) {
		if !f.Marker {
			r.handle(f.Payload)
		}
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.addr = srv.Addr()
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err = srv.Serve()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Package registry implements the processor registry (C2): ephemeral
// self-registration under /living_processors and the state-exchange
// operations every processor and the Negotiator build on.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"

	"weir/internal/corestate"
	"weir/internal/store"
	"weir/internal/wire"
)

const livingProcessorsRoot = "/living_processors"

// Path returns the well-known ephemeral path for a ProcessorId.
func Path(id corestate.ProcessorID) string {
	return fmt.Sprintf("%s/%s", livingProcessorsRoot, id)
}

// Register connects to the coordination store, creates the caller's
// ephemeral registration with initialState, and runs body with the
// resulting session. If the path already exists, the session is
// connected then immediately closed and a
// *weir/internal/coreerr.DuplicateProcessorError is returned — a fatal
// startup failure for Negotiator and ordinary processors alike. If body
// returns an error the session is torn down so the ephemeral node
// disappears before the error propagates.
func Register(
	ctx context.Context,
	opts store.Options,
	id corestate.ProcessorID,
	initialState corestate.ProcessorState,
	body func(ctx context.Context, session *store.Session) error,
) error {
	session, err := store.Connect(ctx, opts)
	if err != nil {
		return err
	}

	path := Path(id)
	if err := session.RegisterEphemeral(ctx, path, wire.EncodeProcessorState(initialState)); err != nil {
		session.Close()
		return err
	}

	if err := body(ctx, session); err != nil {
		session.Close()
		return err
	}
	return nil
}

// SetProcessorState overwrites the caller's registration node with
// state.
func SetProcessorState(ctx context.Context, session *store.Session, id corestate.ProcessorID, state corestate.ProcessorState) error {
	return session.Set(ctx, Path(id), wire.EncodeProcessorState(state))
}

// GetAllProcessorStates reads every child of /living_processors in one
// pass. A child whose name does not parse as "{name}-{instance}" or
// whose payload does not decode is a malformed registration and is
// surfaced as an error. A child that vanishes between the listing and
// the read is a processor that just died; it is skipped, since the
// membership watch reports that separately.
func GetAllProcessorStates(ctx context.Context, session *store.Session) (map[corestate.ProcessorID]corestate.ProcessorState, error) {
	children, err := session.Children(ctx, livingProcessorsRoot)
	if err != nil {
		return nil, err
	}

	out := make(map[corestate.ProcessorID]corestate.ProcessorState, len(children))
	for _, child := range children {
		base := child
		if i := strings.LastIndex(child, "/"); i >= 0 {
			base = child[i+1:]
		}
		id, err := corestate.ParseProcessorID(base)
		if err != nil {
			return nil, fmt.Errorf("registry: malformed processor path %q: %w", child, err)
		}
		payload, err := session.Get(ctx, child)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		state, err := wire.DecodeProcessorState(payload)
		if err != nil {
			return nil, fmt.Errorf("registry: malformed processor state at %q: %w", child, err)
		}
		out[id] = state
	}
	return out, nil
}


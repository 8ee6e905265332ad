// Package store is the coordination store client: a thin capability
// wrapper over the hierarchical coordination service
// (weir/internal/store/service) offering ephemeral nodes, watches,
// create/set, and children listing. Every call is plain HTTP with a
// JSON body; the streaming watch endpoint delivers one JSON frame per
// line.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"weir/internal/coreerr"
)

const (
	// heartbeatInterval is how often a live Session renews its lease.
	heartbeatInterval = 2 * time.Second
	// sessionTTL is the store-side window after which a session with no
	// heartbeat is reaped and its ephemeral nodes vanish.
	sessionTTL = 6 * time.Second
)

// Options configures Connect.
type Options struct {
	Addr string // base URL of the coordination service, e.g. "http://127.0.0.1:7070"
}

// Session is a live connection to the coordination store. The heartbeat
// loop stops at the first failed heartbeat (or when the Connect context
// ends) and closes Done(). Calls made on the Session after that are still
// sent to the store; they are not rejected locally and fail only with
// whatever error the store request itself produces.
type Session struct {
	addr   string
	id     string
	client *http.Client

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Connect opens a Session against the coordination service at opts.Addr
// and starts its heartbeat loop. The returned Session's Close must be
// called to release ephemeral nodes promptly; otherwise they are reaped
// after sessionTTL.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	s := &Session{
		addr:   strings.TrimSuffix(opts.Addr, "/"),
		id:     uuid.NewString(),
		client: &http.Client{Timeout: 10 * time.Second},
		done:   make(chan struct{}),
	}
	if err := s.heartbeatOnce(ctx); err != nil {
		return nil, coreerr.Classify("connect", err)
	}
	go s.heartbeatLoop(ctx)
	return s, nil
}

// ID returns the session's identifier, used as the value that ties
// ephemeral nodes to this session.
func (s *Session) ID() string { return s.id }

// Done is closed when the session's heartbeat loop stops (a failed
// heartbeat or the end of the Connect context) or when Close is called.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.fail()
			return
		case <-ticker.C:
			if err := s.heartbeatOnce(ctx); err != nil {
				slog.Warn("coordination session heartbeat failed", "session", s.id, "err", err)
				s.fail()
				return
			}
		}
	}
}

func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *Session) heartbeatOnce(ctx context.Context) error {
	return s.post(ctx, "/v1/sessions/heartbeat", map[string]string{"session": s.id}, nil)
}

// Close ends the session, releasing its ephemeral nodes immediately
// rather than waiting out sessionTTL.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.post(ctx, "/v1/sessions/close", map[string]string{"session": s.id}, nil)
}

// RegisterEphemeral creates an ephemeral node tied to this session. It
// returns a *coreerr.DuplicateProcessorError if path already exists.
func (s *Session) RegisterEphemeral(ctx context.Context, path string, payload []byte) error {
	err := s.post(ctx, "/v1/ephemeral", map[string]any{
		"session": s.id, "path": path, "payload": payload,
	}, nil)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return &coreerr.DuplicateProcessorError{Path: path}
		}
		return coreerr.Classify("register ephemeral "+path, err)
	}
	return nil
}

// CreatePersistent creates a persistent node. idempotent controls whether
// an existing node is treated as success.
func (s *Session) CreatePersistent(ctx context.Context, path string, payload []byte, idempotent bool) error {
	err := s.post(ctx, "/v1/persistent", map[string]any{
		"path": path, "payload": payload, "idempotent": idempotent,
	}, nil)
	if err != nil {
		return coreerr.Classify("create persistent "+path, err)
	}
	return nil
}

// Set overwrites the payload at path.
func (s *Session) Set(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.addr+"/v1/nodes", jsonBody(map[string]any{
		"path": path, "payload": payload,
	}))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return coreerr.Classify("set "+path, s.do(req, nil))
}

// Get returns the payload stored at path.
func (s *Session) Get(ctx context.Context, path string) ([]byte, error) {
	var node struct {
		Payload []byte `json:"Payload"`
	}
	u := s.addr + "/v1/nodes?" + url.Values{"path": {path}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := s.do(req, &node); err != nil {
		return nil, coreerr.Classify("get "+path, err)
	}
	return node.Payload, nil
}

// Children lists the full paths of the immediate children of path.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	var nodes []struct {
		Path string `json:"Path"`
	}
	u := s.addr + "/v1/children?" + url.Values{"path": {path}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := s.do(req, &nodes); err != nil {
		return nil, coreerr.Classify("children "+path, err)
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path
	}
	return out, nil
}

// WatchChildren re-arms itself across stream reconnects and invokes cb
// on every membership change (node created or deleted) under path.
// Data rewrites of existing children do not fire. cb also fires once for
// every node already under path each time the stream is opened or
// re-opened. Callers are expected
// to re-read state (Children, Get) inside cb rather than rely on any
// event payload; re-arming after a stream break is handled here.
func (s *Session) WatchChildren(ctx context.Context, path string, cb func()) error {
	return s.watch(ctx, strings.TrimSuffix(path, "/")+"/", false, cb)
}

// WatchData behaves like WatchChildren but for a single node's data, and
// fires on every write to the node.
func (s *Session) WatchData(ctx context.Context, path string, cb func()) error {
	return s.watch(ctx, path, true, cb)
}

func (s *Session) watch(ctx context.Context, prefix string, updates bool, cb func()) error {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.watchOnce(ctx, prefix, updates, cb); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Debug("watch stream disconnected, re-arming", "prefix", prefix, "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()
	return nil
}

func (s *Session) watchOnce(ctx context.Context, prefix string, updates bool, cb func()) error {
	u := s.addr + "/v1/watch?" + url.Values{
		"prefix":  {prefix},
		"updates": {fmt.Sprintf("%t", updates)},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	// The stream stays open indefinitely, so it must not use s.client,
	// whose overall Timeout would cut it off every 10 seconds.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &statusError{status: resp.StatusCode, body: string(data)}
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var frame struct {
			Snapshot json.RawMessage `json:"snapshot"`
			Change   json.RawMessage `json:"change"`
		}
		if err := dec.Decode(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		cb()
	}
}

// statusError carries a non-200 response and unwraps to the matching
// errdefs sentinel so callers can classify with errdefs.IsNotFound and
// friends without knowing the transport is HTTP.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("coordination store request failed: status %d: %s", e.status, strings.TrimSpace(e.body))
}

func (e *statusError) Unwrap() error {
	switch e.status {
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		return errdefs.ErrAlreadyExists
	case http.StatusServiceUnavailable:
		return errdefs.ErrUnavailable
	default:
		return nil
	}
}

func (s *Session) post(ctx context.Context, path string, body, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.addr+path, jsonBody(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Session) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &statusError{status: resp.StatusCode, body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func jsonBody(v any) io.Reader {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(data)
}

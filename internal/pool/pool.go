// Package pool is the host-side registry of live sandboxes. Lifecycle
// changes of one sandbox are serialized; different sandboxes proceed in
// parallel.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/fcsandbox/internal/storage"
	"github.com/michaelbrown/fcsandbox/internal/vmm"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

// DefaultMaxSandboxes bounds the number of live sandboxes.
const DefaultMaxSandboxes = 64

var (
	ErrNotFound   = errors.New("sandbox not found")
	ErrPoolFull   = errors.New("sandbox pool is full")
	ErrPoolClosed = errors.New("sandbox pool is closed")
)

// Sandbox is the lifecycle surface the pool needs. *vmm.Sandbox implements it.
type Sandbox interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() vmm.State
	Pid() int
	StartedAt() time.Time
}

// Factory builds an unstarted sandbox for id.
type Factory func(id string) Sandbox

// VMFactory returns a Factory producing Firecracker sandboxes.
func VMFactory(cfg vmm.Config, log *logrus.Entry) Factory {
	return func(id string) Sandbox {
		return vmm.New(id, cfg, log)
	}
}

// Executor delivers code to a running sandbox. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, sandboxID, code string) wire.ExecuteResponse
}

// Journal records lifecycle events. storage.Store implements it.
type Journal interface {
	RecordEvent(ctx context.Context, e *storage.Event) error
}

// Info describes a live sandbox.
type Info struct {
	ID        string    `json:"vm_id"`
	State     string    `json:"state"`
	Pid       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	mu    sync.Mutex // one lifecycle change at a time
	sb    Sandbox
	ready atomic.Bool
	gone  bool
}

// Options configure a Pool.
type Options struct {
	Factory      Factory
	Executor     Executor
	Journal      Journal
	MaxSandboxes int
	Log          *logrus.Entry
}

// Pool maps sandbox ids to running sandboxes.
type Pool struct {
	factory Factory
	exec    Executor
	journal Journal
	max     int
	log     *logrus.Entry

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// New creates a Pool.
func New(opts Options) *Pool {
	if opts.MaxSandboxes <= 0 {
		opts.MaxSandboxes = DefaultMaxSandboxes
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		factory: opts.Factory,
		exec:    opts.Executor,
		journal: opts.Journal,
		max:     opts.MaxSandboxes,
		log:     opts.Log,
		entries: make(map[string]*entry),
	}
}

func newID() string {
	return "vm-" + uuid.NewString()[:8]
}

// reserve claims a fresh id and returns its entry locked.
func (p *Pool) reserve() (string, *entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", nil, ErrPoolClosed
	}
	if len(p.entries) >= p.max {
		return "", nil, ErrPoolFull
	}
	id := newID()
	for _, taken := p.entries[id]; taken; _, taken = p.entries[id] {
		id = newID()
	}
	e := &entry{sb: p.factory(id)}
	e.mu.Lock()
	p.entries[id] = e
	return id, e, nil
}

// Create starts a new sandbox and registers it. The id only becomes visible
// to Get once the sandbox is running; a failed start leaves nothing behind.
func (p *Pool) Create(ctx context.Context) (string, error) {
	id, e, err := p.reserve()
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()
	p.record(ctx, id, storage.EventCreated, "")

	if err := e.sb.Start(ctx); err != nil {
		if stopErr := e.sb.Stop(context.Background()); stopErr != nil {
			p.log.WithError(stopErr).WithField("sandbox", id).Warn("cleanup after failed start")
		}
		e.gone = true
		p.remove(id)
		p.record(ctx, id, storage.EventStartFailed, err.Error())
		return "", fmt.Errorf("starting sandbox %s: %w", id, err)
	}

	e.ready.Store(true)
	p.record(ctx, id, storage.EventStarted, "")
	return id, nil
}

// Get returns a running sandbox.
func (p *Pool) Get(id string) (Sandbox, bool) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok || !e.ready.Load() {
		return nil, false
	}
	return e.sb, true
}

// Execute runs code in a registered sandbox. An unknown id yields
// ErrNotFound; every other failure is carried in the response.
func (p *Pool) Execute(ctx context.Context, id, code string) (wire.ExecuteResponse, error) {
	if _, ok := p.Get(id); !ok {
		return wire.ExecuteResponse{}, ErrNotFound
	}
	resp := p.exec.Execute(ctx, id, code)
	p.record(ctx, id, storage.EventExecuted, string(resp.Status))
	return resp, nil
}

// Destroy stops and unregisters a sandbox. Unknown ids are ignored.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil
	}
	e.ready.Store(false)
	err := e.sb.Stop(ctx)
	e.gone = true
	p.remove(id)

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	p.record(ctx, id, storage.EventDestroyed, detail)
	return err
}

// DestroyAll tears down every sandbox in parallel and returns the first
// error after all of them were attempted.
func (p *Pool) DestroyAll(ctx context.Context) error {
	p.mu.RLock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := p.Destroy(ctx, id); err != nil {
				return fmt.Errorf("destroying %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if len(ids) > 0 {
		p.log.WithField("count", len(ids)).Info("all sandboxes destroyed")
	}
	return err
}

// Close refuses further Creates and destroys every sandbox, including ones
// still starting: their Destroy waits for Start to finish.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.DestroyAll(ctx)
}

func describe(id string, sb Sandbox) Info {
	return Info{
		ID:        id,
		State:     sb.State().String(),
		Pid:       sb.Pid(),
		StartedAt: sb.StartedAt(),
	}
}

// Describe returns the Info of one running sandbox.
func (p *Pool) Describe(id string) (Info, bool) {
	sb, ok := p.Get(id)
	if !ok {
		return Info{}, false
	}
	return describe(id, sb), true
}

// List returns the running sandboxes ordered by start time.
func (p *Pool) List() []Info {
	p.mu.RLock()
	infos := make([]Info, 0, len(p.entries))
	for id, e := range p.entries {
		if e.ready.Load() {
			infos = append(infos, describe(id, e.sb))
		}
	}
	p.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Len counts registered sandboxes, including ones still starting.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

func (p *Pool) record(ctx context.Context, id string, kind storage.EventKind, detail string) {
	if p.journal == nil {
		return
	}
	// The journal outlives a cancelled request.
	ctx = context.WithoutCancel(ctx)
	if err := p.journal.RecordEvent(ctx, &storage.Event{SandboxID: id, Kind: kind, Detail: detail}); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"sandbox": id, "event": kind}).Warn("failed to journal event")
	}
}

package netsock

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	errNilNIC       = errors.New("netsock: nil NIC")
	errNICAttached  = errors.New("netsock: NIC already attached")
	errUnknownNIC   = errors.New("netsock: unknown NIC id")
	errRegistryFull = errors.New("netsock: too many NICs attached")
)

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// Resolver is consulted by [GetAddrInfo] after every attached NIC
	// implementing [Resolver]. May be nil.
	Resolver Resolver
	Logger   *slog.Logger
}

// Registry is the set of attached NICs that sockets select from.
//
// Lookups never block: they read an immutable snapshot published atomically
// by Attach and Detach. Attach and Detach serialize among themselves.
type Registry struct {
	logger
	resolver Resolver
	mu       sync.Mutex // held by writers
	lastID   NICID
	snap     atomic.Pointer[snapshot]
}

type entry struct {
	id     NICID
	nic    NIC
	name   string
	notify []func(Event)
}

// snapshot is never modified once published.
type snapshot struct {
	entries []entry
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		logger:   logger{log: cfg.Logger},
		resolver: cfg.Resolver,
	}
	r.snap.Store(&snapshot{})
	return r
}

func (r *Registry) load() *snapshot { return r.snap.Load() }

// Attach adds nic to the registry. NICs are searched in attach order.
func (r *Registry) Attach(nic NIC) (NICID, error) {
	if nic == nil {
		return 0, errNilNIC
	}
	// Duplicates are only detectable for comparable NIC values.
	dedup := reflect.TypeOf(nic).Comparable()
	r.mu.Lock()
	old := r.load()
	for _, e := range old.entries {
		if dedup && e.nic == nic {
			r.mu.Unlock()
			return 0, errNICAttached
		}
	}
	if r.lastID == ^NICID(0) {
		r.mu.Unlock()
		return 0, errRegistryFull
	}
	r.lastID++
	e := entry{id: r.lastID, nic: nic, name: nic.Name()}
	next := &snapshot{entries: make([]entry, len(old.entries), len(old.entries)+1)}
	copy(next.entries, old.entries)
	next.entries = append(next.entries, e)
	r.snap.Store(next)
	r.mu.Unlock()
	r.info("registry:attach", slog.Uint64("id", uint64(e.id)), slog.String("nic", e.name))
	return e.id, nil
}

// Detach removes the NIC identified by id and fires its [EventNetDown]
// callbacks. Sockets already bound to the NIC keep their binding.
func (r *Registry) Detach(id NICID) error {
	r.mu.Lock()
	old := r.load()
	idx := old.index(id)
	if idx < 0 {
		r.mu.Unlock()
		return errUnknownNIC
	}
	e := old.entries[idx]
	next := &snapshot{entries: make([]entry, 0, len(old.entries)-1)}
	next.entries = append(next.entries, old.entries[:idx]...)
	next.entries = append(next.entries, old.entries[idx+1:]...)
	r.snap.Store(next)
	r.mu.Unlock()
	r.info("registry:detach", slog.Uint64("id", uint64(id)), slog.String("nic", e.name))
	for _, cb := range e.notify {
		cb(EventNetDown)
	}
	return nil
}

// Notify registers cb to be called on link events of the NIC identified by
// id. The callback immediately receives [EventNetUp] since the NIC is attached.
func (r *Registry) Notify(id NICID, cb func(Event)) error {
	if cb == nil {
		return errors.New("netsock: nil callback")
	}
	r.mu.Lock()
	old := r.load()
	idx := old.index(id)
	if idx < 0 {
		r.mu.Unlock()
		return errUnknownNIC
	}
	next := &snapshot{entries: make([]entry, len(old.entries))}
	copy(next.entries, old.entries)
	e := &next.entries[idx]
	e.notify = append(e.notify[:len(e.notify):len(e.notify)], cb)
	r.snap.Store(next)
	r.mu.Unlock()
	cb(EventNetUp)
	return nil
}

// Lookup selects the NIC for addr: the first attached NIC, in attach
// order, that is brought up and whose CanRoute accepts addr.
// It fails with [ErrUnreachable] if there is none.
func (r *Registry) Lookup(addr netip.Addr) (NICID, NIC, error) {
	for _, e := range r.load().entries {
		if isUp(e.nic) && e.nic.CanRoute(addr) {
			r.trace("registry:lookup", slog.String("addr", addr.String()), slog.String("nic", e.name))
			return e.id, e.nic, nil
		}
	}
	r.debug("registry:lookup-unreachable", slog.String("addr", addr.String()))
	return 0, nil, ErrUnreachable
}

// NIC returns the NIC attached under id.
func (r *Registry) NIC(id NICID) (NIC, bool) {
	s := r.load()
	idx := s.index(id)
	if idx < 0 {
		return nil, false
	}
	return s.entries[idx].nic, true
}

// Default returns the first attached NIC that is brought up.
func (r *Registry) Default() (NICID, NIC, bool) {
	for _, e := range r.load().entries {
		if isUp(e.nic) {
			return e.id, e.nic, true
		}
	}
	return 0, nil, false
}

// Only returns the single brought up NIC. ok is false when zero or several are up.
func (r *Registry) Only() (id NICID, nic NIC, ok bool) {
	for _, e := range r.load().entries {
		if !isUp(e.nic) {
			continue
		}
		if nic != nil {
			return 0, nil, false
		}
		id, nic = e.id, e.nic
	}
	return id, nic, nic != nil
}

// Len returns the number of attached NICs.
func (r *Registry) Len() int { return len(r.load().entries) }

// Each calls fn for every attached NIC in attach order until fn returns false.
func (r *Registry) Each(fn func(id NICID, nic NIC) bool) {
	for _, e := range r.load().entries {
		if !fn(e.id, e.nic) {
			return
		}
	}
}

func (s *snapshot) index(id NICID) int {
	for i := range s.entries {
		if s.entries[i].id == id {
			return i
		}
	}
	return -1
}

type registryKey struct{}

// WithRegistry returns a copy of ctx carrying r.
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, r)
}

// RegistryFromContext returns the registry stored by [WithRegistry], if any.
func RegistryFromContext(ctx context.Context) (*Registry, bool) {
	r, ok := ctx.Value(registryKey{}).(*Registry)
	return r, ok && r != nil
}

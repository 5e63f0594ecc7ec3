package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kjk/datastore/doc"
	"github.com/kjk/datastore/ident"
	"github.com/kjk/datastore/peersync"
	"github.com/kjk/datastore/resource"
	"github.com/kjk/datastore/u"
)

// Report summarizes one reload of a store
type Report struct {
	Directory  string
	Generation string
	// Loaded is number of documents
	Loaded int
	// Parsed is number of records i.e. documents converted to V
	Parsed   int
	Errors   []error
	Duration time.Duration
}

// Err returns all errors joined, nil if there were none
func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

func (r Report) String() string {
	return fmt.Sprintf("%s: %d documents, %d records, %d errors in %s", r.Directory, r.Loaded, r.Parsed, len(r.Errors), r.Duration)
}

// Reloadable is a store managed by Registry. Implemented by Store[V] for any V
type Reloadable interface {
	Directory() string
	Prepare(ctx context.Context, e resource.Enumerator) (*RawSet, error)
	Apply(rs *RawSet) Report
	LoadFromPayload(data map[ident.ID]string) Report
	LoadPacket(p *peersync.Packet) (Report, error)
	Raw() map[ident.ID]doc.Document
	SendTo(peer peersync.Peer) error
}

// Registry reloads a set of stores together and routes packets from
// the authoritative peer to the right store
type Registry struct {
	config *config

	// serializes reloads and payload loads
	cycleMu sync.Mutex

	mu     sync.Mutex
	stores []Reloadable
	byDir  map[string]Reloadable

	debouncer u.Debouncer
}

func NewRegistry(opts ...Option) *Registry {
	c := newConfig(opts)
	r := &Registry{
		config: c,
		byDir:  map[string]Reloadable{},
	}
	r.debouncer.Timeout = c.reloadDelay
	return r
}

func (r *Registry) Register(s Reloadable) error {
	u.PanicIf(s == nil, "nil store")
	r.mu.Lock()
	defer r.mu.Unlock()
	dir := s.Directory()
	if _, ok := r.byDir[dir]; ok {
		return fmt.Errorf("%w: '%s'", ErrDuplicateDirectory, dir)
	}
	r.byDir[dir] = s
	r.stores = append(r.stores, s)
	return nil
}

// Stores returns registered stores in registration order
func (r *Registry) Stores() []Reloadable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reloadable(nil), r.stores...)
}

func (r *Registry) Get(dir string) (Reloadable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDir[dir]
	return s, ok
}

// Raw returns documents of the store for dir
func (r *Registry) Raw(dir string) (map[ident.ID]doc.Document, bool) {
	s, ok := r.Get(dir)
	if !ok {
		return nil, false
	}
	return s.Raw(), true
}

// Reload prepares all stores and only then applies each of them, in
// registration order. If any store fails to prepare, no store is changed
func (r *Registry) Reload(ctx context.Context, e resource.Enumerator) ([]Report, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	stores := r.Stores()
	sets := make([]*RawSet, len(stores))
	for i, s := range stores {
		rs, err := s.Prepare(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("preparing '%s': %w", s.Directory(), err)
		}
		sets[i] = rs
	}
	reports := make([]Report, len(stores))
	for i, s := range stores {
		reports[i] = s.Apply(sets[i])
	}
	return reports, nil
}

// ScheduleReload reloads all stores after a delay. Calls made before the
// delay passes are coalesced into a single reload
func (r *Registry) ScheduleReload(ctx context.Context, e resource.Enumerator) {
	r.debouncer.Debounce(func() {
		reports, err := r.Reload(ctx, e)
		if err != nil {
			r.config.logger.Errorf("datastore: scheduled reload failed: %s\n", err)
			return
		}
		for _, rep := range reports {
			r.config.logger.Logf("datastore: reloaded %s\n", rep)
		}
	})
}

// StopScheduled cancels a pending scheduled reload
func (r *Registry) StopScheduled() bool {
	return r.debouncer.Stop()
}

// HandlePayload loads documents received from the authoritative peer
// into the store for dir
func (r *Registry) HandlePayload(dir string, data map[ident.ID]string) (Report, error) {
	s, ok := r.Get(dir)
	if !ok {
		return Report{Directory: dir}, fmt.Errorf("%w: '%s'", ErrUnknownDirectory, dir)
	}
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	return s.LoadFromPayload(data), nil
}

// HandlePacket loads a packet from the authoritative peer into the store
// for its directory. Packets older than the store's content are dropped
// with ErrStalePacket, they can arrive after a newer broadcast
func (r *Registry) HandlePacket(p *peersync.Packet) (Report, error) {
	s, ok := r.Get(p.Directory)
	if !ok {
		return Report{Directory: p.Directory}, fmt.Errorf("%w: '%s'", ErrUnknownDirectory, p.Directory)
	}
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	return s.LoadPacket(p)
}

// SendAllTo sends content of every store to peer
func (r *Registry) SendAllTo(peer peersync.Peer) error {
	var errs []error
	for _, s := range r.Stores() {
		if err := s.SendTo(peer); err != nil {
			errs = append(errs, fmt.Errorf("sending '%s' to peer %s: %w", s.Directory(), peer.ID(), err))
		}
	}
	return errors.Join(errs...)
}

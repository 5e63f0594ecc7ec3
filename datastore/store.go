// Package datastore implements a hot-reloadable store of typed records
// loaded from layered JSON resources or received from an authoritative peer.
package datastore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kjk/datastore/doc"
	"github.com/kjk/datastore/ident"
	"github.com/kjk/datastore/peersync"
	"github.com/kjk/datastore/resource"
	"github.com/kjk/datastore/u"
	"github.com/oklog/ulid/v2"
)

// source name used in errors for documents received from a peer
const payloadSource = "payload"

// RawSet is the result of Prepare: documents merged across layers
// but not yet converted to records
type RawSet struct {
	Directory  string
	Docs       map[ident.ID]doc.Document
	Errors     []error
	Generation string

	started time.Time
}

// snapshot is published atomically. Maps are never modified after publishing
type snapshot[V any] struct {
	raw        map[ident.ID]doc.Document
	data       map[ident.ID]V
	generation string
}

// Store holds records of type V loaded from documents in one directory.
// Reads are lock-free and see either the old or the new content, never a mix.
// Reloads must not run concurrently (Registry serializes them)
type Store[V any] struct {
	directory string
	decoder   doc.Decoder[V]
	config    *config

	snap atomic.Pointer[snapshot[V]]

	mu        sync.Mutex
	listeners []func()
}

var _ Reloadable = &Store[int]{}

// New creates an empty store for documents in directory
func New[V any](directory string, decoder doc.Decoder[V], opts ...Option) *Store[V] {
	directory = strings.Trim(directory, "/")
	u.PanicIf(directory == "", "empty directory")
	u.PanicIf(decoder == nil, "nil decoder")
	s := &Store[V]{
		directory: directory,
		decoder:   decoder,
		config:    newConfig(opts),
	}
	s.snap.Store(&snapshot[V]{
		raw:  map[ident.ID]doc.Document{},
		data: map[ident.ID]V{},
	})
	return s
}

func newGeneration() string {
	return ulid.Make().String()
}

func compareResources(a, b resource.Resource) int {
	// highest layer first so that the first document seen for an id wins
	if c := cmp.Compare(b.Layer, a.Layer); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Source, b.Source); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Location.Namespace, b.Location.Namespace); c != 0 {
		return c
	}
	return cmp.Compare(a.Location.Path, b.Location.Path)
}

func (s *Store[V]) logErr(err error) {
	s.config.logger.Errorf("datastore '%s': %s\n", s.directory, err)
}

// Prepare reads and decodes all documents of the store. It doesn't change the store.
// An error is returned only if the resources couldn't be listed, problems with
// individual documents are in RawSet.Errors
func (s *Store[V]) Prepare(ctx context.Context, e resource.Enumerator) (*RawSet, error) {
	started := time.Now()
	s.config.logger.Logf("Reading data for %s data store...\n", s.directory)
	resources, err := e.ListResources(ctx, s.directory, s.config.suffix)
	if err != nil {
		return nil, fmt.Errorf("listing resources of '%s': %w", s.directory, err)
	}
	slices.SortStableFunc(resources, compareResources)

	rs := &RawSet{
		Directory:  s.directory,
		Docs:       map[ident.ID]doc.Document{},
		Generation: newGeneration(),
		started:    started,
	}
	// first resource of each id, including ones that failed to load.
	// It hides lower layers and same-layer duplicates
	seen := map[ident.ID]resource.Resource{}
	for _, r := range resources {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := r.Location.Within(s.directory, s.config.suffix)
		if !ok {
			continue
		}
		if first, ok := seen[id]; ok {
			if first.Layer == r.Layer {
				err := &DuplicateIdentifierError{
					ID:         id,
					Location:   r.Location,
					Source:     r.Source,
					Layer:      r.Layer,
					KeptSource: first.Source,
				}
				s.logErr(err)
				rs.Errors = append(rs.Errors, err)
			}
			continue
		}
		seen[id] = r

		d, err := s.readResource(id, r)
		if err != nil {
			s.logErr(err)
			rs.Errors = append(rs.Errors, err)
			continue
		}
		rs.Docs[id] = d
	}
	return rs, nil
}

func (s *Store[V]) readResource(id ident.ID, r resource.Resource) (doc.Document, error) {
	enumErr := func(err error) error {
		return &EnumerationError{ID: id, Location: r.Location, Source: r.Source, Err: err}
	}
	if err := id.Validate(); err != nil {
		return nil, enumErr(err)
	}
	data, err := r.Open()
	if err != nil {
		return nil, enumErr(err)
	}
	d, err := doc.DecodeDocument(data, s.config.arrayShape)
	if err != nil {
		return nil, enumErr(err)
	}
	return d, nil
}

// Apply publishes documents prepared by Prepare, sends them to peers if the
// store is authoritative, converts them to records and notifies listeners
func (s *Store[V]) Apply(rs *RawSet) Report {
	u.PanicIf(rs == nil, "nil RawSet")
	u.PanicIf(rs.Directory != s.directory, "RawSet for '%s' applied to store '%s'", rs.Directory, s.directory)
	started := rs.started
	if started.IsZero() {
		started = time.Now()
	}
	// publish first so that a peer connecting now is sent the new content
	rep := s.publish(rs.Docs, rs.Generation, rs.Errors, started)
	if sender := s.config.sender; sender != nil {
		sender.Broadcast(peersync.NewPacket(s.directory, rs.Generation, rs.Docs))
	}
	return rep
}

// Reload is Prepare followed by Apply
func (s *Store[V]) Reload(ctx context.Context, e resource.Enumerator) (Report, error) {
	rs, err := s.Prepare(ctx, e)
	if err != nil {
		return Report{Directory: s.directory}, err
	}
	return s.Apply(rs), nil
}

// LoadFromPayload replaces content of the store with documents received from
// the authoritative peer. Keys are identifiers, values are JSON text
func (s *Store[V]) LoadFromPayload(data map[ident.ID]string) Report {
	return s.loadPayload(data, newGeneration())
}

// generations are ULIDs so they sort by creation time
func isStale(gen string, current string) bool {
	return gen != "" && current != "" && gen < current
}

// LoadPacket is LoadFromPayload for a packet from the authoritative peer.
// The store takes the generation of the packet. A packet older than the
// current content is ignored and ErrStalePacket returned
func (s *Store[V]) LoadPacket(p *peersync.Packet) (Report, error) {
	current := s.Generation()
	if isStale(p.Generation, current) {
		rep := Report{Directory: s.directory, Generation: current}
		return rep, fmt.Errorf("%w: '%s' generation %s is older than %s", ErrStalePacket, s.directory, p.Generation, current)
	}
	gen := p.Generation
	if gen == "" {
		gen = newGeneration()
	}
	return s.loadPayload(p.Data, gen), nil
}

func (s *Store[V]) loadPayload(data map[ident.ID]string, gen string) Report {
	started := time.Now()
	raw := make(map[ident.ID]doc.Document, len(data))
	var errs []error
	for _, id := range sortedIDs(data) {
		d, err := doc.DecodeString(data[id], s.config.arrayShape)
		if err == nil {
			err = id.Validate()
		}
		if err != nil {
			err = &EnumerationError{ID: id, Location: id, Source: payloadSource, Err: err}
			s.logErr(err)
			errs = append(errs, err)
			continue
		}
		raw[id] = d
	}
	return s.publish(raw, gen, errs, started)
}

func (s *Store[V]) publish(raw map[ident.ID]doc.Document, gen string, errs []error, started time.Time) Report {
	data, parseErrs := s.parseAll(raw)
	errs = append(errs, parseErrs...)
	s.snap.Store(&snapshot[V]{
		raw:        raw,
		data:       data,
		generation: gen,
	})
	errs = append(errs, s.notify()...)

	dur := time.Since(started)
	s.config.logger.Event("datastore.reload", "dir", s.directory, "gen", gen, "count", len(data), "errors", len(errs), "durmicro", dur.Microseconds())
	return Report{
		Directory:  s.directory,
		Generation: gen,
		Loaded:     len(raw),
		Parsed:     len(data),
		Errors:     errs,
		Duration:   dur,
	}
}

func (s *Store[V]) parseAll(raw map[ident.ID]doc.Document) (map[ident.ID]V, []error) {
	s.config.logger.Logf("Loaded %3d %s\n", len(raw), s.directory)
	data := make(map[ident.ID]V, len(raw))
	var errs []error
	for _, id := range sortedIDs(raw) {
		v, err := s.decodeOne(id, raw[id])
		if err != nil {
			err = &ShapeMismatchError{ID: id, Err: err}
			s.logErr(err)
			errs = append(errs, err)
			continue
		}
		data[id] = v
	}
	return data, errs
}

func (s *Store[V]) decodeOne(id ident.ID, d doc.Document) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panicked: %v", r)
		}
	}()
	return s.decoder.Decode(id, d)
}

func (s *Store[V]) notify() []error {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	var errs []error
	for i, f := range listeners {
		if err := runListener(i, f); err != nil {
			s.logErr(err)
			errs = append(errs, err)
		}
	}
	return errs
}

func runListener(i int, f func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = &ListenerError{Index: i, Err: e}
			return
		}
		err = &ListenerError{Index: i, Err: fmt.Errorf("%v", r)}
	}()
	f()
	return nil
}

// OnReload registers f to be called after every reload, in registration
// order. f is called synchronously and sees the new content
func (s *Store[V]) OnReload(f func()) {
	u.PanicIf(f == nil, "nil listener")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, f)
}

// Get returns a record for id
func (s *Store[V]) Get(id ident.ID) (V, bool) {
	v, ok := s.snap.Load().data[id]
	return v, ok
}

// All returns all records. The map must not be modified
func (s *Store[V]) All() map[ident.ID]V {
	return s.snap.Load().data
}

// Raw returns all documents, including those that couldn't be converted to records.
// The map must not be modified
func (s *Store[V]) Raw() map[ident.ID]doc.Document {
	return s.snap.Load().raw
}

func (s *Store[V]) Directory() string {
	return s.directory
}

// Count returns number of records
func (s *Store[V]) Count() int {
	return len(s.snap.Load().data)
}

// Generation identifies the current content. Empty until first load
func (s *Store[V]) Generation() string {
	return s.snap.Load().generation
}

// SendTo sends the current documents to one peer e.g. one that just connected
func (s *Store[V]) SendTo(peer peersync.Peer) error {
	snap := s.snap.Load()
	p := peersync.NewPacket(s.directory, snap.generation, snap.raw)
	if sender := s.config.sender; sender != nil {
		return sender.SendTo(peer, p)
	}
	return peer.Send(p)
}

func sortedIDs[T any](m map[ident.ID]T) []ident.ID {
	ids := make([]ident.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ident.ID) int {
		if c := cmp.Compare(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	return ids
}

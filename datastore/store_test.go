package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/datastore/doc"
	"github.com/kjk/datastore/ident"
	"github.com/kjk/datastore/peersync"
	"github.com/kjk/datastore/resource"
)

type tool struct {
	Tier int    `json:"tier"`
	Name string `json:"name,omitempty"`
}

type testLogger struct {
	mu     sync.Mutex
	logs   []string
	errors []string
	events []string
}

func (l *testLogger) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, fmt.Sprintf(format, args...))
}

func (l *testLogger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

func (l *testLogger) Event(name string, vals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name+" "+fmt.Sprint(vals...))
}

type staticEnumerator struct {
	resources []resource.Resource
	err       error
}

func (e *staticEnumerator) ListResources(ctx context.Context, prefix string, suffix string) ([]resource.Resource, error) {
	return e.resources, e.err
}

func res(loc string, layer int, source string, content string) resource.Resource {
	return resource.Resource{
		Location: ident.MustParse(loc),
		Layer:    layer,
		Source:   source,
		Open: func() ([]byte, error) {
			return []byte(content), nil
		},
	}
}

func enumerate(resources ...resource.Resource) *staticEnumerator {
	return &staticEnumerator{resources: resources}
}

type fakePeer struct {
	mu      sync.Mutex
	id      string
	packets []*peersync.Packet
}

func (p *fakePeer) ID() string {
	return p.id
}

func (p *fakePeer) Send(pkt *peersync.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packets = append(p.packets, pkt)
	return nil
}

// fakeSender delivers broadcasts through the real wire format
type fakeSender struct {
	mu        sync.Mutex
	broadcast [][]byte
}

func (s *fakeSender) Broadcast(p *peersync.Packet) {
	d, err := peersync.EncodePacket(p)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, d)
}

func (s *fakeSender) SendTo(peer peersync.Peer, p *peersync.Packet) error {
	return peer.Send(p)
}

func newToolStore(opts ...Option) (*Store[tool], *testLogger) {
	l := &testLogger{}
	opts = append([]Option{WithLogger(l)}, opts...)
	return New[tool]("items", doc.JSON[tool](), opts...), l
}

func toolID(s string) ident.ID {
	return ident.MustParse(s)
}

func TestSwordAxeScenario(t *testing.T) {
	s, _ := newToolStore()
	e := enumerate(
		res("core:items/sword.json", 1, "override", `{"tier":1}`),
		res("core:items/axe.json", 1, "override", `{"tier":2}`),
		res("core:items/sword.json", 0, "base", `{"tier":99}`),
	)
	rep, err := s.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.NoError(t, rep.Err())

	v, ok := s.Get(toolID("core:sword"))
	assert.True(t, ok)
	assert.Equal(t, 1, v.Tier)
	v, ok = s.Get(toolID("core:axe"))
	assert.True(t, ok)
	assert.Equal(t, 2, v.Tier)
	assert.Equal(t, 2, len(s.All()))
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, 2, len(s.Raw()))
	assert.Equal(t, rep.Generation, s.Generation())
}

func TestLayerOrderDoesNotDependOnListing(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		rs := []resource.Resource{
			res("core:items/sword.json", 0, "base", `{"tier":99}`),
			res("core:items/sword.json", 2, "user", `{"tier":3}`),
			res("core:items/sword.json", 1, "mod", `{"tier":2}`),
		}
		if reversed {
			rs[0], rs[2] = rs[2], rs[0]
		}
		s, _ := newToolStore()
		rep, err := s.Reload(context.Background(), enumerate(rs...))
		assert.NoError(t, err)
		assert.Equal(t, 0, len(rep.Errors))
		v, _ := s.Get(toolID("core:sword"))
		assert.Equal(t, 3, v.Tier)
	}
}

func TestDuplicateSameLayer(t *testing.T) {
	s, l := newToolStore()
	e := enumerate(
		res("core:items/sword.json", 0, "pack-b", `{"tier":2}`),
		res("core:items/sword.json", 0, "pack-a", `{"tier":1}`),
		res("core:items/axe.json", 0, "pack-a", `{"tier":5}`),
	)
	rep, err := s.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(rep.Errors))
	var dupErr *DuplicateIdentifierError
	assert.True(t, errors.As(rep.Errors[0], &dupErr))
	assert.Equal(t, toolID("core:sword"), dupErr.ID)
	assert.Equal(t, "pack-b", dupErr.Source)
	assert.Equal(t, "pack-a", dupErr.KeptSource)

	// first in (layer, source, path) order wins, in every run
	v, _ := s.Get(toolID("core:sword"))
	assert.Equal(t, 1, v.Tier)
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, 1, len(l.errors))
	assert.True(t, strings.Contains(l.errors[0], "core:sword"))
}

func TestDuplicateOfBrokenFirst(t *testing.T) {
	s, _ := newToolStore()
	e := enumerate(
		res("core:items/sword.json", 0, "pack-a", `{"tier":`),
		res("core:items/sword.json", 0, "pack-b", `{"tier":2}`),
	)
	rep, err := s.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(rep.Errors))
	var enumErr *EnumerationError
	assert.True(t, errors.As(rep.Errors[0], &enumErr))
	assert.Equal(t, "pack-a", enumErr.Source)
	var dupErr *DuplicateIdentifierError
	assert.True(t, errors.As(rep.Errors[1], &dupErr))
	assert.Equal(t, "pack-b", dupErr.Source)
	assert.Equal(t, "pack-a", dupErr.KeptSource)

	// the collision is not silently resolved in favor of the second copy
	_, ok := s.Get(toolID("core:sword"))
	assert.False(t, ok)
	assert.Equal(t, 0, s.Count())
}

func TestFaultIsolation(t *testing.T) {
	s, l := newToolStore()
	e := enumerate(
		res("core:items/a.json", 0, "base", `{"tier":1}`),
		res("core:items/b.json", 0, "base", `{"tier":2}`),
		res("core:items/broken.json", 0, "base", `{"tier":`),
		res("core:items/c.json", 0, "base", `{"tier":3}`),
		res("core:items/null.json", 0, "base", `null`),
		resource.Resource{
			Location: toolID("core:items/unreadable.json"),
			Source:   "base",
			Open: func() ([]byte, error) {
				return nil, errors.New("disk on fire")
			},
		},
	)
	rep, err := s.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, 3, s.Count())
	assert.Equal(t, 3, rep.Loaded)
	_, ok := s.Get(toolID("core:broken"))
	assert.False(t, ok)
	assert.Equal(t, 3, len(rep.Errors))

	byID := map[ident.ID]error{}
	for _, err := range rep.Errors {
		var enumErr *EnumerationError
		assert.True(t, errors.As(err, &enumErr))
		assert.Equal(t, "base", enumErr.Source)
		byID[enumErr.ID] = err
	}
	assert.True(t, doc.IsKind(byID[toolID("core:broken")], doc.KindMalformed))
	assert.True(t, doc.IsKind(byID[toolID("core:null")], doc.KindEmpty))
	assert.True(t, strings.Contains(byID[toolID("core:unreadable")].Error(), "disk on fire"))
	assert.Equal(t, 3, len(l.errors))
}

func TestBrokenOverrideHidesLowerLayer(t *testing.T) {
	s, _ := newToolStore()
	e := enumerate(
		res("core:items/sword.json", 1, "override", `{bad`),
		res("core:items/sword.json", 0, "base", `{"tier":1}`),
	)
	rep, err := s.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(rep.Errors))
	_, ok := s.Get(toolID("core:sword"))
	assert.False(t, ok)
}

func TestShapeMismatch(t *testing.T) {
	s, _ := newToolStore()
	e := enumerate(
		res("core:items/sword.json", 0, "base", `{"tier":1}`),
		res("core:items/axe.json", 0, "base", `{"tier":"high"}`),
	)
	rep, err := s.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, 2, rep.Loaded)
	assert.Equal(t, 1, rep.Parsed)
	assert.Equal(t, 1, len(rep.Errors))
	var shapeErr *ShapeMismatchError
	assert.True(t, errors.As(rep.Errors[0], &shapeErr))
	assert.Equal(t, toolID("core:axe"), shapeErr.ID)
	assert.True(t, doc.IsKind(rep.Errors[0], doc.KindShapeMismatch))

	// raw document is kept so it can be sent to peers
	_, ok := s.Raw()[toolID("core:axe")]
	assert.True(t, ok)
	_, ok = s.Get(toolID("core:axe"))
	assert.False(t, ok)
}

func TestDecoderPanic(t *testing.T) {
	dec := doc.DecoderFunc[tool](func(id ident.ID, d doc.Document) (tool, error) {
		if id.Path == "bad" {
			panic("boom")
		}
		return tool{Tier: 1}, nil
	})
	s := New[tool]("items", dec, WithLogger(&testLogger{}))
	rep, err := s.Reload(context.Background(), enumerate(
		res("core:items/good.json", 0, "base", `{}`),
		res("core:items/bad.json", 0, "base", `{}`),
	))
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 1, len(rep.Errors))
}

func TestSkipsOtherDirectoriesAndSuffixes(t *testing.T) {
	s, _ := newToolStore()
	e := enumerate(
		res("core:items/sword.json", 0, "base", `{"tier":1}`),
		res("core:blocks/stone.json", 0, "base", `{"tier":1}`),
		res("core:itemsx/axe.json", 0, "base", `{"tier":1}`),
		res("core:items/readme.txt", 0, "base", `hello`),
		res("core:items/tools/pick.json", 0, "base", `{"tier":4}`),
	)
	rep, err := s.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(rep.Errors))
	assert.Equal(t, 2, s.Count())
	v, ok := s.Get(toolID("core:tools/pick"))
	assert.True(t, ok)
	assert.Equal(t, 4, v.Tier)
}

func TestArrayShape(t *testing.T) {
	s := New[[]tool]("loot", doc.JSON[[]tool](), WithArrayShape(), WithLogger(&testLogger{}))
	rep, err := s.Reload(context.Background(), enumerate(
		res("core:loot/chest.json", 0, "base", `[{"tier":1},{"tier":2}]`),
		res("core:loot/single.json", 0, "base", `{"tier":1}`),
	))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(rep.Errors))
	// a non-array document is rejected when read, not when converted
	var enumErr *EnumerationError
	assert.True(t, errors.As(rep.Errors[0], &enumErr))
	assert.True(t, doc.IsKind(rep.Errors[0], doc.KindMalformed))
	v, ok := s.Get(toolID("core:chest"))
	assert.True(t, ok)
	assert.Equal(t, 2, len(v))
}

func TestPrepareDoesNotPublish(t *testing.T) {
	s, _ := newToolStore()
	rs, err := s.Prepare(context.Background(), enumerate(res("core:items/sword.json", 0, "base", `{"tier":1}`)))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(rs.Docs))
	assert.Equal(t, "items", rs.Directory)
	assert.NotEqual(t, "", rs.Generation)
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, "", s.Generation())

	s.Apply(rs)
	assert.Equal(t, 1, s.Count())
}

func TestListingError(t *testing.T) {
	s, _ := newToolStore()
	_, err := s.Reload(context.Background(), enumerate(res("core:items/sword.json", 0, "base", `{"tier":1}`)))
	assert.NoError(t, err)

	listErr := errors.New("layer gone")
	_, err = s.Reload(context.Background(), &staticEnumerator{err: listErr})
	assert.True(t, errors.Is(err, listErr))
	assert.Equal(t, 1, s.Count())
}

func TestCancelledPrepare(t *testing.T) {
	s, _ := newToolStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Prepare(ctx, enumerate(res("core:items/sword.json", 0, "base", `{}`)))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestListenerOrderAndPanics(t *testing.T) {
	s, _ := newToolStore()
	var calls []string
	s.OnReload(func() {
		v, ok := s.Get(toolID("core:sword"))
		calls = append(calls, fmt.Sprintf("first %v %d", ok, v.Tier))
	})
	s.OnReload(func() {
		calls = append(calls, "second")
		panic(errors.New("listener bug"))
	})
	s.OnReload(func() {
		calls = append(calls, fmt.Sprintf("third %d", s.Count()))
	})
	rep, err := s.Reload(context.Background(), enumerate(res("core:items/sword.json", 0, "base", `{"tier":7}`)))
	assert.NoError(t, err)
	assert.Equal(t, []string{"first true 7", "second", "third 1"}, calls)
	assert.Equal(t, 1, len(rep.Errors))
	var lerr *ListenerError
	assert.True(t, errors.As(rep.Errors[0], &lerr))
	assert.Equal(t, 1, lerr.Index)
	assert.True(t, strings.Contains(lerr.Error(), "listener bug"))
}

func TestEmptyReload(t *testing.T) {
	s, _ := newToolStore()
	_, err := s.Reload(context.Background(), enumerate(res("core:items/sword.json", 0, "base", `{"tier":1}`)))
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Count())

	notified := 0
	s.OnReload(func() { notified++ })
	rep, err := s.Reload(context.Background(), enumerate())
	assert.NoError(t, err)
	assert.Equal(t, 0, len(rep.Errors))
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 0, len(s.Raw()))
	assert.Equal(t, 1, notified)
}

func TestAtomicPublish(t *testing.T) {
	s, _ := newToolStore()
	setA := enumerate()
	setB := enumerate()
	for i := 0; i < 50; i++ {
		setA.resources = append(setA.resources, res(fmt.Sprintf("core:items/a%d.json", i), 0, "a", `{"tier":1}`))
		setB.resources = append(setB.resources, res(fmt.Sprintf("core:items/b%d.json", i), 0, "b", `{"tier":2}`))
	}
	_, err := s.Reload(context.Background(), setA)
	assert.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mixed int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			all := s.All()
			tiers := map[int]bool{}
			for _, v := range all {
				tiers[v.Tier] = true
			}
			if len(all) != 50 || len(tiers) != 1 {
				mixed++
			}
		}
	}()
	for i := 0; i < 50; i++ {
		e := setB
		if i%2 == 1 {
			e = setA
		}
		_, err := s.Reload(context.Background(), e)
		assert.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 0, mixed)
}

func TestPayloadRoundTrip(t *testing.T) {
	sender := &fakeSender{}
	server, _ := newToolStore(WithAuthoritative(sender))
	e := enumerate(
		res("core:items/sword.json", 0, "base", `{ "tier" : 1, "name": "Sword" }`),
		res("core:items/axe.json", 0, "base", `{"tier":2}`),
		res("mod:items/weird.json", 0, "base", `{"tier":"x"}`),
	)
	_, err := server.Reload(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(sender.broadcast))

	p, err := peersync.DecodePacket(sender.broadcast[0])
	assert.NoError(t, err)
	assert.Equal(t, "items", p.Directory)
	assert.Equal(t, server.Generation(), p.Generation)

	client, _ := newToolStore()
	rep := client.LoadFromPayload(p.Data)
	assert.Equal(t, 1, len(rep.Errors))
	assert.Equal(t, server.All(), client.All())
	assert.Equal(t, server.Raw(), client.Raw())
}

func TestLoadFromPayloadErrors(t *testing.T) {
	s, _ := newToolStore()
	notified := 0
	s.OnReload(func() { notified++ })
	rep := s.LoadFromPayload(map[ident.ID]string{
		toolID("core:sword"): `{"tier":1}`,
		toolID("core:bad"):   `{`,
		toolID("core:null"):  `null`,
	})
	assert.Equal(t, 2, len(rep.Errors))
	for _, err := range rep.Errors {
		var enumErr *EnumerationError
		assert.True(t, errors.As(err, &enumErr))
		assert.Equal(t, payloadSource, enumErr.Source)
	}
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 1, notified)
	assert.NotEqual(t, "", s.Generation())
}

func TestSendTo(t *testing.T) {
	s, _ := newToolStore()
	_, err := s.Reload(context.Background(), enumerate(res("core:items/sword.json", 0, "base", `{"tier":1}`)))
	assert.NoError(t, err)
	peer := &fakePeer{id: "p1"}
	assert.NoError(t, s.SendTo(peer))
	assert.Equal(t, 1, len(peer.packets))
	assert.Equal(t, `{"tier":1}`, peer.packets[0].Data[toolID("core:sword")])
	assert.Equal(t, s.Generation(), peer.packets[0].Generation)
}

func TestLogging(t *testing.T) {
	s, l := newToolStore()
	_, err := s.Reload(context.Background(), enumerate(
		res("core:items/sword.json", 0, "base", `{"tier":1}`),
		res("core:items/axe.json", 0, "base", `{"tier":2}`),
	))
	assert.NoError(t, err)
	found := false
	for _, s := range l.logs {
		if s == "Loaded   2 items\n" {
			found = true
		}
	}
	assert.True(t, found, "logs: %v", l.logs)
	assert.Equal(t, 1, len(l.events))
	assert.True(t, strings.HasPrefix(l.events[0], "datastore.reload "))
}

func TestNewPanics(t *testing.T) {
	assert.Panics(t, func() { New[tool]("", doc.JSON[tool]()) })
	assert.Panics(t, func() { New[tool]("items", nil) })
}

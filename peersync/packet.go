// Package peersync sends the raw content of data stores from an
// authoritative server to peers over websockets.
package peersync

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kjk/datastore/doc"
	"github.com/kjk/datastore/frame"
	"github.com/kjk/datastore/ident"
	"github.com/kjk/datastore/u"
)

const (
	packetName     = "update-data"
	packetNameZstd = "update-data-zstd"

	keyDir = "dir"
	keyGen = "gen"
	keyID  = "id"
	keyDoc = "doc"

	// packets larger than this are compressed with zstd
	compressThreshold = 32 * 1024
)

// ErrBadPacket is returned by DecodePacket for data that isn't a valid packet
var ErrBadPacket = errors.New("bad packet")

// Packet carries the full raw content of one store directory
type Packet struct {
	Directory  string
	Generation string
	// compact JSON text of each document
	Data map[ident.ID]string
	// Sent is set by DecodePacket
	Sent time.Time
}

func NewPacket(dir string, gen string, raw map[ident.ID]doc.Document) *Packet {
	data := make(map[ident.ID]string, len(raw))
	for id, d := range raw {
		data[id] = d.String()
	}
	return &Packet{
		Directory:  dir,
		Generation: gen,
		Data:       data,
	}
}

func sortedIDs(m map[ident.ID]string) []ident.ID {
	ids := make([]ident.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ident.ID) int {
		if ident.Less(a, b) {
			return -1
		}
		if ident.Less(b, a) {
			return 1
		}
		return 0
	})
	return ids
}

func badPacket(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadPacket, fmt.Sprintf(format, args...))
}

// EncodePacket serializes p as a single frame:
//
//	--- ${size} ${timestamp} update-data
//	dir: items
//	gen: 01J...
//	id: core:sword
//	doc: {"tier":1}
//
// Large packets are zstd compressed and named update-data-zstd
func EncodePacket(p *Packet) ([]byte, error) {
	if p.Directory == "" {
		return nil, badPacket("empty directory")
	}
	var r frame.Record
	add := func(k, v string) {
		// keys are constant and valid
		_ = r.Add(k, v)
	}
	add(keyDir, p.Directory)
	add(keyGen, p.Generation)
	for _, id := range sortedIDs(p.Data) {
		add(keyID, id.String())
		add(keyDoc, p.Data[id])
	}
	d := r.Marshal()
	name := packetName
	if len(d) >= compressThreshold {
		var err error
		if d, err = u.ZstdCompressData(d); err != nil {
			return nil, err
		}
		name = packetNameZstd
	}
	return frame.MarshalLine(name, time.Now(), d), nil
}

func DecodePacket(d []byte) (*Packet, error) {
	fr := frame.NewReader(bytes.NewReader(d))
	if !fr.ReadNext() {
		if err := fr.Err(); err != nil {
			return nil, badPacket("%s", err)
		}
		return nil, badPacket("no data")
	}
	data := fr.Data
	switch fr.Name {
	case packetName:
		// no-op
	case packetNameZstd:
		var err error
		if data, err = u.ZstdDecompressData(data); err != nil {
			return nil, badPacket("decompressing: %s", err)
		}
	default:
		return nil, badPacket("unknown frame '%s'", fr.Name)
	}
	var r frame.Record
	if err := r.Unmarshal(data); err != nil {
		return nil, badPacket("%s", err)
	}
	p := &Packet{
		Data: map[ident.ID]string{},
		Sent: fr.Timestamp,
	}
	var pending *ident.ID
	for _, e := range r.Entries {
		switch e.Key {
		case keyDir:
			p.Directory = e.Value
		case keyGen:
			p.Generation = e.Value
		case keyID:
			if pending != nil {
				return nil, badPacket("no document for '%s'", pending.String())
			}
			id, err := ident.Parse(e.Value)
			if err != nil {
				return nil, badPacket("%s", err)
			}
			pending = &id
		case keyDoc:
			if pending == nil {
				return nil, badPacket("document without id")
			}
			if _, dup := p.Data[*pending]; dup {
				return nil, badPacket("duplicate id '%s'", pending.String())
			}
			p.Data[*pending] = e.Value
			pending = nil
		}
	}
	if pending != nil {
		return nil, badPacket("no document for '%s'", pending.String())
	}
	if p.Directory == "" {
		return nil, badPacket("missing '%s'", keyDir)
	}
	return p, nil
}

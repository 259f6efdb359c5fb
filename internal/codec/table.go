// Package codec selects the serialization ruleset for a client's protocol
// version and answers the client's network settings request.
package codec

import (
	"fmt"
	"sort"

	"github.com/postalsys/bedrock-relay/internal/protocol"
)

// Entry is one supported protocol version.
type Entry struct {
	Protocol    int32
	GameVersion string
	Features    protocol.Feature
}

// Patch enables a feature for every protocol at or above Since.
type Patch struct {
	Since   int32
	Feature protocol.Feature
}

// Table is an ordered list of supported protocol versions plus the
// version-threshold patches applied on top of them.
type Table struct {
	entries []Entry
	patches []Patch
	def     Entry
}

// NewTable builds a table. def is returned for versions older than every
// entry. Entries need not be sorted.
func NewTable(entries []Entry, patches []Patch, def Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("codec table has no entries")
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Protocol < sorted[j].Protocol })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Protocol == sorted[i-1].Protocol {
			return nil, fmt.Errorf("duplicate codec entry for protocol %d", sorted[i].Protocol)
		}
	}
	return &Table{
		entries: sorted,
		patches: append([]Patch(nil), patches...),
		def:     def,
	}, nil
}

// Lookup returns the entry with the greatest protocol not above v. When v
// is older than every entry, the default is returned with ok false.
func (t *Table) Lookup(v int32) (e Entry, ok bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Protocol > v })
	if i == 0 {
		return t.def, false
	}
	return t.entries[i-1], true
}

// Oldest returns the lowest supported protocol.
func (t *Table) Oldest() int32 { return t.entries[0].Protocol }

// Newest returns the highest supported protocol.
func (t *Table) Newest() Entry { return t.entries[len(t.entries)-1] }

// Entries returns a copy of the table's entries in protocol order.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Codec resolves the codec a client announcing protocol v is served with:
// the looked-up entry's features plus every patch whose threshold v meets.
func (t *Table) Codec(v int32) (protocol.Codec, bool) {
	e, ok := t.Lookup(v)
	features := e.Features
	for _, p := range t.patches {
		if v >= p.Since {
			features |= p.Feature
		}
	}
	return protocol.Codec{Protocol: v, GameVersion: e.GameVersion, Features: features}, ok
}

// DefaultPatches are the serializer changes between supported releases.
var DefaultPatches = []Patch{
	{Since: 622, Feature: protocol.FeatureDisconnectReason},
	{Since: 649, Feature: protocol.FeatureCompressionPrefix},
	{Since: 712, Feature: protocol.FeatureDisconnectFiltered},
	{Since: 729, Feature: protocol.FeatureTransferReload},
}

var defaultEntries = []Entry{
	{Protocol: 622, GameVersion: "1.20.40"},
	{Protocol: 630, GameVersion: "1.20.50"},
	{Protocol: 649, GameVersion: "1.20.60"},
	{Protocol: 662, GameVersion: "1.20.70"},
	{Protocol: 671, GameVersion: "1.20.80"},
	{Protocol: 685, GameVersion: "1.21.0"},
	{Protocol: 686, GameVersion: "1.21.2"},
	{Protocol: 712, GameVersion: "1.21.20"},
	{Protocol: 729, GameVersion: "1.21.30"},
	{Protocol: 748, GameVersion: "1.21.40"},
	{Protocol: 766, GameVersion: "1.21.50"},
	{Protocol: 776, GameVersion: "1.21.60"},
	{Protocol: 786, GameVersion: "1.21.70"},
	{Protocol: 800, GameVersion: "1.21.80"},
	{Protocol: 818, GameVersion: "1.21.90"},
	{Protocol: 819, GameVersion: "1.21.93"},
	{Protocol: 827, GameVersion: "1.21.100"},
}

// DefaultTable returns the built-in table. Clients older than the oldest
// entry fall back to it.
func DefaultTable() *Table {
	t, err := NewTable(defaultEntries, DefaultPatches, defaultEntries[0])
	if err != nil {
		panic(err)
	}
	return t
}

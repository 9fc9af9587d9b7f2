package znode

import (
	"fmt"
	"slices"
	"time"
)

// Stat is the version metadata the coordination service keeps for every node.
type Stat struct {
	Czxid          int64 `json:"czxid"`
	Mzxid          int64 `json:"mzxid"`
	Ctime          int64 `json:"ctime"` // milliseconds since epoch
	Mtime          int64 `json:"mtime"` // milliseconds since epoch
	Version        int32 `json:"version"`
	Cversion       int32 `json:"cversion"`
	Aversion       int32 `json:"aversion"`
	EphemeralOwner int64 `json:"ephemeralOwner"`
	DataLength     int32 `json:"dataLength"`
	NumChildren    int32 `json:"numChildren"`
	Pzxid          int64 `json:"pzxid"`
}

// String renders the stat the way the coordination service prints it.
func (s Stat) String() string {
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d",
		s.Czxid, s.Mzxid, s.Ctime, s.Mtime, s.Version, s.Cversion,
		s.Aversion, s.EphemeralOwner, s.DataLength, s.NumChildren, s.Pzxid)
}

// ModTime returns Mtime as a time.Time.
func (s Stat) ModTime() time.Time {
	return time.UnixMilli(s.Mtime)
}

// Snapshot is the observed state of one node. A published snapshot is never mutated;
// a change produces a new one.
type Snapshot struct {
	Path Path   `json:"path"`
	Data []byte `json:"data,omitempty"`
	Stat Stat   `json:"stat"`
}

func (s *Snapshot) Version() int32 {
	return s.Stat.Version
}

func (s *Snapshot) ModTime() time.Time {
	return s.Stat.ModTime()
}

// SameRevision reports whether s and o describe the same revision of a node.
func (s *Snapshot) SameRevision(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Stat.Version == o.Stat.Version &&
		s.Stat.Mzxid == o.Stat.Mzxid &&
		s.Stat.Czxid == o.Stat.Czxid
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = slices.Clone(s.Data)
	return &c
}

// WithoutData returns a copy of s that only keeps the path and stat.
func (s *Snapshot) WithoutData() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{Path: s.Path, Stat: s.Stat}
}

// ChildSet maps a child name to its snapshot.
type ChildSet map[string]*Snapshot

// Clone returns a deep copy of cs.
func (cs ChildSet) Clone() ChildSet {
	out := make(ChildSet, len(cs))
	for name, snap := range cs {
		out[name] = snap.Clone()
	}
	return out
}

// Names returns the child names in lexical order.
func (cs ChildSet) Names() []string {
	names := make([]string, 0, len(cs))
	for name := range cs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

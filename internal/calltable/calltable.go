// Package calltable is the B2BUA's call registry: one entry per bridged
// call, correlating its two dialog legs and relay session. Built on
// internal/store's generic TTLStore, reused as-is, but sharded N-ways by
// Call-ID hash so the registry isn't a single hot lock under concurrent
// call load — services/signaling/dialog/manager.go uses one unsharded
// TTLStore, which this package generalizes.
package calltable

import (
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/sebas/switchboard/internal/store"
)

// DefaultTTL is how long a call entry lives once bridged, before the
// cleanup sweep would reclaim it if Terminate was never called (a safety
// net against leaked entries, not the expected path).
const DefaultTTL = 6 * time.Hour

// TerminatedTTL is how long a terminated entry is kept around for late
// retransmissions and CDR correlation before eviction.
const TerminatedTTL = 30 * time.Second

const shardCount = 16

// CallState is the lifecycle stage of a bridged call.
type CallState int

const (
	CallStateRinging CallState = iota
	CallStateBridged
	CallStateOnHold
	CallStateTerminated
)

func (s CallState) String() string {
	switch s {
	case CallStateRinging:
		return "ringing"
	case CallStateBridged:
		return "bridged"
	case CallStateOnHold:
		return "on_hold"
	case CallStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Call is one bridged call: a correlation record linking the near-leg and
// far-leg dialog Call-IDs to the relay session handling their media.
type Call struct {
	ID        string // the B2BUA's own call ID, distinct from either leg's SIP Call-ID
	ALegCID   string // near-leg SIP Call-ID
	BLegCID   string // far-leg SIP Call-ID
	RelayID   string // internal/media/relay.Session.ID
	State     CallState
	StartedAt time.Time
	Answered  time.Time
}

// Table is an N-way sharded, TTL-backed registry of in-progress calls.
type Table struct {
	shards [shardCount]*store.TTLStore[string, *Call]
}

// New creates a call table with cleanupInterval applied to every shard.
func New(cleanupInterval time.Duration) *Table {
	t := &Table{}
	for i := range t.shards {
		shard := store.NewTTLStore[string, *Call](cleanupInterval)
		shard.SetOnEvict(func(id string, c *Call) {
			slog.Debug("[CallTable] evicted", "call_id", id, "state", c.State)
		})
		t.shards[i] = shard
	}
	return t
}

func (t *Table) shardFor(id string) *store.TTLStore[string, *Call] {
	h := fnv.New32a()
	h.Write([]byte(id))
	return t.shards[h.Sum32()%shardCount]
}

// Put registers or replaces a call entry.
func (t *Table) Put(c *Call) {
	t.shardFor(c.ID).Set(c.ID, c, DefaultTTL)
}

// Get retrieves a call by its B2BUA call ID.
func (t *Table) Get(id string) (*Call, bool) {
	return t.shardFor(id).Get(id)
}

// Terminate marks a call terminated and downgrades its TTL to
// TerminatedTTL rather than deleting it outright, so in-flight BYE
// retransmissions and CDR writers can still see it briefly.
func (t *Table) Terminate(id string) {
	shard := t.shardFor(id)
	shard.Update(id, func(c *Call) *Call {
		c.State = CallStateTerminated
		return c
	}, durationPtr(TerminatedTTL))
}

// Delete removes a call entry immediately.
func (t *Table) Delete(id string) {
	t.shardFor(id).Delete(id)
}

// Count returns the total number of live calls across all shards.
func (t *Table) Count() int {
	n := 0
	for _, shard := range t.shards {
		n += shard.Len()
	}
	return n
}

// All returns every live call across all shards, for diagnostics.
func (t *Table) All() []*Call {
	var out []*Call
	for _, shard := range t.shards {
		for _, c := range shard.All() {
			out = append(out, c)
		}
	}
	return out
}

// Close stops all shard cleanup goroutines.
func (t *Table) Close() {
	for _, shard := range t.shards {
		shard.Close()
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

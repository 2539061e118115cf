// Package idgen generates 64-bit, time-ordered, node-qualified identifiers.
//
// Layout (high to low): 1 sign bit (always 0), 41 bits of milliseconds since
// a fixed epoch, 10 bits of node id, 12 bits of per-millisecond sequence.
// The generator is a value object constructed once and shared through the
// App aggregate; it is safe for concurrent use.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

// epochMillis is 2024-01-01T00:00:00Z. Ids sort after any id minted with an
// earlier epoch, which keeps them positive well past 2090.
const epochMillis = int64(1704067200000)

const (
	nodeBits     = 10
	seqBits      = 12
	maxNode      = (1 << nodeBits) - 1
	maxSeq       = (1 << seqBits) - 1
	timeShift    = nodeBits + seqBits
	nodeShift    = seqBits
)

// Generator mints monotonic ids. The zero value is not usable; call New.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64

	now func() time.Time // injectable for tests
}

// New creates a Generator for the given node id (0..1023).
func New(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("idgen: node id %d out of range [0, %d]", node, maxNode)
	}
	return &Generator{node: node, now: time.Now}, nil
}

// Next returns the next id. When the per-millisecond sequence overflows the
// generator spins until the next millisecond.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		// Clock went backwards; hold the last observed millisecond so ids
		// stay monotonic.
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSeq
		if g.sequence == 0 {
			for ms <= g.lastMs {
				ms = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return (ms-epochMillis)<<timeShift | g.node<<nodeShift | g.sequence
}

// Millis extracts the millisecond timestamp embedded in id.
func Millis(id int64) int64 {
	return (id >> timeShift) + epochMillis
}

// Node extracts the node id embedded in id.
func Node(id int64) int64 {
	return (id >> nodeShift) & maxNode
}

// Package idgenerator produces connection identifiers. Identifiers are
// unique within the process and never reused.
package idgenerator

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator hands out identifiers. Implementations are safe for concurrent
// use.
type Generator interface {
	// Next returns a new identifier that no previous call returned.
	Next() string
}

// UUIDGenerator generates random version 4 UUID strings. It is the default
// generator of the relay server.
type UUIDGenerator struct{}

// NewUUIDGenerator returns a Generator backed by google/uuid.
func NewUUIDGenerator() UUIDGenerator {
	return UUIDGenerator{}
}

// Next implements Generator.
func (UUIDGenerator) Next() string {
	return uuid.NewString()
}

// SequenceGenerator generates monotonically increasing identifiers of the
// form prefix+N. The first Next returns prefix+(start+1). It is mostly used in
// tests where predictable ids make assertions readable.
type SequenceGenerator struct {
	prefix string
	id     atomic.Uint64
}

// NewSequenceGenerator creates a SequenceGenerator.
//
// Parameters:
//   - prefix: String prepended to every identifier
//   - start: The counter value before the first call
//
// Returns:
//   - A new SequenceGenerator instance
func NewSequenceGenerator(prefix string, start uint64) *SequenceGenerator {
	gen := &SequenceGenerator{prefix: prefix}
	gen.id.Store(start)
	return gen
}

// Next implements Generator.
func (g *SequenceGenerator) Next() string {
	return g.prefix + strconv.FormatUint(g.id.Add(1), 10)
}

// Package id provides centralized ID generation for the gateway.
//
// ULIDs are used for identifiers that benefit from lexicographic sortability
// (request tracing, bridge lifecycles). Prefixes keep logs readable: req_*,
// brg_*. Proxy context IDs are UUIDs (see sessionproxy) and relay session IDs
// are raw hex (see vncrelay); those formats are part of their wire contracts.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestID identifies one proxied request end to end.
type RequestID string

// BridgeID identifies one bidirectional WebSocket bridge.
type BridgeID string

const (
	RequestPrefix = "req"
	BridgePrefix  = "brg"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewBridgeID generates a new bridge ID
func NewBridgeID() BridgeID {
	return BridgeID(Default().GenerateWithPrefix(BridgePrefix))
}

func (id RequestID) String() string { return string(id) }
func (id BridgeID) String() string  { return string(id) }

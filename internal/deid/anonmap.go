package deid

import (
	"fmt"
	"sync"
)

// PseudonymPrefix prefixes every pseudonym issued by an AnonymizationMap.
const PseudonymPrefix = "ANON_"

// AnonymizationMap assigns stable pseudonyms to raw values for the lifetime of
// one run. It is append-only and never persisted, so pseudonyms are not stable
// across runs.
type AnonymizationMap struct {
	mu         sync.Mutex
	pseudonyms map[string]string // raw value -> pseudonym
	reverse    map[string]string // pseudonym -> raw value
}

// NewAnonymizationMap creates an empty map.
func NewAnonymizationMap() *AnonymizationMap {
	return &AnonymizationMap{
		pseudonyms: make(map[string]string),
		reverse:    make(map[string]string),
	}
}

// Pseudonym returns the pseudonym for raw, issuing the next sequential one on
// first sight. Numbering starts at ANON_000000.
func (m *AnonymizationMap) Pseudonym(raw string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pseudonyms[raw]; ok {
		return p
	}
	p := fmt.Sprintf("%s%06d", PseudonymPrefix, len(m.pseudonyms))
	m.pseudonyms[raw] = p
	m.reverse[p] = raw
	return p
}

// Reverse returns the raw value behind a pseudonym.
func (m *AnonymizationMap) Reverse(pseudonym string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.reverse[pseudonym]
	return raw, ok
}

// Len returns the number of distinct raw values seen.
func (m *AnonymizationMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pseudonyms)
}

// Package audit keeps a hash-chained, append-only trail of settlement and
// reconciliation decisions. Each entry commits to its predecessor, so any
// after-the-fact edit breaks verification.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one audited event.
type Entry struct {
	Timestamp    string `json:"timestamp"`
	Operation    string `json:"operation"`
	Detail       string `json:"detail"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// Trail is an in-process hash chain of audit entries. It retains every
// appended entry for inspection and verification.
type Trail struct {
	mu           sync.Mutex
	previousHash string
	entries      []*Entry
}

// NewTrail creates a trail anchored on a zero hash.
func NewTrail() *Trail {
	return &Trail{
		previousHash: strings.Repeat("0", 64),
	}
}

// Append records an event and links it to the previous entry.
func (t *Trail) Append(operation, detail string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &Entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Operation:    operation,
		Detail:       detail,
		PreviousHash: t.previousHash,
	}
	entry.Hash = entryHash(entry)

	t.previousHash = entry.Hash
	t.entries = append(t.entries, entry)
	return entry
}

// Entries returns a snapshot of the trail in append order.
func (t *Trail) Entries() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func entryHash(e *Entry) string {
	input := fmt.Sprintf("%s|%s|%s|%s", e.PreviousHash, e.Timestamp, e.Operation, e.Detail)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Verify checks that entries form an unbroken, untampered hash chain.
func Verify(entries []*Entry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry) != entry.Hash {
			return false
		}
	}
	return true
}

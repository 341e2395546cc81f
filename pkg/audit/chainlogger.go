package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// ZeroHash is the previous-hash value of the first entry in any chain.
var ZeroHash = strings.Repeat("0", 64)

// ChainHash computes the hash of a chain entry from its predecessor's hash,
// a timestamp string and an arbitrary payload. The ledger uses the same
// construction to chain transaction records per credit.
func ChainHash(prevHash, timestamp, payload string) string {
	sum := sha256.Sum256([]byte(prevHash + "|" + timestamp + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// LogEntry represents a single audit log entry.
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger provides a tamper-evident logging mechanism using hash
// chaining. Safe for concurrent use.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
}

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{previousHash: ZeroHash}
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = ChainHash(entry.PreviousHash, entry.Timestamp, entry.Payload)

	c.previousHash = entry.Hash
	return entry
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if ChainHash(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}

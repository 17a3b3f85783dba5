// Package ledger is the hash-chained, append-only record of every decision
// and every policy change.
package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"
	"strings"
	"time"
)

// EntryType says what an entry wraps
type EntryType string

const (
	TypeDecision         EntryType = "DECISION"
	TypePolicyPublished  EntryType = "POLICY_PUBLISHED"
	TypePolicyRolledBack EntryType = "POLICY_ROLLED_BACK"
)

// GenesisHash is the prevHash of the first entry
var GenesisHash = strings.Repeat("0", 64)

// Record is what callers hand to Append. Payload is serialized with
// encoding/json, which orders struct fields by declaration and map keys
// alphabetically.
type Record struct {
	Type            EntryType
	TraceID         string
	PolicyVersionID int64 // 0 when no version was consulted
	Effect          string
	Payload         any
}

// Entry is one link of the chain
type Entry struct {
	Index           int64           `json:"index"`
	Type            EntryType       `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	TraceID         string          `json:"traceId,omitempty"`
	PolicyVersionID int64           `json:"policyVersionId,omitempty"`
	Effect          string          `json:"effect,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	PrevHash        string          `json:"prevHash"`
	Hash            string          `json:"hash"`
}

// canonicalBytes joins every hashed field with a NUL separator. Hash itself
// is excluded; PrevHash is prepended by hashEntry.
func (e *Entry) canonicalBytes() []byte {
	fields := []string{
		strconv.FormatInt(e.Index, 10),
		string(e.Type),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.TraceID,
		strconv.FormatInt(e.PolicyVersionID, 10),
		e.Effect,
		string(e.Payload),
	}
	return []byte(strings.Join(fields, "\x00"))
}

// hasher computes entry hashes: plain SHA-256, or HMAC-SHA256 when a secret
// is configured
type hasher struct {
	secret []byte
}

func (h hasher) new() hash.Hash {
	if len(h.secret) > 0 {
		return hmac.New(sha256.New, h.secret)
	}
	return sha256.New()
}

// sum returns H(prevHash || 0x00 || canonical(e))
func (h hasher) sum(e *Entry) string {
	m := h.new()
	m.Write([]byte(e.PrevHash))
	m.Write([]byte{0})
	m.Write(e.canonicalBytes())
	return hex.EncodeToString(m.Sum(nil))
}

// verify recomputes e's hash and compares in constant time
func (h hasher) verify(e *Entry) bool {
	return hmac.Equal([]byte(h.sum(e)), []byte(e.Hash))
}

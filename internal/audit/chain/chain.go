// Package chain computes and verifies the hash chain that links every audit
// event to its predecessor. Everything here is pure: no I/O, no clocks.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"time"

	"auditchain/internal/audit/models"
	dErrors "auditchain/pkg/domain-errors"
)

// TimestampPrecision is the precision occurredAt is truncated to before
// hashing and storage. Postgres timestamptz keeps microseconds.
const TimestampPrecision = time.Microsecond

var (
	ErrDigestMismatch      = errors.New("self hash does not match recomputed digest")
	ErrLinkMismatch        = errors.New("prev hash does not match predecessor self hash")
	ErrSequenceGap         = errors.New("sequence is not contiguous with predecessor")
	ErrStateDigestMismatch = errors.New("state payload does not match its recorded digest")
)

// Canonicalize encodes v as JSON with sorted object keys and literal numbers,
// so that re-encoding a decoded copy yields the same bytes.
func Canonicalize(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if generic == nil {
		return nil, nil
	}
	return json.Marshal(generic)
}

// StateDigest is the SHA-256 hex of a canonical state payload, "" for null.
func StateDigest(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// NormalizeTime returns t in UTC at hashing precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// Digest hashes the immutable identity fields of e. Each field is written as
// "<len>:<value>," so no two field sequences share an encoding.
//
// Before/after states contribute through their digests: the live payload when
// present, else the digest recorded at ingestion. That keeps the digest
// reproducible after anonymization nulls the payloads.
func Digest(e *models.Event) string {
	h := sha256.New()
	writeField(h, e.ID)
	writeField(h, string(e.Type))
	writeField(h, e.Actor.ID)
	writeField(h, e.Target.Type)
	writeField(h, e.Target.ID)
	writeField(h, e.Action)
	writeField(h, effectiveDigest(e.BeforeState, e.BeforeDigest))
	writeField(h, effectiveDigest(e.AfterState, e.AfterDigest))
	writeField(h, NormalizeTime(e.OccurredAt).Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

func effectiveDigest(raw json.RawMessage, recorded string) string {
	if isNull(raw) {
		return recorded
	}
	return StateDigest(raw)
}

func writeField(h hash.Hash, v string) {
	h.Write([]byte(strconv.Itoa(len(v))))
	h.Write([]byte{':'})
	h.Write([]byte(v))
	h.Write([]byte{','})
}

// Seal fills the state digests, SelfHash and PrevHash of a new event.
func Seal(e *models.Event, prevHash string) {
	e.OccurredAt = NormalizeTime(e.OccurredAt)
	e.BeforeDigest = StateDigest(e.BeforeState)
	e.AfterDigest = StateDigest(e.AfterState)
	e.PrevHash = prevHash
	e.SelfHash = Digest(e)
}

// CheckEvent verifies an event on its own: recorded state digests agree with
// any payload still present, a payload only disappears through anonymization,
// and SelfHash reproduces.
func CheckEvent(e *models.Event) error {
	if err := checkState(e.BeforeState, e.BeforeDigest, e.Anonymized); err != nil {
		return fmt.Errorf("before state: %w", err)
	}
	if err := checkState(e.AfterState, e.AfterDigest, e.Anonymized); err != nil {
		return fmt.Errorf("after state: %w", err)
	}
	if e.SelfHash != Digest(e) {
		return ErrDigestMismatch
	}
	return nil
}

func checkState(raw json.RawMessage, recorded string, anonymized bool) error {
	if isNull(raw) {
		if recorded != "" && !anonymized {
			return ErrStateDigestMismatch
		}
		return nil
	}
	if StateDigest(raw) != recorded {
		return ErrStateDigestMismatch
	}
	return nil
}

// VerifyLink reports whether cur correctly extends prev. nil means intact.
func VerifyLink(prev, cur *models.Event) error {
	if cur.PrevHash != prev.SelfHash {
		return ErrLinkMismatch
	}
	if cur.Seq != prev.Seq+1 {
		return ErrSequenceGap
	}
	return CheckEvent(cur)
}

// Anchor describes what the first event of a verified slice must link to:
// the predecessor's hash and sequence. The zero Anchor is the genesis of an
// empty chain.
type Anchor struct {
	Hash string
	Seq  int64
}

// AnchorOf returns the anchor formed by an existing predecessor event.
func AnchorOf(prev *models.Event) Anchor {
	return Anchor{Hash: prev.SelfHash, Seq: prev.Seq}
}

// Result is a verification finding. It is data, not an error: a broken chain
// is reported, never repaired.
type Result struct {
	Valid         bool   `json:"valid"`
	BrokenAtIndex *int   `json:"broken_at_index,omitempty"`
	BrokenEventID string `json:"broken_event_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Checked       int    `json:"checked"`
}

// Verify walks events in chain order. The first event is checked against
// anchor; every later one against its predecessor in the slice.
func Verify(events []*models.Event, anchor Anchor) Result {
	for i, e := range events {
		var err error
		if i == 0 {
			err = verifyAgainstAnchor(e, anchor)
		} else {
			err = VerifyLink(events[i-1], e)
		}
		if err != nil {
			idx := i
			return Result{
				Valid:         false,
				BrokenAtIndex: &idx,
				BrokenEventID: e.ID,
				Reason:        err.Error(),
				Checked:       i + 1,
			}
		}
	}
	return Result{Valid: true, Checked: len(events)}
}

func verifyAgainstAnchor(e *models.Event, anchor Anchor) error {
	if e.PrevHash != anchor.Hash {
		return ErrLinkMismatch
	}
	if e.Seq != anchor.Seq+1 {
		return ErrSequenceGap
	}
	return CheckEvent(e)
}

// Err converts a broken result into an integrity violation for callers that
// must fail on it (CLI exit codes, health checks). Valid results yield nil.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	idx := -1
	if r.BrokenAtIndex != nil {
		idx = *r.BrokenAtIndex
	}
	return dErrors.Newf(dErrors.CodeIntegrityViolation, "chain broken at index %d (event %s): %s", idx, r.BrokenEventID, r.Reason)
}

package chain

import (
	"encoding/json"
	"testing"
	"time"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	dErrors "auditchain/pkg/domain-errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCanonical(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	raw, err := Canonicalize(v)
	require.NoError(t, err)
	return raw
}

func newEvent(t *testing.T, id string, seq int64, prev string) *models.Event {
	t.Helper()
	e := &models.Event{
		ID:          id,
		Seq:         seq,
		Type:        policy.EventDataModified,
		Actor:       models.Actor{ID: "u1", Name: "Ana"},
		Target:      models.Target{Type: "customer", ID: "c-9"},
		Action:      "update email",
		BeforeState: mustCanonical(t, map[string]any{"email": "a@x.io"}),
		AfterState:  mustCanonical(t, map[string]any{"email": "b@x.io"}),
		OccurredAt:  time.Date(2026, 4, 2, 8, 30, 0, 123456789, time.UTC),
	}
	Seal(e, prev)
	return e
}

func buildChain(t *testing.T, n int) []*models.Event {
	t.Helper()
	var out []*models.Event
	prev := ""
	for i := 1; i <= n; i++ {
		e := newEvent(t, "e"+string(rune('0'+i)), int64(i), prev)
		out = append(out, e)
		prev = e.SelfHash
	}
	return out
}

func TestDigest_Deterministic(t *testing.T) {
	e := newEvent(t, "e1", 1, "")
	first := Digest(e)

	for range 5 {
		assert.Equal(t, first, Digest(e))
	}
	assert.Len(t, first, 64)
	assert.Equal(t, first, e.SelfHash)
}

func TestDigest_ChangesOnEveryHashedField(t *testing.T) {
	base := newEvent(t, "e1", 1, "")
	original := Digest(base)

	mutations := map[string]func(e *models.Event){
		"id":          func(e *models.Event) { e.ID = "e2" },
		"type":        func(e *models.Event) { e.Type = policy.EventDataDeleted },
		"actor id":    func(e *models.Event) { e.Actor.ID = "u2" },
		"target type": func(e *models.Event) { e.Target.Type = "order" },
		"target id":   func(e *models.Event) { e.Target.ID = "c-10" },
		"action":      func(e *models.Event) { e.Action = "update phone" },
		"before":      func(e *models.Event) { e.BeforeState = json.RawMessage(`{"email":"z@x.io"}`) },
		"after":       func(e *models.Event) { e.AfterState = json.RawMessage(`{"email":"z@x.io"}`) },
		"occurred":    func(e *models.Event) { e.OccurredAt = e.OccurredAt.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		e := base.Clone()
		mutate(e)
		assert.NotEqual(t, original, Digest(e), name)
	}
}

func TestDigest_IgnoresMutableFields(t *testing.T) {
	e := newEvent(t, "e1", 1, "")
	original := Digest(e)

	e.Status = models.StatusArchived
	e.Actor.Name = "someone else"
	e.Metadata = json.RawMessage(`{"k":"v"}`)
	e.RetentionUntil = time.Now().AddDate(10, 0, 0)

	assert.Equal(t, original, Digest(e))
}

func TestDigest_FieldBoundariesAreUnambiguous(t *testing.T) {
	a := newEvent(t, "e1", 1, "")
	b := a.Clone()
	a.Actor.ID, a.Target.Type = "a", "bc"
	b.Actor.ID, b.Target.Type = "ab", "c"

	assert.NotEqual(t, Digest(a), Digest(b))
}

func TestCanonicalize_SortsKeysAndIsStable(t *testing.T) {
	raw := mustCanonical(t, map[string]any{"b": 1, "a": map[string]any{"z": true, "y": 2.5}})
	assert.Equal(t, `{"a":{"y":2.5,"z":true},"b":1}`, string(raw))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	again := mustCanonical(t, decoded)
	assert.Equal(t, string(raw), string(again))

	empty, err := Canonicalize(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestVerify_ValidChain(t *testing.T) {
	events := buildChain(t, 4)

	res := Verify(events, Anchor{})
	assert.True(t, res.Valid)
	assert.Nil(t, res.BrokenAtIndex)
	assert.Equal(t, 4, res.Checked)
	assert.NoError(t, res.Err())
}

func TestVerify_FirstEventLinksToEmpty(t *testing.T) {
	events := buildChain(t, 2)

	assert.Equal(t, "", events[0].PrevHash)
	assert.Equal(t, events[0].SelfHash, events[1].PrevHash)
}

func TestVerify_TamperedActionBreaksAtIndex(t *testing.T) {
	events := buildChain(t, 3)
	events[0].Action = "nothing to see"

	res := Verify(events, Anchor{})
	require.False(t, res.Valid)
	require.NotNil(t, res.BrokenAtIndex)
	assert.Equal(t, 0, *res.BrokenAtIndex)
	assert.Equal(t, events[0].ID, res.BrokenEventID)
	assert.Contains(t, res.Reason, ErrDigestMismatch.Error())

	err := res.Err()
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeIntegrityViolation))
}

func TestVerify_RelinkedEventIsDetected(t *testing.T) {
	events := buildChain(t, 3)
	events[2].PrevHash = "forged"

	res := Verify(events, Anchor{})
	require.False(t, res.Valid)
	assert.Equal(t, 2, *res.BrokenAtIndex)
	assert.Equal(t, ErrLinkMismatch.Error(), res.Reason)
}

func TestVerify_DeletedEventIsDetected(t *testing.T) {
	events := buildChain(t, 4)
	withGap := []*models.Event{events[0], events[2], events[3]}

	res := Verify(withGap, Anchor{})
	require.False(t, res.Valid)
	assert.Equal(t, 1, *res.BrokenAtIndex)
}

func TestVerify_MidChainAnchor(t *testing.T) {
	events := buildChain(t, 5)

	res := Verify(events[2:], AnchorOf(events[1]))
	assert.True(t, res.Valid)

	res = Verify(events[2:], Anchor{})
	assert.False(t, res.Valid)
	assert.Equal(t, 0, *res.BrokenAtIndex)
}

func TestVerify_AnonymizedEventStillVerifies(t *testing.T) {
	events := buildChain(t, 3)
	events[1].Anonymize()

	res := Verify(events, Anchor{})
	assert.True(t, res.Valid, res.Reason)
}

func TestVerify_PayloadRemovedWithoutAnonymization(t *testing.T) {
	events := buildChain(t, 2)
	events[1].AfterState = nil

	res := Verify(events, Anchor{})
	require.False(t, res.Valid)
	assert.Equal(t, 1, *res.BrokenAtIndex)
	assert.Contains(t, res.Reason, ErrStateDigestMismatch.Error())
}

func TestVerify_EmptySlice(t *testing.T) {
	res := Verify(nil, Anchor{})
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.Checked)
}

func TestSeal_TruncatesToMicroseconds(t *testing.T) {
	e := newEvent(t, "e1", 1, "")
	assert.Equal(t, 123456000, e.OccurredAt.Nanosecond())
}

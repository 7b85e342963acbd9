package correlate

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/merrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CompleteResolves(t *testing.T) {
	r := New()
	p := r.Register("m1", "dev1", "GET Appliance.System.Ability", time.Second)
	r.Complete("m1", map[string]any{"ok": true})

	val, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, val)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_FailResolves(t *testing.T) {
	r := New()
	p := r.Register("m1", "dev1", "SET", time.Second)
	wantErr := errors.New("boom")
	r.Fail("m1", wantErr)

	_, err := p.Wait()
	assert.Equal(t, wantErr, err)
}

// S5 — Timeout scenario.
func TestRegistry_S5_Timeout(t *testing.T) {
	r := New()
	p := r.Register("m1", "dev1", "GET", 30*time.Millisecond)

	start := time.Now()
	_, err := p.Wait()
	elapsed := time.Since(start)

	assert.InDelta(t, float64(30*time.Millisecond), float64(elapsed), float64(40*time.Millisecond))
	var ct *merrors.CommandTimeoutError
	assert.ErrorAs(t, err, &ct)
	assert.Equal(t, 0, r.Len(), "pending entry removed after timeout")

	// A late reply with the same messageId must be a no-op.
	r.Complete("m1", "late-payload")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CompleteUnknownIsNoop(t *testing.T) {
	r := New()
	r.Complete("missing", "x")
	r.Fail("missing", errors.New("x"))
}

func marshalPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestTryComplete_GETACKResolvesWithPayload(t *testing.T) {
	r := New()
	p := r.Register("m1", "dev1", "GET", time.Second)

	env := &codec.Envelope{
		Header:  codec.Header{MessageId: "m1", Method: codec.MethodGETACK},
		Payload: marshalPayload(t, map[string]any{"ok": true}),
	}
	assert.True(t, TryComplete(r, env))

	val, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, val)
}

func TestTryComplete_ERRORResolvesWithCommandError(t *testing.T) {
	r := New()
	p := r.Register("m1", "dev1", "SET", time.Second)

	env := &codec.Envelope{
		Header:  codec.Header{MessageId: "m1", Method: codec.MethodERROR, UUID: "dev1"},
		Payload: marshalPayload(t, map[string]any{"code": -1}),
	}
	assert.True(t, TryComplete(r, env))

	_, err := p.Wait()
	var cmdErr *merrors.CommandError
	assert.ErrorAs(t, err, &cmdErr)
}

func TestTryComplete_UnknownMessageIdFalls_Through(t *testing.T) {
	r := New()
	env := &codec.Envelope{Header: codec.Header{MessageId: "no-such-id", Method: codec.MethodPUSH}}
	assert.False(t, TryComplete(r, env), "caller must fall through to push-notification routing")
}

func TestTryComplete_ReplyAfterDeadlineIsNotMatched(t *testing.T) {
	r := New()
	p := r.Register("m1", "dev1", "GET", time.Millisecond)
	time.Sleep(5 * time.Millisecond) // force the deadline timer to have already fired and removed the entry

	env := &codec.Envelope{
		Header:  codec.Header{MessageId: "m1", Method: codec.MethodGETACK},
		Payload: marshalPayload(t, map[string]any{"ok": true}),
	}
	assert.False(t, TryComplete(r, env), "a reply arriving after the deadline already removed the entry correctly reports no match")

	_, err := p.Wait()
	var ct *merrors.CommandTimeoutError
	assert.ErrorAs(t, err, &ct, "the timeout that actually won the race must still be what the original caller observes")
}

func TestRegistry_CancelAll(t *testing.T) {
	r := New()
	p1 := r.Register("m1", "d1", "GET", time.Minute)
	p2 := r.Register("m2", "d2", "GET", time.Minute)
	r.CancelAll()

	_, err1 := p1.Wait()
	_, err2 := p2.Wait()
	assert.ErrorIs(t, err1, merrors.ErrCancelled)
	assert.ErrorIs(t, err2, merrors.ErrCancelled)
}

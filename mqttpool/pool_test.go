package mqttpool

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/correlate"
	"github.com/rustyeddy/merossmgr/merrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_PasswordIsMD5OfUserIdAndKey(t *testing.T) {
	s := Session{UserId: "u1", Key: "k1"}
	sum := md5.Sum([]byte("u1k1"))
	assert.Equal(t, hex.EncodeToString(sum[:]), s.Password())
}

func TestSession_ClientId(t *testing.T) {
	s := Session{AppId: "abc123"}
	assert.Equal(t, "app:abc123", s.ClientId())
}

func TestNewSession_DerivesDistinctAppIds(t *testing.T) {
	s1 := NewSession("u1", "k1")
	s2 := NewSession("u1", "k1")
	assert.Equal(t, "u1", s1.UserId)
	assert.Equal(t, "k1", s1.Key)
	assert.Len(t, s1.AppId, 32)
	assert.NotEqual(t, s1.AppId, s2.AppId, "appId is derived from a random uuid, not deterministic")
}

type fakeDispatcher struct {
	delivered []string
}

func (f *fakeDispatcher) DeliverInbound(deviceUUID string, raw []byte) {
	f.delivered = append(f.delivered, deviceUUID)
}

func newTestPool(disp InboundDispatcher) *Pool {
	return NewPool(Session{UserId: "u1", Key: "k1"}, correlate.New(), disp, nil)
}

func encodeEnvelope(t *testing.T, h codec.Header, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := codec.Envelope{Header: h, Payload: raw}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestPool_Route_CompletesPendingOnGETACK(t *testing.T) {
	disp := &fakeDispatcher{}
	p := newTestPool(disp)

	pend := p.Correlate.Register("m1", "dev1", "GET", time.Second)
	raw := encodeEnvelope(t, codec.Header{
		MessageId: "m1",
		Method:    codec.MethodGETACK,
		Namespace: "Appliance.System.All",
		From:      "/appliance/dev1/publish",
	}, map[string]any{"all": 1})

	p.route(raw)

	val, err := pend.Wait()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"all": float64(1)}, val)
	assert.Empty(t, disp.delivered, "a correlated reply must not also be routed as a push")
}

func TestPool_Route_FailsPendingOnERROR(t *testing.T) {
	disp := &fakeDispatcher{}
	p := newTestPool(disp)

	pend := p.Correlate.Register("m1", "dev1", "SET", time.Second)
	raw := encodeEnvelope(t, codec.Header{
		MessageId: "m1",
		Method:    codec.MethodERROR,
		Namespace: "Appliance.Control.Toggle",
		From:      "/appliance/dev1/publish",
	}, map[string]any{"code": -1})

	p.route(raw)

	_, err := pend.Wait()
	var cmdErr *merrors.CommandError
	assert.ErrorAs(t, err, &cmdErr)
}

func TestPool_Route_PushFallsThroughToDispatcher(t *testing.T) {
	disp := &fakeDispatcher{}
	p := newTestPool(disp)

	raw := encodeEnvelope(t, codec.Header{
		MessageId: "unrelated-push-id-0000000000000",
		Method:    codec.MethodPUSH,
		Namespace: "Appliance.Control.Toggle",
		From:      "/appliance/dev1/publish",
	}, map[string]any{"togglex": map[string]any{"onoff": 1}})

	p.route(raw)

	require.Len(t, disp.delivered, 1)
	assert.Equal(t, "dev1", disp.delivered[0])
}

func TestPool_Route_DropsWhenNoFromAndNoPending(t *testing.T) {
	disp := &fakeDispatcher{}
	p := newTestPool(disp)

	raw := encodeEnvelope(t, codec.Header{
		MessageId: "no-such-id-000000000000000000000",
		Method:    codec.MethodPUSH,
		Namespace: "Appliance.Control.Toggle",
	}, map[string]any{})

	p.route(raw)
	assert.Empty(t, disp.delivered)
}

func TestPool_Route_UnparseableIsDroppedSilently(t *testing.T) {
	disp := &fakeDispatcher{}
	p := newTestPool(disp)
	assert.NotPanics(t, func() { p.route([]byte("not json")) })
	assert.Empty(t, disp.delivered)
}

func TestPool_Connect_AlreadyConnectedIsNoop(t *testing.T) {
	p := newTestPool(&fakeDispatcher{})
	p.conns["broker.example.com"] = &conn{domain: "broker.example.com"}
	assert.NoError(t, p.Connect("broker.example.com"))
}

func TestPool_Connect_ConcurrentCallersShareOneFuture(t *testing.T) {
	p := newTestPool(&fakeDispatcher{})
	fut := &connectFuture{done: make(chan struct{})}
	p.connect["broker.example.com"] = fut

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- p.Connect("broker.example.com")
		}()
	}

	time.Sleep(10 * time.Millisecond) // give goroutines time to block on fut.done
	fut.err = merrors.NewMqtt("boom", nil)
	close(fut.done)

	for i := 0; i < 3; i++ {
		err := <-results
		assert.ErrorIs(t, err, fut.err)
	}
}

func TestPool_IsConnected(t *testing.T) {
	p := newTestPool(&fakeDispatcher{})
	assert.False(t, p.IsConnected("broker.example.com"))
	p.conns["broker.example.com"] = &conn{domain: "broker.example.com"}
	assert.True(t, p.IsConnected("broker.example.com"))
}

func TestPool_Publish_FalseWhenDomainUnconnected(t *testing.T) {
	p := newTestPool(&fakeDispatcher{})
	assert.False(t, p.Publish("broker.example.com", "dev1", []byte("{}")))
}

type fakeConnEvents struct {
	errors       []string
	disconnected []string
	connected    []string
}

func (f *fakeConnEvents) OnDomainError(domain string, err error) { f.errors = append(f.errors, domain) }
func (f *fakeConnEvents) OnDomainDisconnected(domain string, err error) {
	f.disconnected = append(f.disconnected, domain)
}
func (f *fakeConnEvents) OnDomainConnected(domain string) { f.connected = append(f.connected, domain) }

func TestPool_NotifyError_ReachesConnEvents(t *testing.T) {
	events := &fakeConnEvents{}
	p := NewPool(Session{UserId: "u1", Key: "k1"}, correlate.New(), &fakeDispatcher{}, events)

	p.notifyError("broker.example.com", merrors.NewMqtt("boom", nil))
	require.Len(t, events.errors, 1)
	assert.Equal(t, "broker.example.com", events.errors[0])
}

func TestPool_NotifyError_NoopWhenEventsUnset(t *testing.T) {
	p := newTestPool(&fakeDispatcher{})
	assert.NotPanics(t, func() { p.notifyError("broker.example.com", merrors.NewMqtt("boom", nil)) })
}

func TestPool_DisconnectAll_ClearsConns(t *testing.T) {
	p := newTestPool(&fakeDispatcher{})
	p.conns["a"] = &conn{domain: "a"}
	p.conns["b"] = &conn{domain: "b"}
	p.DisconnectAll()
	assert.False(t, p.IsConnected("a"))
	assert.False(t, p.IsConnected("b"))
}

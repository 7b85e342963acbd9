package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	uuid         string
	internalID   string
	typ          string
	name         string
	online       OnlineStatus
	capabilities map[string]bool
	disconnected bool
}

func (f *fakeEntry) UUID() string             { return f.uuid }
func (f *fakeEntry) InternalID() string       { return f.internalID }
func (f *fakeEntry) Type() string             { return f.typ }
func (f *fakeEntry) Name() string             { return f.name }
func (f *fakeEntry) OnlineStatus() OnlineStatus { return f.online }
func (f *fakeEntry) HasCapability(tag string) bool {
	return f.capabilities[tag]
}
func (f *fakeEntry) Disconnect() { f.disconnected = true }

func base(uuid, typ, name string, online OnlineStatus, caps ...string) *fakeEntry {
	m := make(map[string]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return &fakeEntry{uuid: uuid, internalID: BaseInternalID(uuid), typ: typ, name: name, online: online, capabilities: m}
}

func sub(hub, id, typ, name string) *fakeEntry {
	return &fakeEntry{internalID: SubInternalID(hub, id), typ: typ, name: name, capabilities: map[string]bool{}}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	d := base("u1", "mss310", "Plug", StatusOnline)
	r.Register(d)

	got, ok := r.Get("u1")
	require.True(t, ok)
	assert.Same(t, d, got)

	gotByID, ok := r.GetByInternalID(BaseInternalID("u1"))
	require.True(t, ok)
	assert.Same(t, d, gotByID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SubdeviceHasNoUUIDIndex(t *testing.T) {
	r := New()
	s := sub("hub1", "sub1", "ms100", "Sensor")
	r.Register(s)

	_, ok := r.Get("")
	assert.False(t, ok, "subdevices must never be reachable via the uuid index")
	got, ok := r.GetByInternalID(SubInternalID("hub1", "sub1"))
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestRegistry_RegisterIsIdempotentOnInternalID(t *testing.T) {
	r := New()
	d1 := base("u1", "mss310", "Plug", StatusOnline)
	r.Register(d1)
	d2 := base("u1", "mss310", "Plug Renamed", StatusOffline)
	r.Register(d2)

	assert.Equal(t, 1, r.Len())
	got, _ := r.Get("u1")
	assert.Same(t, d2, got)
}

func TestRegistry_RemoveDropsBothIndices(t *testing.T) {
	r := New()
	d := base("u1", "mss310", "Plug", StatusOnline)
	r.Register(d)

	removed := r.Remove(BaseInternalID("u1"))
	assert.Same(t, d, removed)
	_, ok := r.Get("u1")
	assert.False(t, ok)
	_, ok = r.GetByInternalID(BaseInternalID("u1"))
	assert.False(t, ok)
	assert.False(t, d.disconnected, "Remove must not disconnect; only Clear does")
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	r := New()
	assert.Nil(t, r.Remove("missing"))
}

func TestRegistry_ClearDisconnectsEverything(t *testing.T) {
	r := New()
	d1 := base("u1", "mss310", "Plug", StatusOnline)
	d2 := base("u2", "mss310", "Plug2", StatusOnline)
	r.Register(d1)
	r.Register(d2)

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.True(t, d1.disconnected)
	assert.True(t, d2.disconnected)
}

func TestRegistry_Find_Conjunctive(t *testing.T) {
	r := New()
	r.Register(base("u1", "mss310", "Plug", StatusOnline, "Appliance.Control.Toggle"))
	r.Register(base("u2", "msl120", "Bulb", StatusOnline, "Appliance.Control.Light"))
	r.Register(base("u3", "msl120", "Bulb Offline", StatusOffline, "Appliance.Control.Light"))

	online := StatusOnline
	got := r.Find(Filters{Type: "msl120", Online: &online})
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UUID())
}

func TestRegistry_Find_ByCapabilityNotType(t *testing.T) {
	r := New()
	r.Register(base("u1", "custom-type-a", "Thing", StatusOnline, "Appliance.Control.Light"))
	r.Register(base("u2", "custom-type-b", "Other", StatusOnline))

	got := r.Find(Filters{Capability: "Appliance.Control.Light"})
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UUID())
}

func TestRegistry_Find_UUIDSetAndPredicate(t *testing.T) {
	r := New()
	r.Register(base("u1", "t", "A", StatusOnline))
	r.Register(base("u2", "t", "B", StatusOnline))
	r.Register(base("u3", "t", "C", StatusOnline))

	got := r.Find(Filters{
		UUIDs:     []string{"u1", "u2"},
		Predicate: func(e Entry) bool { return e.Name() == "B" },
	})
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UUID())
}

func TestRegistry_Find_InternalIDSetIncludesSubdevices(t *testing.T) {
	r := New()
	r.Register(base("hub1", "hub", "Hub", StatusOnline))
	r.Register(sub("hub1", "s1", "ms100", "Sensor"))

	got := r.Find(Filters{InternalIDs: []string{SubInternalID("hub1", "s1")}})
	require.Len(t, got, 1)
	assert.Equal(t, "Sensor", got[0].Name())
}

func TestRegistry_Uniqueness(t *testing.T) {
	r := New()
	d := base("u1", "t", "A", StatusOnline)
	r.Register(d)

	g1, _ := r.Get("u1")
	g2, _ := r.GetByInternalID(BaseInternalID("u1"))
	assert.Same(t, g1, g2, "get(uuid) and get(internalID) resolve to the same object")
}

// Package device implements the device core (C8): per-device ability and
// channel metadata, a revisioned feature-state cache, capability checks
// over ability bitmasks, and the inbound router that turns a parsed
// envelope into either a correlation completion or a unified state event.
// Grounded on the teacher's device/device.go state-holder shape (mutex-
// guarded struct, setState-style mutation, JSON()/String()), generalized
// from a single mock value to the full channel/feature state cache the
// protocol needs.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rustyeddy/merossmgr/arbiter"
	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/correlate"
	"github.com/rustyeddy/merossmgr/merrors"
	"github.com/rustyeddy/merossmgr/registry"
	"github.com/rustyeddy/merossmgr/throttle"
)

// Kind tags which of the three device shapes an entry is, replacing the
// source's class hierarchy (design note: tagged variants, not deep
// inheritance).
type Kind int

const (
	KindBase Kind = iota
	KindHub
	KindSub
)

// Capability bitmask constants read from
// abilities["Appliance.Control.Light"].capacity.
const (
	CapabilityRGB         = 1
	CapabilityTemperature = 2
	CapabilityLuminance   = 4
)

const lightNamespace = "Appliance.Control.Light"

// HubDiscriminatingAbility is the exact ability key the source uses to
// classify a device as a hub. Preserved verbatim per Open Question 3:
// changing it silently misclassifies devices.
const HubDiscriminatingAbility = "Appliance.Hub.SubdeviceList"

// Source tags where a state update came from, per spec §4.9's unified event.
type Source string

const (
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceCache Source = "cache"
)

// Event is the unified state-change notification emitted for every feature
// update, regardless of source.
type Event struct {
	Type      string // namespace / feature
	Channel   int
	Value     any
	Source    Source
	Timestamp time.Time
}

// Channel is a single control endpoint on the device; channel 0 is master.
type Channel struct {
	Index    int
	Name     string
	IsMaster bool
	IsUSB    bool
}

// Ability describes one namespace the device declared support for at
// enrollment. Capacity carries the bitmask fields (e.g. light capability).
type Ability struct {
	Namespace string
	Capacity  int
	Raw       json.RawMessage
}

type stateKey struct {
	feature string
	channel int
}

// StateSlot is one cached (feature, channel) value.
type StateSlot struct {
	Value     any
	Timestamp time.Time
	Revision  uint64
}

// Device is the C8 per-device core: identity, immutable ability set,
// mutable feature-state cache, and the publish/inbound paths wired through
// the codec, correlation registry, throttle queue, and transport arbiter.
type Device struct {
	uuid    string
	kind    Kind
	hubUUID string // non-empty for KindSub
	subID   string // non-empty for KindSub

	DeviceName string
	DeviceType string
	FWVersion  string
	HWVersion  string
	Domain     string // host:port this device's MQTT broker lives on
	IP         string // LAN address, empty when unknown
	MAC        string

	Abilities map[string]Ability // immutable once enrollment completes
	Channels  []Channel

	// SupportsEncryption mirrors the device-list API's encryptType field
	// (spec §3 "encryption key state"): when set, LAN HTTP payloads are
	// encrypted on the way out and decrypted on the way back, per spec §4.1.
	SupportsEncryption bool

	Codec          *codec.Codec
	Correlate      *correlate.Registry
	Throttle       *throttle.Queue
	Arbiter        *arbiter.Arbiter
	SessionTimeout time.Duration

	mu           sync.RWMutex
	online       registry.OnlineStatus
	stateCache   map[stateKey]StateSlot
	lastFullSync time.Time
	listeners    []func(Event)
}

// New constructs a base device. Use NewHub / NewSub for the other two
// tagged variants.
func New(uuid string) *Device {
	return &Device{
		uuid:       uuid,
		kind:       KindBase,
		online:     registry.StatusUnknown,
		stateCache: make(map[stateKey]StateSlot),
	}
}

// NewHub constructs a hub device; identical wire shape to a base device,
// distinguished only by the hub-discriminating ability (see
// IsHubDiscriminated).
func NewHub(uuid string) *Device {
	d := New(uuid)
	d.kind = KindHub
	return d
}

// NewSub constructs a subdevice. It has no native uuid of its own; it is
// addressed through (hubUUID, subID) and published to over its hub.
func NewSub(hubUUID, subID string) *Device {
	return &Device{
		kind:       KindSub,
		hubUUID:    hubUUID,
		subID:      subID,
		online:     registry.StatusUnknown,
		stateCache: make(map[stateKey]StateSlot),
	}
}

// registry.Entry implementation.

func (d *Device) UUID() string { return d.uuid }

func (d *Device) InternalID() string {
	if d.kind == KindSub {
		return registry.SubInternalID(d.hubUUID, d.subID)
	}
	return registry.BaseInternalID(d.uuid)
}

func (d *Device) Kind() Kind { return d.kind }

func (d *Device) HubUUID() string { return d.hubUUID }

func (d *Device) SubID() string { return d.subID }

func (d *Device) Type() string { return d.DeviceType }

func (d *Device) Name() string { return d.DeviceName }

func (d *Device) OnlineStatus() registry.OnlineStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online
}

func (d *Device) SetOnlineStatus(s registry.OnlineStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online = s
}

// HasCapability reports whether the device declares tag as an ability
// namespace — capability detection never depends on the device type
// string, only on what abilities were actually returned at enrollment.
func (d *Device) HasCapability(tag string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.Abilities[tag]
	return ok
}

// SupportsRGB, SupportsTemperature and SupportsLuminance read the light
// ability's capacity bitmask, per spec §4.9.
func (d *Device) SupportsRGB() bool         { return d.lightCapacity()&CapabilityRGB != 0 }
func (d *Device) SupportsTemperature() bool { return d.lightCapacity()&CapabilityTemperature != 0 }
func (d *Device) SupportsLuminance() bool   { return d.lightCapacity()&CapabilityLuminance != 0 }

func (d *Device) lightCapacity() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.Abilities[lightNamespace]
	if !ok {
		return 0
	}
	return a.Capacity
}

// Enroll stores the device's ability set, fetched once via a
// GET Appliance.System.Ability call. Abilities are immutable for the
// remainder of the session afterward.
func (d *Device) Enroll(abilities map[string]Ability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Abilities = abilities
}

func (d *Device) IsHubDiscriminated() bool {
	return d.HasCapability(HubDiscriminatingAbility)
}

// AbilitiesSnapshot returns a copy of the device's enrolled ability set,
// safe to range over without racing a concurrent Enroll.
func (d *Device) AbilitiesSnapshot() map[string]Ability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Ability, len(d.Abilities))
	for k, v := range d.Abilities {
		out[k] = v
	}
	return out
}

// Subscribe registers an observer for every state event this device
// emits, replacing the source's event-emitter pattern (design note: an
// explicit per-device observer list). The returned func removes it.
func (d *Device) Subscribe(handler func(Event)) func() {
	d.mu.Lock()
	idx := len(d.listeners)
	d.listeners = append(d.listeners, handler)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.listeners) {
			d.listeners[idx] = nil
		}
	}
}

func (d *Device) emit(ev Event) {
	d.mu.RLock()
	listeners := make([]func(Event), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.RUnlock()

	for _, l := range listeners {
		if l != nil {
			l(ev)
		}
	}
}

// PublishMessage encodes and sends a command, correlating the reply
// through C4/C1 and routing through C3 (per-device throttle) and C7 (the
// transport arbiter). It returns the reply payload or the terminating
// error (timeout, device ERROR, transport failure, cancellation).
func (d *Device) PublishMessage(method codec.Method, namespace string, payload any) (any, error) {
	if d.Codec == nil || d.Correlate == nil || d.Arbiter == nil {
		return nil, merrors.NewInitialization("device not fully wired for publishMessage", nil)
	}

	env, err := d.Codec.Encode(method, namespace, payload, d.uuid)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, merrors.NewParse("failed to marshal outbound envelope", err)
	}

	timeout := d.SessionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pending := d.Correlate.Register(env.Header.MessageId, d.uuid, fmt.Sprintf("%s %s", method, namespace), timeout)

	send := func() (any, error) {
		ok, err := d.Arbiter.Send(context.Background(), arbiter.Request{
			DeviceUUID: d.uuid,
			IP:         d.IP,
			Domain:     d.Domain,
			Method:     method,
			Envelope:   env,
			Raw:        raw,
		})
		if err != nil {
			d.Correlate.Fail(env.Header.MessageId, err)
			return nil, err
		}
		if !ok {
			unconnected := merrors.NewUnconnected(d.uuid)
			d.Correlate.Fail(env.Header.MessageId, unconnected)
			return nil, unconnected
		}
		return pending.Wait()
	}

	if d.Throttle != nil {
		ch := d.Throttle.Enqueue(d.uuid, send)
		return throttle.Wait(ch)
	}
	return send()
}

// EncodeLANRequest implements arbiter.EncodeRequest: encrypts an outbound
// LAN payload when this device's supportsEncryption flag is set, per spec
// §4.1 and the LAN HTTP surface description in §4.8 ("raw ciphertext
// otherwise"). Devices that don't encrypt pass body through unchanged.
func (d *Device) EncodeLANRequest(deviceUUID string, body []byte) ([]byte, error) {
	if !d.SupportsEncryption || d.Codec == nil {
		return body, nil
	}
	return d.Codec.Encrypt(deviceUUID, d.MAC, body)
}

// DecodeLANReply implements arbiter.DecodeReply: decrypts a LAN response
// body for devices whose supportsEncryption flag is set, before it is
// stripped of trailing NULs and JSON-parsed by DeliverInbound.
func (d *Device) DecodeLANReply(deviceUUID string, body []byte) ([]byte, error) {
	if !d.SupportsEncryption || d.Codec == nil {
		return body, nil
	}
	return d.Codec.Decrypt(deviceUUID, d.MAC, body)
}

// DeliverInbound implements both mqttpool.InboundDispatcher and
// arbiter.ReplyHandler: a device receives raw envelope bytes from whichever
// transport it arrived on. Correlation is attempted first so LAN-originated
// replies resolve exactly like MQTT ones (spec §4.8); anything left over is
// classified as a push notification.
func (d *Device) DeliverInbound(deviceUUID string, raw []byte) {
	env, err := codec.ParseInbound(raw)
	if err != nil {
		return
	}
	if d.Correlate != nil && correlate.TryComplete(d.Correlate, env) {
		return
	}
	d.handlePush(env)
}

// handlePush classifies an unsolicited message by namespace and updates the
// relevant state-cache slot, emitting a state event only when the payload
// differs from the cached one. The whole payload is compared with
// reflect.DeepEqual and the event carries the whole payload; no per-field
// diff of changed entries is computed.
func (d *Device) handlePush(env *codec.Envelope) {
	var payload map[string]any
	_ = json.Unmarshal(env.Payload, &payload)

	channel := extractChannel(payload)
	feature := env.Header.Namespace

	d.mu.Lock()
	key := stateKey{feature: feature, channel: channel}
	prev, had := d.stateCache[key]
	changed := !had || !reflect.DeepEqual(prev.Value, payload)
	rev := prev.Revision
	now := time.Now()
	if changed {
		rev++
	}
	d.stateCache[key] = StateSlot{Value: payload, Timestamp: now, Revision: rev}
	d.mu.Unlock()

	if changed {
		d.emit(Event{Type: feature, Channel: channel, Value: payload, Source: SourcePush, Timestamp: now})
	}
}

// IngestPolled updates the state cache from a polling response (source
// "poll") or a smart-cache replay (source "cache"), using the same
// diff-and-emit path as push notifications.
func (d *Device) IngestPolled(feature string, channel int, value any, source Source) {
	d.mu.Lock()
	key := stateKey{feature: feature, channel: channel}
	prev, had := d.stateCache[key]
	changed := !had || !reflect.DeepEqual(prev.Value, value)
	rev := prev.Revision
	now := time.Now()
	if changed {
		rev++
	}
	d.stateCache[key] = StateSlot{Value: value, Timestamp: now, Revision: rev}
	if source != SourceCache {
		d.lastFullSync = now
	}
	d.mu.Unlock()

	if changed {
		d.emit(Event{Type: feature, Channel: channel, Value: value, Source: source, Timestamp: now})
	}
}

// LastFullSync is the last time a non-cache update refreshed this device's
// state, used by the subscription engine's cache-suppression check.
func (d *Device) LastFullSync() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastFullSync
}

// Snapshot returns every currently cached (feature, channel) slot, keyed
// by feature then channel — the "currentUnifiedState" the subscription
// engine replays on a cache hit.
func (d *Device) Snapshot() map[string]map[int]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]map[int]any)
	for k, v := range d.stateCache {
		if out[k.feature] == nil {
			out[k.feature] = make(map[int]any)
		}
		out[k.feature][k.channel] = v.Value
	}
	return out
}

// extractChannel looks for a nested "channel" field the way Meross feature
// payloads carry it (e.g. {"togglex":{"channel":0,"onoff":1}}); channel 0
// is the default when none is present.
func extractChannel(payload map[string]any) int {
	for _, v := range payload {
		m, ok := v.(map[string]any)
		if ok {
			if c, ok := m["channel"].(float64); ok {
				return int(c)
			}
			continue
		}
		list, ok := v.([]any)
		if ok && len(list) > 0 {
			if first, ok := list[0].(map[string]any); ok {
				if c, ok := first["channel"].(float64); ok {
					return int(c)
				}
			}
		}
	}
	return 0
}

// Package manager implements the manager orchestrator (C10): the single
// entry point that owns the authenticated session, wires every other
// component together per device, and exposes connect/disconnect. Grounded
// on the teacher's Messenger singleton (one struct owning the broker
// connection, a subscriptions map, and an explicit NewMessenger/connect
// step) and station/device_manager.go's device bookkeeping, generalized
// from one broker to one-per-domain and from a flat device map to the C6
// registry.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rustyeddy/merossmgr/arbiter"
	"github.com/rustyeddy/merossmgr/budget"
	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/correlate"
	"github.com/rustyeddy/merossmgr/device"
	"github.com/rustyeddy/merossmgr/httpapi"
	"github.com/rustyeddy/merossmgr/merrors"
	"github.com/rustyeddy/merossmgr/mqttpool"
	"github.com/rustyeddy/merossmgr/registry"
	"github.com/rustyeddy/merossmgr/subscription"
	"github.com/rustyeddy/merossmgr/throttle"
)

const (
	DefaultTimeout           = 10 * time.Second
	DefaultMQTTDomain        = "mqtt.meross.com:443"
	abilityNamespace         = "Appliance.System.Ability"
	allNamespace             = "Appliance.System.All"
	abilityQueryTimeout      = 10 * time.Second
	subdeviceRefreshDelay    = 2 * time.Second
)

// Options configures a Manager, per spec §6's recognised configuration
// table. HTTPClient is the only required field.
type Options struct {
	HTTPClient httpapi.Client

	TransportMode arbiter.Mode
	Timeout       time.Duration

	// AutoRetryOnBadDomain governs Open Question 2's redirect handling: when
	// set, a *merrors.BadDomainError from the initial Connect makes the
	// manager re-target the HTTP client at the reported domain and retry
	// exactly once — never a loop — matching the source's
	// partially-realised behavior. See retryOnBadDomain.
	AutoRetryOnBadDomain bool

	MaxErrors             int
	ErrorBudgetTimeWindow time.Duration

	EnableStats     bool
	MaxStatsSamples int

	RequestBatchSize        int
	RequestBatchDelay       time.Duration
	EnableRequestThrottling bool

	Subscription SubscriptionOptions
}

// SubscriptionOptions mirrors spec §6's subscription.* option group.
type SubscriptionOptions struct {
	DeviceStateInterval    time.Duration
	ElectricityInterval    time.Duration
	ConsumptionInterval    time.Duration
	HTTPDeviceListInterval time.Duration
	SmartCaching           bool
	CacheMaxAge            time.Duration
}

func (o *Options) validate() error {
	if o.HTTPClient == nil {
		return merrors.NewValidation("manager.Options.HTTPClient is required")
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = budget.DefaultMaxErrors
	}
	if o.ErrorBudgetTimeWindow <= 0 {
		o.ErrorBudgetTimeWindow = budget.DefaultWindow
	}
	if o.MaxStatsSamples <= 0 {
		o.MaxStatsSamples = 64
	}
	if o.RequestBatchSize <= 0 {
		o.RequestBatchSize = throttle.DefaultBatchSize
	}
	if o.RequestBatchDelay <= 0 {
		o.RequestBatchDelay = throttle.DefaultBatchDelay
	}
	return nil
}

// Manager is the C10 orchestrator: one authenticated session, one registry,
// one MQTT pool (many domains), one throttle queue, one correlation
// registry, one error budget, one subscription engine.
type Manager struct {
	opts Options

	Registry    *registry.Registry
	Correlate   *correlate.Registry
	Budget      *budget.Budget
	Throttle    *throttle.Queue
	Pool        *mqttpool.Pool
	Subscribe   *subscription.Engine
	session     mqttpool.Session
	codec       *codec.Codec
	credentials httpapi.Credentials

	connected bool

	// OnDeviceEvent, when set, is called with every push/poll/cache event
	// emitted by any enrolled device (the live-dashboard feed; nil is a
	// legitimate no-op default).
	OnDeviceEvent func(deviceUUID string, ev device.Event)
}

// New constructs an unauthenticated Manager. Call Connect (or Login, an
// alias kept for the source's naming) to populate the registry.
func New(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		opts:      opts,
		Registry:  registry.New(),
		Correlate: correlate.New(),
		Budget:    budget.New(opts.MaxErrors, opts.ErrorBudgetTimeWindow),
		Throttle:  throttle.New(opts.RequestBatchSize, opts.RequestBatchDelay, opts.EnableRequestThrottling),
	}

	// Credential reuse from the injected HTTP client, per spec §4.11: "reuse
	// credentials from the injected HTTP client ... if already authenticated".
	m.credentials = opts.HTTPClient.Credentials()
	if m.credentials.Token != "" {
		m.session = mqttpool.NewSession(m.credentials.UserId, m.credentials.Key)
		m.codec = codec.New(m.credentials.Key, mqttpool.ClientResponseTopic(m.credentials.UserId, m.session.AppId))
	}

	m.Pool = mqttpool.NewPool(m.session, m.Correlate, m, m)
	m.Subscribe = subscription.New(m.pollFeature)
	m.Subscribe.SmartCaching = opts.Subscription.SmartCaching
	if opts.Subscription.CacheMaxAge > 0 {
		m.Subscribe.CacheMaxAge = opts.Subscription.CacheMaxAge
	}

	return m, nil
}

// DeliverInbound implements mqttpool.InboundDispatcher: routes a push
// notification to the device that owns it, then notifies the subscription
// engine so push-suppression takes effect.
func (m *Manager) DeliverInbound(deviceUUID string, raw []byte) {
	e, ok := m.Registry.Get(deviceUUID)
	if !ok {
		return
	}
	dev, ok := e.(*device.Device)
	if !ok {
		return
	}
	dev.DeliverInbound(deviceUUID, raw)
	m.Subscribe.NotifyPush(dev)
}

// OnDomainConnected, OnDomainError, OnDomainDisconnected implement
// mqttpool.ConnEvents.
func (m *Manager) OnDomainConnected(domain string) {
	slog.Info("manager: mqtt domain connected", "domain", domain)
}

func (m *Manager) OnDomainError(domain string, err error) {
	slog.Warn("manager: mqtt domain error", "domain", domain, "error", err)
	m.notifyDomain(domain, err, "domain_error")
}

func (m *Manager) OnDomainDisconnected(domain string, err error) {
	slog.Warn("manager: mqtt domain disconnected", "domain", domain, "error", err)
	m.notifyDomain(domain, err, "domain_error")
}

// notifyDomain reports a domain-level MQTT failure on the subscription
// engine's error channel for every device currently enrolled on domain.
func (m *Manager) notifyDomain(domain string, err error, context string) {
	for _, e := range m.Registry.All() {
		dev, ok := e.(*device.Device)
		if ok && dev.Domain == domain {
			m.Subscribe.NotifyError(dev.UUID(), err, context)
		}
	}
}

// pollFeature is the subscription engine's PollFunc: it issues a GET for
// the feature's namespace through the device itself, so polling reuses the
// exact same publishMessage path a manual command would.
func (m *Manager) pollFeature(ctx context.Context, dev *device.Device, feature subscription.Feature) (map[int]any, error) {
	ns := featureNamespace(feature)
	reply, err := dev.PublishMessage(codec.MethodGET, ns, map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeChannelValues(reply), nil
}

func featureNamespace(f subscription.Feature) string {
	switch f {
	case subscription.FeatureElectricity:
		return "Appliance.Control.Electricity"
	case subscription.FeatureConsumption:
		return "Appliance.Control.ConsumptionX"
	default:
		return allNamespace
	}
}

// decodeChannelValues flattens a reply payload into per-channel values; a
// reply shaped as a bare scalar is treated as channel 0.
func decodeChannelValues(reply any) map[int]any {
	m := map[int]any{0: reply}
	payload, ok := reply.(map[string]any)
	if !ok {
		return m
	}
	for _, v := range payload {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		out := make(map[int]any, len(list))
		for i, item := range list {
			if im, ok := item.(map[string]any); ok {
				if ch, ok := im["channel"].(float64); ok {
					out[int(ch)] = im
					continue
				}
			}
			out[i] = item
		}
		return out
	}
	return m
}

// Connect runs the full login flow (spec §4.11 steps 1-8). Login is kept
// as an alias for callers used to the source's naming.
func (m *Manager) Connect(ctx context.Context) error {
	records, err := m.opts.HTTPClient.GetDevices(ctx)
	if err != nil {
		records, err = m.retryOnBadDomain(ctx, err)
		if err != nil {
			return err
		}
	}

	online := make([]httpapi.DeviceRecord, 0, len(records))
	for _, r := range records {
		if registry.OnlineStatus(r.OnlineStatus) == registry.StatusOnline {
			online = append(online, r)
		}
	}

	byDomain := make(map[string][]httpapi.DeviceRecord)
	for _, r := range online {
		domain := resolveDomain(r)
		byDomain[domain] = append(byDomain[domain], r)
	}

	for domain, devs := range byDomain {
		if err := m.Pool.Connect(domain); err != nil {
			slog.Warn("manager: mqtt connect failed for domain, skipping its devices", "domain", domain, "error", err)
			continue
		}
		m.enrollDomain(ctx, domain, devs)
	}

	m.connected = true
	return nil
}

func (m *Manager) Login(ctx context.Context) error { return m.Connect(ctx) }

// retryOnBadDomain implements Open Question 2's AutoRetryOnBadDomain: when
// the original GetDevices call failed with a *merrors.BadDomainError and
// the option is set, re-target the HTTP client at the reported apiDomain
// and make exactly one re-attempt — never a retry loop. Any other error, or
// a client that can't switch domains, is returned unchanged.
func (m *Manager) retryOnBadDomain(ctx context.Context, origErr error) ([]httpapi.DeviceRecord, error) {
	if !m.opts.AutoRetryOnBadDomain {
		return nil, origErr
	}
	var badDomain *merrors.BadDomainError
	if !errors.As(origErr, &badDomain) || badDomain.ApiDomain == "" {
		return nil, origErr
	}
	switcher, ok := m.opts.HTTPClient.(httpapi.DomainSwitcher)
	if !ok {
		return nil, origErr
	}

	slog.Warn("manager: retrying once against reported domain", "api_domain", badDomain.ApiDomain)
	m.opts.HTTPClient = switcher.WithDomain(badDomain.ApiDomain)
	return m.opts.HTTPClient.GetDevices(ctx)
}

func resolveDomain(r httpapi.DeviceRecord) string {
	if r.Domain != "" {
		return r.Domain
	}
	if r.ReservedDomain != "" {
		return r.ReservedDomain
	}
	return DefaultMQTTDomain
}

// enrollDomain builds every device on domain, queries abilities, defers
// hub subdevice construction until every hub on the domain has enrolled
// (spec §4.11 steps 4-7).
func (m *Manager) enrollDomain(ctx context.Context, domain string, devs []httpapi.DeviceRecord) {
	var hubs []*device.Device

	for _, r := range devs {
		dev := m.buildDevice(r, domain)

		abilities, err := m.queryAbilities(dev)
		if err != nil {
			slog.Warn("manager: ability query failed, skipping device", "device", r.UUID, "error", err)
			continue
		}
		dev.Enroll(abilities)

		m.Registry.Register(dev)
		slog.Info("manager: device initialized", "device", r.UUID, "domain", domain)

		if dev.IsHubDiscriminated() {
			hubs = append(hubs, dev)
		}
	}

	for _, hub := range hubs {
		m.enrollSubdevices(ctx, hub)
	}
}

func (m *Manager) buildDevice(r httpapi.DeviceRecord, domain string) *device.Device {
	dev := device.New(r.UUID)
	dev.DeviceName = r.DeviceName
	dev.DeviceType = r.DeviceType
	dev.FWVersion = r.FmwareVersion
	dev.HWVersion = r.HdwareVersion
	dev.Domain = domain
	dev.MAC = r.MAC
	dev.SupportsEncryption = r.EncryptType != 0
	dev.SetOnlineStatus(registry.OnlineStatus(r.OnlineStatus))

	dev.Codec = m.codec
	dev.Correlate = m.Correlate
	dev.Throttle = m.Throttle
	dev.SessionTimeout = m.opts.Timeout
	lan := arbiter.NewLANSender(dev, arbiter.SessionTimeout(m.opts.Timeout))
	lan.Encode = dev.EncodeLANRequest
	lan.Decode = dev.DecodeLANReply
	dev.Arbiter = arbiter.New(m.Budget, m.Pool, lan, m.opts.TransportMode)
	dev.Arbiter.Stats = arbiter.NewStats(m.opts.MaxStatsSamples)

	if m.OnDeviceEvent != nil {
		dev.Subscribe(func(ev device.Event) { m.OnDeviceEvent(dev.UUID(), ev) })
	}
	return dev
}

// queryAbilities issues a GET Appliance.System.Ability with a fixed 10s
// timeout, independent of the manager's configured per-call timeout, per
// spec §4.11 step 4 / §5.
func (m *Manager) queryAbilities(dev *device.Device) (map[string]device.Ability, error) {
	saved := dev.SessionTimeout
	dev.SessionTimeout = abilityQueryTimeout
	defer func() { dev.SessionTimeout = saved }()

	reply, err := dev.PublishMessage(codec.MethodGET, abilityNamespace, map[string]any{})
	if err != nil {
		return nil, err
	}
	return parseAbilities(reply), nil
}

func parseAbilities(reply any) map[string]device.Ability {
	out := make(map[string]device.Ability)
	payload, ok := reply.(map[string]any)
	if !ok {
		return out
	}
	abilityField, ok := payload["ability"].(map[string]any)
	if !ok {
		return out
	}
	for ns, raw := range abilityField {
		a := device.Ability{Namespace: ns}
		if m, ok := raw.(map[string]any); ok {
			if cap, ok := m["capacity"].(float64); ok {
				a.Capacity = int(cap)
			}
		}
		out[ns] = a
	}
	return out
}

// enrollSubdevices fetches and builds a hub's subdevices over HTTP,
// scoping each one's abilities to its subdevice type. Subdevice failures
// never abort hub enrollment (spec §4.11 step 7). A 2s-delayed
// refreshState populates subdevice statuses afterward (step 8).
func (m *Manager) enrollSubdevices(ctx context.Context, hub *device.Device) {
	subs, err := m.opts.HTTPClient.GetSubDevices(ctx, hub.UUID())
	if err != nil {
		slog.Warn("manager: subdevice list failed, hub stays enrolled without subdevices", "hub", hub.UUID(), "error", err)
		return
	}

	var built []*device.Device
	for _, s := range subs {
		sub := device.NewSub(hub.UUID(), s.SubDeviceId)
		sub.DeviceName = s.SubDeviceName
		sub.DeviceType = s.SubDeviceType
		sub.Domain = hub.Domain
		sub.Codec = m.codec
		sub.Correlate = m.Correlate
		sub.Throttle = m.Throttle
		sub.SessionTimeout = m.opts.Timeout
		sub.Enroll(scopeAbilities(hub, s.SubDeviceType))
		if m.OnDeviceEvent != nil {
			sub.Subscribe(func(ev device.Event) { m.OnDeviceEvent(sub.UUID(), ev) })
		}

		m.Registry.Register(sub)
		built = append(built, sub)
	}

	if len(built) == 0 {
		return
	}
	time.AfterFunc(subdeviceRefreshDelay, func() {
		for _, sub := range built {
			m.refreshSubdeviceState(sub, hub)
		}
	})
}

// subdeviceAbilityPrefixes maps a known subDeviceType to the Appliance.Hub.*
// namespace prefix its abilities are scoped under (spec §4.11 step 7,
// e.g. "ms100" sensors only care about Appliance.Hub.Sensor.* abilities).
// Unrecognized types fall back to the full "Appliance.Hub." prefix rather
// than losing every ability.
var subdeviceAbilityPrefixes = map[string]string{
	"ms100":      "Appliance.Hub.Sensor.",
	"ms130":      "Appliance.Hub.Sensor.",
	"mts100":     "Appliance.Hub.Mts100.",
	"mts100v3":   "Appliance.Hub.Mts100.",
	"mts150":     "Appliance.Hub.Mts150.",
	"ms400":      "Appliance.Hub.SmokeAlarm.",
	"smokealarm": "Appliance.Hub.SmokeAlarm.",
}

func subdeviceAbilityPrefix(subType string) string {
	if prefix, ok := subdeviceAbilityPrefixes[strings.ToLower(subType)]; ok {
		return prefix
	}
	return "Appliance.Hub."
}

// scopeAbilities filters the hub's ability set down to the namespaces
// relevant to subType, matching the prefix the subdevice type declares.
func scopeAbilities(hub *device.Device, subType string) map[string]device.Ability {
	out := make(map[string]device.Ability)
	prefix := subdeviceAbilityPrefix(subType)
	for ns, a := range hub.AbilitiesSnapshot() {
		if strings.HasPrefix(ns, prefix) {
			out[ns] = a
		}
	}
	return out
}

// refreshSubdeviceState issues a GET against the hub on the subdevice's
// behalf (subdevices have no direct uuid of their own to publish to);
// failures here are logged, never fatal, per spec §4.11 step 8.
func (m *Manager) refreshSubdeviceState(sub, hub *device.Device) {
	reply, err := hub.PublishMessage(codec.MethodGET, allNamespace, map[string]any{})
	if err != nil {
		slog.Warn("manager: subdevice refreshState failed", "sub", sub.InternalID(), "error", err)
		return
	}
	values := decodeChannelValues(reply)
	for ch, v := range values {
		sub.IngestPolled(allNamespace, ch, v, device.SourcePoll)
	}
}

// Logout invokes the HTTP logout then tears down every local resource
// (spec §4.11: "logout(): invokes HTTP logout, then disconnectAll").
func (m *Manager) Logout(ctx context.Context) error {
	err := m.opts.HTTPClient.Logout(ctx)
	m.DisconnectAll(true)
	return err
}

// DisconnectAll clears the registry (disconnecting every entry), clears
// every throttle queue, cancels every pending correlation, and ends every
// MQTT client. force is accepted for API symmetry with the source; this
// implementation always performs a full teardown.
func (m *Manager) DisconnectAll(force bool) {
	_ = force
	for _, e := range m.Registry.All() {
		m.Throttle.ClearQueue(e.UUID())
	}
	m.Registry.Clear()
	m.Correlate.CancelAll()
	m.Pool.DisconnectAll()
	m.connected = false
}

// IsConnected reports whether Connect has completed at least once.
func (m *Manager) IsConnected() bool { return m.connected }

// TokenData returns a record sufficient for a future fromCredentials
// reconstruction, or (zero, false) when unauthenticated (spec §4.11:
// "getTokenData(): ... returns null when unauthenticated").
func (m *Manager) TokenData() (httpapi.Credentials, bool) {
	if m.credentials.Token == "" {
		return httpapi.Credentials{}, false
	}
	return m.credentials, true
}

// Send is a convenience wrapper locating a device by uuid and publishing
// through it; returns merrors.NotFound when no such device is registered.
func (m *Manager) Send(uuid string, method codec.Method, namespace string, payload any) (any, error) {
	e, ok := m.Registry.Get(uuid)
	if !ok {
		return nil, merrors.NewNotFound(fmt.Sprintf("no registered device %q", uuid))
	}
	dev, ok := e.(*device.Device)
	if !ok {
		return nil, merrors.NewNotFound(fmt.Sprintf("registered entry %q is not a device", uuid))
	}
	return dev.PublishMessage(method, namespace, payload)
}

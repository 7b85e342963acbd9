// Package subscription implements the subscription engine (C9):
// per-device polling driven by the minimum of every registered listener's
// interval, push-notification suppression, and cache-age suppression, plus
// a periodic device-list poller (devicelist.go). Grounded on the teacher's
// utils.Ticker (named, restartable ticker) and station/station_manager.go's
// per-entity scheduling, generalized from a single global ticker map into
// one dynamically-resized loop per (device, feature).
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/merossmgr/device"
)

// Feature identifies which of a device's polling loops a listener targets.
type Feature string

const (
	FeatureDeviceState Feature = "deviceState"
	FeatureElectricity Feature = "electricity"
	FeatureConsumption Feature = "consumption"
)

const (
	DefaultDeviceStateInterval = 30 * time.Second
	DefaultElectricityInterval = 30 * time.Second
	DefaultConsumptionInterval = 60 * time.Second
	DefaultCacheMaxAge         = 10 * time.Second

	pushInactivityWindow = 60 * time.Second
	pushSkipWindow       = 5 * time.Second
)

func defaultInterval(f Feature) time.Duration {
	switch f {
	case FeatureElectricity:
		return DefaultElectricityInterval
	case FeatureConsumption:
		return DefaultConsumptionInterval
	default:
		return DefaultDeviceStateInterval
	}
}

// PollFunc fetches a feature's fresh state for a device (the HTTP/MQTT call
// a real poll performs); it is injected so the engine never hardcodes a
// transport.
type PollFunc func(ctx context.Context, dev *device.Device, feature Feature) (map[int]any, error)

// Event is the unified state event format emitted to every subscriber, per
// spec §4.10: {source, timestamp, device, state, changes}.
type Event struct {
	Source    device.Source
	Timestamp time.Time
	Device    string
	State     map[string]map[int]any
	Changes   map[string]map[int]any // empty for a full-state refresh
}

// ErrorEvent is emitted on the independently-registrable "error" channel
// (spec §4.10's three channels: state, error, deviceListUpdate): a domain-
// level transport failure observed outside any single poll, or a listener
// that panicked while handling a state event.
type ErrorEvent struct {
	Device    string
	Err       error
	Context   string // "domain_error" or "listener_panic"
	Timestamp time.Time
}

type listenerEntry struct {
	id       int
	interval time.Duration
	onEvent  func(Event)
}

type deviceSub struct {
	mu        sync.Mutex
	dev       *device.Device
	intervals map[Feature]time.Duration
	listeners map[Feature][]listenerEntry
	nextID    int
	stopCh    map[Feature]chan struct{}

	pushActive     bool
	pushLastSeenTs time.Time
	pushTimer      *time.Timer

	lastPoll map[Feature]time.Time
}

func newDeviceSub(dev *device.Device) *deviceSub {
	return &deviceSub{
		dev:       dev,
		intervals: make(map[Feature]time.Duration),
		listeners: make(map[Feature][]listenerEntry),
		stopCh:    make(map[Feature]chan struct{}),
		lastPoll:  make(map[Feature]time.Time),
	}
}

// Engine coordinates every device's polling subscriptions.
type Engine struct {
	Poll         PollFunc
	CacheMaxAge  time.Duration
	SmartCaching bool
	now          func() time.Time

	mu   sync.Mutex
	subs map[string]*deviceSub

	errMu     sync.Mutex
	errListen []func(ErrorEvent)
}

func New(poll PollFunc) *Engine {
	return &Engine{
		Poll:        poll,
		CacheMaxAge: DefaultCacheMaxAge,
		now:         time.Now,
		subs:        make(map[string]*deviceSub),
	}
}

// SubscribeErrors registers a listener on the "error" channel. Returns an
// unsubscribe func.
func (e *Engine) SubscribeErrors(onEvent func(ErrorEvent)) func() {
	e.errMu.Lock()
	id := len(e.errListen)
	e.errListen = append(e.errListen, onEvent)
	e.errMu.Unlock()

	return func() {
		e.errMu.Lock()
		defer e.errMu.Unlock()
		if id < len(e.errListen) {
			e.errListen[id] = nil
		}
	}
}

// NotifyError reports a failure unrelated to any particular poll — a
// domain-level MQTT error the manager observed — to every error listener.
func (e *Engine) NotifyError(deviceUUID string, err error, context string) {
	e.emitError(deviceUUID, err, context)
}

func (e *Engine) emitError(deviceUUID string, err error, context string) {
	e.errMu.Lock()
	listeners := append([]func(ErrorEvent)(nil), e.errListen...)
	e.errMu.Unlock()

	ev := ErrorEvent{Device: deviceUUID, Err: err, Context: context, Timestamp: e.clockNow()}
	for _, l := range listeners {
		if l == nil {
			continue
		}
		func(onEvent func(ErrorEvent)) {
			defer func() { _ = recover() }()
			onEvent(ev)
		}(l)
	}
}

func (e *Engine) subFor(dev *device.Device) *deviceSub {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.subs[dev.InternalID()]
	if !ok {
		s = newDeviceSub(dev)
		e.subs[dev.InternalID()] = s
	}
	return s
}

// Subscribe registers a listener for (device, feature) at interval. The
// engine takes the minimum of every listener's interval currently
// registered for that feature, so no listener ever under-samples. Returns
// an unsubscribe func; when the last listener for a feature detaches, its
// poll loop stops.
func (e *Engine) Subscribe(dev *device.Device, feature Feature, interval time.Duration, onEvent func(Event)) func() {
	if interval <= 0 {
		interval = defaultInterval(feature)
	}
	sub := e.subFor(dev)

	sub.mu.Lock()
	id := sub.nextID
	sub.nextID++
	sub.listeners[feature] = append(sub.listeners[feature], listenerEntry{id: id, interval: interval, onEvent: onEvent})
	sub.intervals[feature] = minInterval(sub.listeners[feature])
	needsStart := sub.stopCh[feature] == nil
	if needsStart {
		sub.stopCh[feature] = make(chan struct{})
	}
	sub.mu.Unlock()

	if needsStart {
		go e.runLoop(dev, feature, sub)
	}

	return func() { e.unsubscribe(sub, feature, id) }
}

func (e *Engine) unsubscribe(sub *deviceSub, feature Feature, id int) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	ls := sub.listeners[feature]
	for i, l := range ls {
		if l.id == id {
			sub.listeners[feature] = append(ls[:i], ls[i+1:]...)
			break
		}
	}

	if len(sub.listeners[feature]) == 0 {
		if stop, ok := sub.stopCh[feature]; ok {
			close(stop)
			delete(sub.stopCh, feature)
		}
		delete(sub.intervals, feature)
		return
	}
	sub.intervals[feature] = minInterval(sub.listeners[feature])
}

func minInterval(ls []listenerEntry) time.Duration {
	min := ls[0].interval
	for _, l := range ls[1:] {
		if l.interval < min {
			min = l.interval
		}
	}
	return min
}

func (e *Engine) runLoop(dev *device.Device, feature Feature, sub *deviceSub) {
	for {
		sub.mu.Lock()
		interval := sub.intervals[feature]
		stop := sub.stopCh[feature]
		sub.mu.Unlock()
		if stop == nil {
			return
		}
		if interval <= 0 {
			interval = defaultInterval(feature)
		}

		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			e.firePoll(dev, feature, sub)
		}
	}
}

// NotifyPush records a push notification for dev, activating push
// suppression. Called by the device layer whenever an unsolicited message
// arrives.
func (e *Engine) NotifyPush(dev *device.Device) {
	sub := e.subFor(dev)
	now := e.clockNow()

	sub.mu.Lock()
	sub.pushActive = true
	sub.pushLastSeenTs = now
	if sub.pushTimer != nil {
		sub.pushTimer.Stop()
	}
	sub.pushTimer = time.AfterFunc(pushInactivityWindow, func() {
		sub.mu.Lock()
		sub.pushActive = false
		sub.mu.Unlock()
	})
	sub.mu.Unlock()
}

func (e *Engine) clockNow() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// firePoll applies push suppression, then cache suppression, then performs
// (or skips) the actual poll, emitting a unified event in every case.
func (e *Engine) firePoll(dev *device.Device, feature Feature, sub *deviceSub) {
	now := e.clockNow()

	sub.mu.Lock()
	pushActive := sub.pushActive
	pushLastSeenTs := sub.pushLastSeenTs
	lastPoll := sub.lastPoll[feature]
	listeners := append([]listenerEntry(nil), sub.listeners[feature]...)
	sub.mu.Unlock()

	if len(listeners) == 0 {
		return
	}

	if feature == FeatureDeviceState {
		if !pushLastSeenTs.IsZero() && now.Sub(pushLastSeenTs) < pushSkipWindow {
			return
		}
	} else if pushActive {
		return
	}

	if e.SmartCaching && !lastPoll.IsZero() && now.Sub(lastPoll) < e.CacheMaxAge {
		e.deliver(listeners, Event{
			Source:    device.SourceCache,
			Timestamp: now,
			Device:    dev.UUID(),
			State:     dev.Snapshot(),
			Changes:   map[string]map[int]any{},
		})
		return
	}

	if e.Poll == nil {
		return
	}
	values, err := e.Poll(context.Background(), dev, feature)
	if err != nil {
		return
	}

	changes := make(map[int]any)
	for ch, v := range values {
		dev.IngestPolled(string(feature), ch, v, device.SourcePoll)
		changes[ch] = v
	}

	sub.mu.Lock()
	sub.lastPoll[feature] = now
	sub.mu.Unlock()

	e.deliver(listeners, Event{
		Source:    device.SourcePoll,
		Timestamp: now,
		Device:    dev.UUID(),
		State:     dev.Snapshot(),
		Changes:   map[string]map[int]any{string(feature): changes},
	})
}

// deliver fans an event out to every listener, isolating panics from one
// listener so they never block others or future polls. A panicking listener
// is reported on the "error" channel (spec §4.10: "listener failures emit
// error...") rather than swallowed.
func (e *Engine) deliver(listeners []listenerEntry, ev Event) {
	for _, l := range listeners {
		func(onEvent func(Event)) {
			defer func() {
				if r := recover(); r != nil {
					e.emitError(ev.Device, fmt.Errorf("listener panic: %v", r), "listener_panic")
				}
			}()
			onEvent(ev)
		}(l.onEvent)
	}
}

package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultDeviceListInterval is the device-list poll cadence when at least
// one listener is registered (spec §4.10, httpDeviceListInterval).
const DefaultDeviceListInterval = 120 * time.Second

// DeviceRecord is one entry from the HTTP device-list API, kept as a
// generic document so the diff below works regardless of schema changes.
type DeviceRecord struct {
	UUID string
	Raw  map[string]any
}

func (r DeviceRecord) canonical() []byte {
	b, _ := json.Marshal(r.Raw)
	return b
}

// DeviceListEvent is emitted once per poll, per spec §4.10.
type DeviceListEvent struct {
	Devices   []DeviceRecord
	Added     []DeviceRecord
	Removed   []DeviceRecord
	Changed   []DeviceRecord
	Timestamp time.Time
}

// FetchDeviceList is the injected HTTP device-list call.
type FetchDeviceList func(ctx context.Context) ([]DeviceRecord, error)

// DeviceListPoller periodically fetches the device list and diffs it
// against the previous fetch by uuid, using canonical JSON serialization
// for structural equality (spec invariant: "changed via canonical
// serialization").
type DeviceListPoller struct {
	Fetch    FetchDeviceList
	Interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	listeners []func(DeviceListEvent)
	prev      map[string]DeviceRecord
	stopCh    chan struct{}
	running   bool
}

func NewDeviceListPoller(fetch FetchDeviceList) *DeviceListPoller {
	return &DeviceListPoller{
		Fetch:    fetch,
		Interval: DefaultDeviceListInterval,
		now:      time.Now,
	}
}

// Subscribe registers a listener and, if this is the first, starts the
// poll loop. The poller never runs with zero listeners (spec §4.10: "if at
// least one listener is registered on deviceListUpdate, poll...").
func (p *DeviceListPoller) Subscribe(onEvent func(DeviceListEvent)) func() {
	p.mu.Lock()
	id := len(p.listeners)
	p.listeners = append(p.listeners, onEvent)
	needsStart := !p.running
	if needsStart {
		p.running = true
		p.stopCh = make(chan struct{})
	}
	stop := p.stopCh
	p.mu.Unlock()

	if needsStart {
		go p.loop(stop)
	}

	return func() { p.unsubscribe(id) }
}

func (p *DeviceListPoller) unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < len(p.listeners) {
		p.listeners[id] = nil
	}
	stillActive := false
	for _, l := range p.listeners {
		if l != nil {
			stillActive = true
			break
		}
	}
	if !stillActive && p.running {
		close(p.stopCh)
		p.running = false
	}
}

func (p *DeviceListPoller) loop(stop chan struct{}) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultDeviceListInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *DeviceListPoller) poll() {
	if p.Fetch == nil {
		return
	}
	curr, err := p.Fetch(context.Background())
	if err != nil {
		return
	}
	ev := p.Diff(curr)
	p.mu.Lock()
	listeners := append([]func(DeviceListEvent)(nil), p.listeners...)
	p.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			func() {
				defer func() { _ = recover() }()
				l(ev)
			}()
		}
	}
}

// Diff compares curr against the poller's previous snapshot and advances
// that snapshot, returning the added/removed/changed event. Exported so
// callers can exercise the diff logic directly (S7) without real timers.
func (p *DeviceListPoller) Diff(curr []DeviceRecord) DeviceListEvent {
	currByUUID := make(map[string]DeviceRecord, len(curr))
	for _, r := range curr {
		currByUUID[r.UUID] = r
	}

	p.mu.Lock()
	prev := p.prev
	p.prev = currByUUID
	p.mu.Unlock()

	ev := DeviceListEvent{Devices: curr, Timestamp: p.nowOrDefault()}
	for uuid, rec := range currByUUID {
		old, existed := prev[uuid]
		if !existed {
			ev.Added = append(ev.Added, rec)
			continue
		}
		if !bytes.Equal(old.canonical(), rec.canonical()) {
			ev.Changed = append(ev.Changed, rec)
		}
	}
	for uuid, rec := range prev {
		if _, ok := currByUUID[uuid]; !ok {
			ev.Removed = append(ev.Removed, rec)
		}
	}
	return ev
}

func (p *DeviceListPoller) nowOrDefault() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Package correlate matches asynchronous MQTT (or LAN HTTP) replies back to
// the call that originated them, by messageId. Modeled as an id-keyed map
// of one-shot futures with cancellable deadline timers, per spec §9
// ("Async correlation with futures").
package correlate

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/merrors"
)

// Pending is one outstanding call, indexed by messageId.
type Pending struct {
	MessageId  string
	DeviceUUID string
	Command    string
	Deadline   time.Time

	done  chan struct{}
	once  sync.Once
	value any
	err   error
	timer *time.Timer
}

// Wait blocks until the call completes, times out, or is cancelled.
func (p *Pending) Wait() (any, error) {
	<-p.done
	return p.value, p.err
}

func (p *Pending) finish(val any, err error) {
	p.once.Do(func() {
		p.value, p.err = val, err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
	})
}

// Registry is the C4 correlation map. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

func New() *Registry {
	return &Registry{pending: make(map[string]*Pending)}
}

// Register creates a Pending entry with a deadline timer. When the timer
// fires before Complete/Fail, the call fails with a CommandTimeout and the
// entry is removed — a reply arriving afterwards is silently dropped
// (S5: "A reply with matching messageId arriving at t=200ms is dropped").
func (r *Registry) Register(messageId, deviceUUID, command string, timeout time.Duration) *Pending {
	p := &Pending{
		MessageId:  messageId,
		DeviceUUID: deviceUUID,
		Command:    command,
		Deadline:   time.Now().Add(timeout),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	r.pending[messageId] = p
	r.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		_, stillPending := r.pending[messageId]
		delete(r.pending, messageId)
		r.mu.Unlock()
		if stillPending {
			p.finish(nil, merrors.NewCommandTimeout(deviceUUID, command, p.Deadline))
		}
	})
	return p
}

// Complete resolves a pending call with a successful payload. A no-op if
// messageId is unknown (already timed out, already completed, or never
// registered).
func (r *Registry) Complete(messageId string, payload any) {
	p := r.take(messageId)
	if p == nil {
		return
	}
	p.finish(payload, nil)
}

// Fail resolves a pending call with an error (device ERROR reply, MQTT
// transport failure, or explicit cancellation).
func (r *Registry) Fail(messageId string, err error) {
	p := r.take(messageId)
	if p == nil {
		return
	}
	p.finish(nil, err)
}

// Cancel fails messageId with a cancellation error and removes it — used
// when the caller abandons a publishMessage before any reply arrives.
func (r *Registry) Cancel(messageId string) {
	r.Fail(messageId, merrors.ErrCancelled)
}

// CancelAll fails every currently-pending call, used on manager shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	all := make([]*Pending, 0, len(r.pending))
	for id, p := range r.pending {
		all = append(all, p)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, p := range all {
		p.finish(nil, merrors.ErrCancelled)
	}
}

func (r *Registry) take(messageId string) *Pending {
	r.mu.Lock()
	p, ok := r.pending[messageId]
	if ok {
		delete(r.pending, messageId)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// HasPending reports whether messageId currently has an outstanding call,
// without consuming it.
func (r *Registry) HasPending(messageId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[messageId]
	return ok
}

// TryComplete resolves a pending call matching env's messageId, translating
// method into success/failure per spec §4.5 — shared by both the MQTT pool
// and the LAN HTTP sender so correlation behaves identically regardless of
// which transport the reply arrived on. Returns false when messageId has no
// pending entry (caller falls through to push-notification routing). Takes
// the entry once up front rather than checking HasPending then calling
// Complete/Fail separately, so a deadline timer firing in between can never
// remove the entry out from under a reply that actually arrived in time.
func TryComplete(r *Registry, env *codec.Envelope) bool {
	p := r.take(env.Header.MessageId)
	if p == nil {
		return false
	}
	switch env.Header.Method {
	case codec.MethodGETACK, codec.MethodSETACK, codec.MethodDELETEACK:
		var payload any
		_ = json.Unmarshal(env.Payload, &payload)
		p.finish(payload, nil)
	case codec.MethodERROR:
		p.finish(nil, codec.AsCommandError(env.Header.UUID, env))
	default:
		p.finish(nil, merrors.NewMqtt("unexpected reply method "+string(env.Header.Method), nil))
	}
	return true
}

// Len reports the number of currently outstanding calls (diagnostic only).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

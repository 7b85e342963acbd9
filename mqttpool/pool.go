// Package mqttpool implements the MQTT connection pool (C5): one broker
// client per MQTT domain, shared by every device on that domain, with
// connect serialised per domain and a single reader dispatching both
// command-acks (into the correlation registry) and push notifications
// (into the device inbound router). Grounded on the teacher's
// messenger/mqtt/paho.go wrapper around paho.mqtt.golang, generalized from
// one client to one-per-domain.
package mqttpool

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/correlate"
	"github.com/rustyeddy/merossmgr/merrors"
)

const ConnectTimeout = 30 * time.Second

// Session carries the identity used to authenticate and address this
// process on the broker, stable for the lifetime of the manager.
type Session struct {
	UserId string
	AppId  string
	Key    string
}

// NewSession derives a stable (userId, appId) pair; appId = MD5("API" +
// random uuid), clientId = "app:" + appId, password = MD5(userId + key).
func NewSession(userId, key string) Session {
	sum := md5.Sum([]byte("API" + uuid.NewString()))
	return Session{UserId: userId, AppId: hex.EncodeToString(sum[:]), Key: key}
}

func (s Session) ClientId() string { return "app:" + s.AppId }

func (s Session) Password() string {
	sum := md5.Sum([]byte(s.UserId + s.Key))
	return hex.EncodeToString(sum[:])
}

// InboundDispatcher routes a parsed envelope that did not correlate to a
// pending call to the device that owns it (push notification path).
type InboundDispatcher interface {
	DeliverInbound(deviceUUID string, raw []byte)
}

// ConnEvents notifies device-level listeners of transport-level state
// changes for the domain a device lives on.
type ConnEvents interface {
	OnDomainError(domain string, err error)
	OnDomainDisconnected(domain string, err error)
	OnDomainConnected(domain string)
}

// Pool owns one *conn per MQTT domain (host:port).
type Pool struct {
	Session    Session
	Dispatcher InboundDispatcher
	Events     ConnEvents
	Correlate  *correlate.Registry

	mu      sync.Mutex
	conns   map[string]*conn
	connect map[string]*connectFuture // in-flight connect futures, per domain
}

func NewPool(session Session, correlateReg *correlate.Registry, dispatcher InboundDispatcher, events ConnEvents) *Pool {
	return &Pool{
		Session:    session,
		Dispatcher: dispatcher,
		Events:     events,
		Correlate:  correlateReg,
		conns:      make(map[string]*conn),
		connect:    make(map[string]*connectFuture),
	}
}

// conn wraps one paho client for one domain.
type conn struct {
	domain string
	client paho.Client
}

// connectFuture lets every concurrent enrollment on the same domain await
// the single in-flight connect attempt: close(done) broadcasts to all
// waiters at once, each then reading the shared err, which is written
// before done is closed (a closed buffered channel would only hand the real
// value to the first receiver, so this uses an explicit broadcast instead).
type connectFuture struct {
	done chan struct{}
	err  error
}

// Connect establishes (or waits for an in-flight connect to) the broker
// for domain. Serialised per domain: concurrent callers share the same
// in-flight future; the first caller clears it on success or failure.
func (p *Pool) Connect(domain string) error {
	p.mu.Lock()
	if _, ok := p.conns[domain]; ok {
		p.mu.Unlock()
		return nil
	}
	if fut, inFlight := p.connect[domain]; inFlight {
		p.mu.Unlock()
		<-fut.done
		return fut.err
	}

	fut := &connectFuture{done: make(chan struct{})}
	p.connect[domain] = fut
	p.mu.Unlock()

	err := p.doConnect(domain)

	p.mu.Lock()
	delete(p.connect, domain)
	p.mu.Unlock()

	fut.err = err
	close(fut.done)

	return err
}

func (p *Pool) doConnect(domain string) error {
	opts := paho.NewClientOptions().
		AddBroker("tls://" + domain).
		SetClientID(p.Session.ClientId()).
		SetUsername(p.Session.UserId).
		SetPassword(p.Session.Password()).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(5 * time.Second)

	c := &conn{domain: domain}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("mqtt domain disconnected", "domain", domain, "error", err)
		if p.Events != nil {
			p.Events.OnDomainDisconnected(domain, err)
		}
	})

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(ConnectTimeout) {
		err := merrors.NewMqtt(fmt.Sprintf("mqtt connect to %s timed out", domain), nil)
		p.notifyError(domain, err)
		return err
	}
	if err := tok.Error(); err != nil {
		wrapped := merrors.NewMqtt(fmt.Sprintf("mqtt connect to %s failed", domain), err)
		p.notifyError(domain, wrapped)
		return wrapped
	}
	c.client = client

	// Only after both subscriptions succeed does connect resolve.
	respTopic := ClientResponseTopic(p.Session.UserId, p.Session.AppId)
	userTopic := ClientUserTopic(p.Session.UserId)

	if err := p.subscribe(client, respTopic); err != nil {
		client.Disconnect(250)
		p.notifyError(domain, err)
		return err
	}
	if err := p.subscribe(client, userTopic); err != nil {
		client.Disconnect(250)
		p.notifyError(domain, err)
		return err
	}

	p.mu.Lock()
	p.conns[domain] = c
	p.mu.Unlock()

	if p.Events != nil {
		p.Events.OnDomainConnected(domain)
	}
	return nil
}

// notifyError reports a connect-time failure for domain through Events, the
// same ConnEvents path a post-connect disconnect uses, so callers have one
// place to observe every domain-level failure (spec §4.10's "error" channel).
func (p *Pool) notifyError(domain string, err error) {
	if p.Events != nil {
		p.Events.OnDomainError(domain, err)
	}
}

func (p *Pool) subscribe(client paho.Client, topic string) error {
	tok := client.Subscribe(topic, 0, p.onMessage)
	if !tok.WaitTimeout(ConnectTimeout) {
		return merrors.NewMqtt(fmt.Sprintf("mqtt subscribe to %s timed out", topic), nil)
	}
	if err := tok.Error(); err != nil {
		return merrors.NewMqtt(fmt.Sprintf("mqtt subscribe to %s failed", topic), err)
	}
	return nil
}

// onMessage is the single reader dispatching every inbound message in
// receive order: correlate a reply, or hand a push notification to the
// owning device.
func (p *Pool) onMessage(_ paho.Client, msg paho.Message) {
	raw := msg.Payload()
	p.route(raw)
}

func (p *Pool) route(raw []byte) {
	env, err := codec.ParseInbound(raw)
	if err != nil {
		slog.Warn("mqtt dropped unparseable message", "error", err)
		return
	}

	if env.Header.MessageId != "" && p.Correlate != nil {
		if p.tryComplete(env) {
			return
		}
	}

	if env.Header.From == "" {
		// Not a reply we know about and no routable origin: drop silently.
		return
	}
	deviceUUID := DeviceUUIDFromFrom(env.Header.From)
	if deviceUUID == "" || p.Dispatcher == nil {
		return
	}
	p.Dispatcher.DeliverInbound(deviceUUID, raw)
}

// tryComplete resolves a pending call for this message via the shared
// correlate.TryComplete helper (also used by the LAN HTTP sender, so
// response correlation behaves identically regardless of transport).
func (p *Pool) tryComplete(env *codec.Envelope) bool {
	return correlate.TryComplete(p.Correlate, env)
}

// Publish publishes an already-encoded envelope to deviceUUID's inbound
// topic on domain. Returns false when no connection exists yet for domain.
func (p *Pool) Publish(domain, deviceUUID string, payload []byte) bool {
	p.mu.Lock()
	c, ok := p.conns[domain]
	p.mu.Unlock()
	if !ok {
		return false
	}

	tok := c.client.Publish(DeviceTopic(deviceUUID), 0, false, payload)
	tok.Wait()
	return tok.Error() == nil
}

// Disconnect tears down the client for domain, if any.
func (p *Pool) Disconnect(domain string) {
	p.mu.Lock()
	c, ok := p.conns[domain]
	if ok {
		delete(p.conns, domain)
	}
	p.mu.Unlock()
	if ok && c.client != nil {
		c.client.Disconnect(250)
	}
}

// DisconnectAll tears down every broker connection, used on manager
// shutdown (disconnectAll).
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	domains := make([]string, 0, len(p.conns))
	for d := range p.conns {
		domains = append(domains, d)
	}
	p.mu.Unlock()
	for _, d := range domains {
		p.Disconnect(d)
	}
}

// IsConnected reports whether a live client exists for domain.
func (p *Pool) IsConnected(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[domain]
	return ok
}

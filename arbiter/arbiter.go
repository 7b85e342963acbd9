// Package arbiter implements the transport arbiter (C7): per-request policy
// choosing between LAN HTTP and cloud MQTT, with budget-gated fast-fail and
// mode-dependent fallback. The LAN HTTP leg (C8, spec §4.8) lives alongside
// it in lanhttp.go. Grounded on the teacher's client/client.go HTTP style
// and station/station_manager.go's mode-driven dispatch.
package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rustyeddy/merossmgr/budget"
	"github.com/rustyeddy/merossmgr/codec"
	"github.com/rustyeddy/merossmgr/merrors"
	"github.com/rustyeddy/merossmgr/mqttpool"
)

// Mode selects the arbiter's LAN/MQTT policy, per spec §4.7's mode matrix.
type Mode int

const (
	MQTTOnly Mode = iota
	LANHTTPFirst
	LANHTTPFirstOnlyGET
)

func (m Mode) String() string {
	switch m {
	case MQTTOnly:
		return "MQTT_ONLY"
	case LANHTTPFirst:
		return "LAN_HTTP_FIRST"
	case LANHTTPFirstOnlyGET:
		return "LAN_HTTP_FIRST_ONLY_GET"
	default:
		return "unknown"
	}
}

// lanAllowed implements the mode matrix: which (mode, method) pairs may
// attempt LAN at all before ever falling back to MQTT.
func lanAllowed(mode Mode, method codec.Method) bool {
	switch mode {
	case MQTTOnly:
		return false
	case LANHTTPFirst:
		return true
	case LANHTTPFirstOnlyGET:
		// Open Question 4: a strict reading excludes DELETE/PUSH from LAN;
		// only GET qualifies. Preserved literally.
		return method == codec.MethodGET
	default:
		return false
	}
}

// fallbackAllowed reports whether, after a LAN failure, the same envelope
// may still be retried over MQTT.
func fallbackAllowed(mode Mode) bool {
	return mode == LANHTTPFirst || mode == LANHTTPFirstOnlyGET
}

// Request is everything the arbiter needs to route one outbound envelope.
type Request struct {
	DeviceUUID string
	IP         string // empty means LAN is not an option for this device
	Domain     string // MQTT broker domain this device is connected through
	Method     codec.Method
	Envelope   *codec.Envelope
	Raw        []byte // the encoded, plaintext bytes to publish/POST; the LAN leg encrypts per-device via LANSender.Encode, MQTT never does
	Mode       *Mode  // nil uses Arbiter.DefaultMode
}

// Arbiter chooses LAN HTTP or MQTT publish for each outbound request,
// according to the mode matrix, falling back per mode on LAN failure.
type Arbiter struct {
	Budget      *budget.Budget
	Pool        *mqttpool.Pool
	LAN         *LANSender
	DefaultMode Mode
	Stats       *Stats
}

func New(b *budget.Budget, pool *mqttpool.Pool, lan *LANSender, defaultMode Mode) *Arbiter {
	return &Arbiter{Budget: b, Pool: pool, LAN: lan, DefaultMode: defaultMode, Stats: NewStats(64)}
}

// Send routes req, returning the publish/POST success boolean (true means
// the envelope reached its transport). An MQTT reply is delivered later
// through the pool's dispatcher; a LAN reply is handed to the LAN sender's
// dispatcher before Send returns.
func (a *Arbiter) Send(ctx context.Context, req Request) (bool, error) {
	mode := a.DefaultMode
	if req.Mode != nil {
		mode = *req.Mode
	}

	if lanAllowed(mode, req.Method) && req.IP != "" {
		if a.Budget.IsOutOfBudget(req.DeviceUUID) {
			slog.Debug("arbiter: lan budget exhausted, routing to mqtt", "device", req.DeviceUUID)
			return a.publishMQTT(req)
		}
		return a.attemptLAN(ctx, req, mode)
	}

	return a.publishMQTT(req)
}

func (a *Arbiter) attemptLAN(ctx context.Context, req Request, mode Mode) (bool, error) {
	ok, err := a.LAN.Send(ctx, req.IP, req.DeviceUUID, req.Raw)
	if err == nil {
		a.Stats.Record("lan", 200)
		return ok, nil
	}

	var parseErr *ParseFailure
	isParseFailure := errors.As(err, &parseErr)

	if !isParseFailure {
		// HTTP-level failure: budget-charged per spec §4.7c. A parse
		// failure after a working round-trip must never poison the budget.
		a.Budget.NotifyError(req.DeviceUUID)
	}
	a.Stats.Record("lan", statusOf(err))
	slog.Warn("arbiter: lan attempt failed", "device", req.DeviceUUID, "error", err, "parse_failure", isParseFailure)

	if fallbackAllowed(mode) {
		return a.publishMQTT(req)
	}
	return false, err
}

func (a *Arbiter) publishMQTT(req Request) (bool, error) {
	if a.Pool == nil {
		return false, merrors.NewUnconnected(req.DeviceUUID)
	}
	ok := a.Pool.Publish(req.Domain, req.DeviceUUID, req.Raw)
	a.Stats.Record("mqtt", boolStatus(ok))
	return ok, nil
}

func statusOf(err error) int {
	var hf *HTTPFailure
	if errors.As(err, &hf) {
		return hf.StatusCode
	}
	return 0
}

func boolStatus(ok bool) int {
	if ok {
		return 200
	}
	return 0
}

// SessionTimeout bounds a LAN HTTP attempt: min(sessionTimeout, 1s).
func SessionTimeout(sessionTimeout time.Duration) time.Duration {
	const cap = time.Second
	if sessionTimeout <= 0 || sessionTimeout > cap {
		return cap
	}
	return sessionTimeout
}

package arbiter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rustyeddy/merossmgr/merrors"
)

// HTTPFailure is a transport-level LAN failure: network error, encoding
// failure, or any status other than 200. It is the category that charges
// the error budget.
type HTTPFailure struct {
	*merrors.Error
	StatusCode int
}

func newHTTPFailure(device string, status int, msg string, err error) *HTTPFailure {
	return &HTTPFailure{
		Error:      merrors.NewHTTPApi(msg, 0, err),
		StatusCode: status,
	}
}

// ParseFailure is a LAN round-trip that completed (HTTP 200) but whose body
// could not be turned into a reply envelope — a working transport carrying
// unparseable application data. It never charges the error budget.
type ParseFailure struct {
	*merrors.Error
}

func newParseFailure(device string, err error) *ParseFailure {
	return &ParseFailure{Error: merrors.NewParse(fmt.Sprintf("lan reply from %s did not parse", device), err)}
}

// ReplyHandler hands a decoded LAN reply to the device's inbound router, the
// same path a correlated MQTT reply would take (spec §4.8: "as if it had
// arrived over MQTT").
type ReplyHandler interface {
	DeliverInbound(deviceUUID string, raw []byte)
}

// DecodeReply turns a raw LAN response body into the bytes DeliverInbound
// expects — decrypting first when the device uses encryption. Devices that
// don't encrypt pass the body through unchanged.
type DecodeReply func(deviceUUID string, body []byte) ([]byte, error)

// EncodeRequest turns plaintext envelope bytes into what actually goes over
// the wire for a LAN POST — encrypting first when the device requires it
// (spec §4.1's supportsEncryption flag). Devices that don't encrypt pass
// the body through unchanged. MQTT publishes never go through this: per
// spec §4.8 encryption is a LAN HTTP concern only.
type EncodeRequest func(deviceUUID string, body []byte) ([]byte, error)

// LANSender is the C8 LAN HTTP send component: a tightly-timed POST to the
// device's local /config endpoint, with request encoding, reply decoding,
// and delivery wired back through the same inbound path MQTT uses.
type LANSender struct {
	Client         *http.Client
	Dispatcher     ReplyHandler
	Encode         EncodeRequest
	Decode         DecodeReply
	SessionTimeout time.Duration // the configured per-call timeout; capped to 1s for LAN
}

func NewLANSender(dispatcher ReplyHandler, sessionTimeout time.Duration) *LANSender {
	return &LANSender{
		Client:         &http.Client{},
		Dispatcher:     dispatcher,
		SessionTimeout: sessionTimeout,
	}
}

// Send POSTs body to http://ip/config and, on a 200 reply, decodes and
// delivers it through Dispatcher exactly as an MQTT push would be. Returns
// (true, nil) on a fully successful round-trip; errors are either
// *HTTPFailure (transport-level, budget-charged by the caller) or
// *ParseFailure (transport healthy, payload unparseable, never charged).
func (s *LANSender) Send(ctx context.Context, ip, deviceUUID string, body []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, SessionTimeout(s.SessionTimeout))
	defer cancel()

	wire := body
	if s.Encode != nil {
		var err error
		wire, err = s.Encode(deviceUUID, body)
		if err != nil {
			// Encryption failure is HTTP-level per spec §4.7c ("network
			// error, non-2xx, encryption or decryption failure"): it
			// charges the budget same as a transport failure would.
			return false, newHTTPFailure(deviceUUID, 0, "lan payload encryption failed", err)
		}
	}

	url := fmt.Sprintf("http://%s/config", ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wire))
	if err != nil {
		return false, newHTTPFailure(deviceUUID, 0, "failed to build lan request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		// Status 0 keeps the stats buckets consistent for network errors,
		// per spec §4.8.
		return false, newHTTPFailure(deviceUUID, 0, "lan request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, newHTTPFailure(deviceUUID, resp.StatusCode, "failed to read lan response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return false, newHTTPFailure(deviceUUID, resp.StatusCode, fmt.Sprintf("lan device returned status %d", resp.StatusCode), nil)
	}

	decoded := respBody
	if s.Decode != nil {
		decoded, err = s.Decode(deviceUUID, respBody)
		if err != nil {
			return false, newParseFailure(deviceUUID, err)
		}
	}

	if s.Dispatcher != nil {
		s.Dispatcher.DeliverInbound(deviceUUID, decoded)
	}
	return true, nil
}

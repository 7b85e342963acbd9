// Package codec builds and parses the Meross message envelope: header
// construction, MD5 signing, signature verification, and the per-device
// encryption hook. It never blocks and never talks to the network —
// everything here is pure transformation, grounded on the Msg/topic
// helpers in the teacher's messenger package but reshaped around the
// wire envelope this protocol actually uses.
package codec

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/merossmgr/merrors"
)

// Method is the header's request/response method.
type Method string

const (
	MethodGET       Method = "GET"
	MethodSET       Method = "SET"
	MethodPUSH      Method = "PUSH"
	MethodGETACK    Method = "GETACK"
	MethodSETACK    Method = "SETACK"
	MethodDELETEACK Method = "DELETEACK"
	MethodERROR     Method = "ERROR"
)

// PayloadVersion is fixed at this protocol level.
const PayloadVersion = 1

// TriggerSrc identifies the originating client class; the source always
// reports "Android" regardless of host platform.
const TriggerSrc = "Android"

// Header is the envelope header exactly as it appears on the wire.
type Header struct {
	From           string `json:"from"`
	MessageId      string `json:"messageId"`
	Method         Method `json:"method"`
	Namespace      string `json:"namespace"`
	PayloadVersion int    `json:"payloadVersion"`
	Sign           string `json:"sign"`
	Timestamp      int64  `json:"timestamp"`
	TriggerSrc     string `json:"triggerSrc"`
	UUID           string `json:"uuid"`
}

// Envelope is the full {header, payload} wire message. Payload is kept as
// raw JSON — the feature-translator layer (out of scope here) is the only
// place that imposes a typed schema on it.
type Envelope struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Clock lets tests supply a deterministic time source; defaults to time.Now.
type Clock func() time.Time

// Codec builds and verifies envelopes for one session (one userKey, one
// client-response topic). It is stateless beyond its configuration, so a
// single Codec is safe to share across every device in a session.
type Codec struct {
	UserKey           string
	ClientResponseURI string // header.from for outbound envelopes
	Now               Clock

	// KeyDeriver, when non-nil, derives a per-device encryption key from
	// (deviceUUID, mac, userKey). Left nil by default: see Open Question 1
	// in DESIGN.md — the device-side derivation is not reproduced here, so
	// Encrypt/Decrypt fail with KindUnsupported until a caller supplies a
	// faithfully-ported deriver.
	KeyDeriver func(deviceUUID, mac, userKey string) ([]byte, error)
}

func New(userKey, clientResponseURI string) *Codec {
	return &Codec{UserKey: userKey, ClientResponseURI: clientResponseURI, Now: time.Now}
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// NewMessageID returns a 32-char lowercase hex string produced by hashing a
// 16-char random token, per spec §3.
func NewMessageID() string {
	buf := make([]byte, 8) // 8 random bytes -> 16 hex chars feeding the hash
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal for the process; fall
		// back to a timestamp-derived token rather than panicking here.
		buf = []byte(strconv.FormatInt(time.Now().UnixNano(), 16))
	}
	token := hex.EncodeToString(buf)
	sum := md5.Sum([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Sign computes header.sign = MD5(messageId + userKey + timestamp).
func Sign(messageId, userKey string, timestamp int64) string {
	s := fmt.Sprintf("%s%s%d", messageId, userKey, timestamp)
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Encode builds a fully-signed outbound envelope. Deterministic given
// (messageId, timestamp, key): two calls with the same three inputs always
// produce the same sign.
func (c *Codec) Encode(method Method, namespace string, payload any, deviceUUID string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, merrors.NewParse("failed to marshal outbound payload", err)
	}

	messageId := NewMessageID()
	ts := c.now().Unix()
	h := Header{
		From:           c.ClientResponseURI,
		MessageId:      messageId,
		Method:         method,
		Namespace:      namespace,
		PayloadVersion: PayloadVersion,
		Sign:           Sign(messageId, c.UserKey, ts),
		Timestamp:      ts,
		TriggerSrc:     TriggerSrc,
		UUID:           deviceUUID,
	}
	return &Envelope{Header: h, Payload: raw}, nil
}

// VerifySignature recomputes header.sign from (messageId, key, timestamp)
// and compares case-insensitively.
func VerifySignature(h Header, key string) bool {
	expect := Sign(h.MessageId, key, h.Timestamp)
	return strings.EqualFold(expect, h.Sign)
}

// ParseInbound decodes raw bytes into an Envelope. It fails with a Parse
// error when the outer JSON structure, messageId, method, or namespace are
// absent — those are required to route the reply at all. A missing
// header.from is NOT a parse failure (it's a routing decision made by the
// caller, per spec §4.1: "missing header.from ⇒ dropped silently").
func ParseInbound(raw []byte) (*Envelope, error) {
	// Decrypted payloads are trailing-NUL padded; strip before parsing.
	raw = stripTrailingNUL(raw)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, merrors.NewParse("malformed envelope JSON", err)
	}
	if env.Header.MessageId == "" {
		return nil, merrors.NewParse("envelope missing header.messageId", nil)
	}
	if env.Header.Method == "" {
		return nil, merrors.NewParse("envelope missing header.method", nil)
	}
	if env.Header.Namespace == "" {
		return nil, merrors.NewParse("envelope missing header.namespace", nil)
	}
	return &env, nil
}

func stripTrailingNUL(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

// AsCommandError converts an ERROR-method envelope's payload into a
// merrors.CommandError, per spec §4.1.
func AsCommandError(deviceUUID string, env *Envelope) *merrors.CommandError {
	var payload any
	_ = json.Unmarshal(env.Payload, &payload)
	return merrors.NewCommand(deviceUUID, payload)
}

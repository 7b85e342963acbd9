// Package httpapi is the §6 external collaborator boundary: the HTTP
// device-list/login API the manager is handed at construction time, plus a
// thin real client grounded on the teacher's client/client.go. The
// authentication flow itself (OAuth-like login, token refresh) is out of
// scope — callers construct a Client already authenticated, the same way
// the teacher's client.NewClient takes an already-reachable server URL.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rustyeddy/merossmgr/merrors"
)

// DeviceRecord is one entry from getDevices(), per spec §6: "Device
// records contain (at minimum) uuid, onlineStatus, domain, reservedDomain,
// name, type, channels."
type DeviceRecord struct {
	UUID           string          `json:"uuid"`
	OnlineStatus   int             `json:"onlineStatus"`
	Domain         string          `json:"domain"`
	ReservedDomain string          `json:"reservedDomain"`
	DeviceName     string          `json:"devName"`
	DeviceType     string          `json:"deviceType"`
	FmwareVersion  string          `json:"fmwareVersion"`
	HdwareVersion  string          `json:"hdwareVersion"`
	SubType        string          `json:"subType"`
	Channels       json.RawMessage `json:"channels"`
	MAC            string          `json:"mac"`
	EncryptType    int             `json:"encryptType"` // 0 = no encryption, per spec §4.1 "supportsEncryption"
}

// SubdeviceRecord is one entry from getSubDevices(hubUuid).
type SubdeviceRecord struct {
	SubDeviceId   string `json:"subDeviceId"`
	SubDeviceType string `json:"subDeviceType"`
	SubDeviceName string `json:"subDeviceName"`
}

// Credentials is what getTokenData() returns and fromCredentials consumes,
// per spec §4.11 / §6.
type Credentials struct {
	Token      string
	Key        string
	UserId     string
	UserEmail  string
	Domain     string
	MqttDomain string
	IssuedOn   time.Time
}

// Client is the injected authentication + device-list collaborator the
// manager depends on (spec §6, "httpClient (required)").
type Client interface {
	GetDevices(ctx context.Context) ([]DeviceRecord, error)
	GetSubDevices(ctx context.Context, hubUUID string) ([]SubdeviceRecord, error)
	Logout(ctx context.Context) error
	Credentials() Credentials
}

// DomainSwitcher is implemented by a Client that can re-target itself at a
// different API domain without re-authenticating — what a merrors.BadDomain
// (API code 1030) redirect calls for (spec §9 open question 2,
// autoRetryOnBadDomain's one-shot re-attempt).
type DomainSwitcher interface {
	WithDomain(apiDomain string) Client
}

// HTTPClient is a minimal real implementation of Client against the Meross
// cloud HTTP API, grounded on the teacher's client.Client: a base URL, a
// shared *http.Client, and one method per endpoint each doing
// request-build, do, status-check, decode. The authentication handshake
// that produces creds is out of scope (spec §6 only specifies the
// post-login surface); callers obtain creds elsewhere and pass them here.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	creds      Credentials
}

// NewHTTPClient constructs a Client already holding creds, mirroring
// client.NewClient's "already reachable server" shape.
func NewHTTPClient(baseURL string, creds Credentials) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		creds:      creds,
	}
}

func (c *HTTPClient) Credentials() Credentials { return c.creds }

// WithDomain implements DomainSwitcher: a fresh client against apiDomain,
// carrying the same creds and underlying *http.Client forward.
func (c *HTTPClient) WithDomain(apiDomain string) Client {
	return &HTTPClient{
		BaseURL:    "https://" + apiDomain,
		HTTPClient: c.HTTPClient,
		creds:      c.creds,
	}
}

type apiEnvelope struct {
	ApiStatus int             `json:"apiStatus"`
	Info      string          `json:"info"`
	Data      json.RawMessage `json:"data"`
}

func (c *HTTPClient) GetDevices(ctx context.Context) ([]DeviceRecord, error) {
	var out apiEnvelope
	if err := c.getJSON(ctx, "/v1/Device/devList", &out); err != nil {
		return nil, err
	}
	if err := c.checkAPIStatus(out.ApiStatus, out.Info, out.Data); err != nil {
		return nil, err
	}
	var devices []DeviceRecord
	if err := json.Unmarshal(out.Data, &devices); err != nil {
		return nil, merrors.NewParse("failed to decode device list", err)
	}
	return devices, nil
}

func (c *HTTPClient) GetSubDevices(ctx context.Context, hubUUID string) ([]SubdeviceRecord, error) {
	var out apiEnvelope
	url := fmt.Sprintf("/v1/Hub/getSubDevices?uuid=%s", hubUUID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	if err := c.checkAPIStatus(out.ApiStatus, out.Info, out.Data); err != nil {
		return nil, err
	}
	var subs []SubdeviceRecord
	if err := json.Unmarshal(out.Data, &subs); err != nil {
		return nil, merrors.NewParse("failed to decode subdevice list", err)
	}
	return subs, nil
}

func (c *HTTPClient) Logout(ctx context.Context) error {
	var out apiEnvelope
	if err := c.getJSON(ctx, "/v1/Profile/logout", &out); err != nil {
		return err
	}
	return c.checkAPIStatus(out.ApiStatus, out.Info, out.Data)
}

// checkAPIStatus centralises non-zero apiStatus handling. Code 1030 carries
// the redirect target in data (apiDomain/mqttDomain) and is surfaced as a
// *merrors.BadDomainError rather than the generic FromAPICode mapping, so
// the manager's one-shot retry (Open Question 2) has somewhere to read the
// new domain from.
func (c *HTTPClient) checkAPIStatus(code int, info string, data json.RawMessage) error {
	if code == 0 {
		return nil
	}
	if code == 1030 {
		var redirect struct {
			ApiDomain  string `json:"apiDomain"`
			MqttDomain string `json:"mqttDomain"`
		}
		_ = json.Unmarshal(data, &redirect)
		return merrors.NewBadDomain(redirect.ApiDomain, redirect.MqttDomain)
	}
	return merrors.FromAPICode(code, info)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return merrors.NewHTTPApi("failed to build request", 0, err)
	}
	req.Header.Set("Authorization", "Basic "+c.creds.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return merrors.NewHTTPApi("request failed", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return merrors.NewHTTPApi(fmt.Sprintf("server returned %d: %s", resp.StatusCode, string(body)), resp.StatusCode, nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return merrors.NewParse("failed to decode response", err)
	}
	return nil
}

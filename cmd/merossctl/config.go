package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rustyeddy/merossmgr/arbiter"
	"github.com/rustyeddy/merossmgr/httpapi"
	"github.com/rustyeddy/merossmgr/manager"
	"github.com/spf13/viper"
)

// cliConfig binds manager.Options to MEROSS_* env vars and an optional
// config file, the way a cobra+viper CLI conventionally wires flags.
type cliConfig struct {
	BaseURL string `mapstructure:"base_url"`

	TransportMode string `mapstructure:"transport_mode"`
	TimeoutMS     int    `mapstructure:"timeout_ms"`

	AutoRetryOnBadDomain bool `mapstructure:"auto_retry_on_bad_domain"`

	MaxErrors              int `mapstructure:"max_errors"`
	ErrorBudgetWindowMS    int `mapstructure:"error_budget_window_ms"`
	RequestBatchSize       int `mapstructure:"request_batch_size"`
	RequestBatchDelayMS    int `mapstructure:"request_batch_delay_ms"`
	EnableRequestThrottle  bool `mapstructure:"enable_request_throttling"`

	DeviceStateIntervalMS    int  `mapstructure:"device_state_interval_ms"`
	ElectricityIntervalMS    int  `mapstructure:"electricity_interval_ms"`
	ConsumptionIntervalMS    int  `mapstructure:"consumption_interval_ms"`
	HTTPDeviceListIntervalMS int  `mapstructure:"http_device_list_interval_ms"`
	SmartCaching             bool `mapstructure:"smart_caching"`
	CacheMaxAgeMS            int  `mapstructure:"cache_max_age_ms"`
}

// envBoundKeys lists every field viper must know about up front: AutomaticEnv
// only resolves MEROSS_* for keys it has already seen via BindEnv/SetDefault.
var envBoundKeys = []string{
	"base_url", "transport_mode", "timeout_ms",
	"auto_retry_on_bad_domain",
	"max_errors", "error_budget_window_ms",
	"request_batch_size", "request_batch_delay_ms", "enable_request_throttling",
	"device_state_interval_ms", "electricity_interval_ms", "consumption_interval_ms",
	"http_device_list_interval_ms", "smart_caching", "cache_max_age_ms",
}

func loadConfig() cliConfig {
	v := viper.New()
	v.SetEnvPrefix("MEROSS")
	v.AutomaticEnv()
	for _, key := range envBoundKeys {
		_ = v.BindEnv(key)
	}

	v.SetDefault("base_url", "https://iotx-us.meross.com")
	v.SetDefault("transport_mode", "LAN_HTTP_FIRST")
	v.SetDefault("timeout_ms", 5000)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		_ = v.ReadInConfig() // missing/unreadable config file is not fatal, env vars still apply
	}

	var cfg cliConfig
	_ = v.Unmarshal(&cfg)
	return cfg
}

func (c cliConfig) transportMode() arbiter.Mode {
	switch c.TransportMode {
	case "MQTT_ONLY":
		return arbiter.MQTTOnly
	case "LAN_HTTP_FIRST_ONLY_GET":
		return arbiter.LANHTTPFirstOnlyGET
	default:
		return arbiter.LANHTTPFirst
	}
}

func (c cliConfig) toOptions(httpClient httpapi.Client) manager.Options {
	return manager.Options{
		HTTPClient:              httpClient,
		TransportMode:           c.transportMode(),
		Timeout:                 durationOrZero(c.TimeoutMS),
		AutoRetryOnBadDomain:    c.AutoRetryOnBadDomain,
		MaxErrors:               c.MaxErrors,
		ErrorBudgetTimeWindow:   durationOrZero(c.ErrorBudgetWindowMS),
		RequestBatchSize:        c.RequestBatchSize,
		RequestBatchDelay:       durationOrZero(c.RequestBatchDelayMS),
		EnableRequestThrottling: c.EnableRequestThrottle,
		Subscription: manager.SubscriptionOptions{
			DeviceStateInterval:    durationOrZero(c.DeviceStateIntervalMS),
			ElectricityInterval:    durationOrZero(c.ElectricityIntervalMS),
			ConsumptionInterval:    durationOrZero(c.ConsumptionIntervalMS),
			HTTPDeviceListInterval: durationOrZero(c.HTTPDeviceListIntervalMS),
			SmartCaching:           c.SmartCaching,
			CacheMaxAge:            durationOrZero(c.CacheMaxAgeMS),
		},
	}
}

func durationOrZero(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// session is the persisted result of login, read back by devices/send/shell/serve
// so each CLI invocation doesn't need to re-authenticate.
type session struct {
	BaseURL     string    `json:"baseUrl"`
	Token       string    `json:"token"`
	Key         string    `json:"key"`
	UserId      string    `json:"userId"`
	UserEmail   string    `json:"userEmail"`
	Domain      string    `json:"domain"`
	MqttDomain  string    `json:"mqttDomain"`
	IssuedOn    time.Time `json:"issuedOn"`
}

func defaultSessionPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".merossctl", "session.json")
	}
	return ".merossctl-session.json"
}

func saveSession(path string, s session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func loadSession(path string) (session, error) {
	var s session
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}

func (s session) credentials() httpapi.Credentials {
	return httpapi.Credentials{
		Token:      s.Token,
		Key:        s.Key,
		UserId:     s.UserId,
		UserEmail:  s.UserEmail,
		Domain:     s.Domain,
		MqttDomain: s.MqttDomain,
		IssuedOn:   s.IssuedOn,
	}
}

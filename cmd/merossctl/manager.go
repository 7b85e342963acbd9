package main

import (
	"context"
	"fmt"

	"github.com/rustyeddy/merossmgr/device"
	"github.com/rustyeddy/merossmgr/httpapi"
	"github.com/rustyeddy/merossmgr/manager"
)

// connectedManager loads the stored session, builds a Manager against it,
// and connects. Callers are responsible for calling m.Logout or
// m.DisconnectAll(false) when done.
func connectedManager(ctx context.Context) (*manager.Manager, error) {
	return connectedManagerWithHook(ctx, nil)
}

// connectedManagerWithHook is connectedManager plus an optional per-event
// hook, wired in before Connect so it sees every device built during
// enrollment (buildDevice only checks the hook at construction time).
func connectedManagerWithHook(ctx context.Context, onEvent func(deviceUUID string, ev device.Event)) (*manager.Manager, error) {
	s, err := loadSession(sessFile)
	if err != nil {
		return nil, fmt.Errorf("no session found, run %q first: %w", "merossctl login", err)
	}

	httpClient := httpapi.NewHTTPClient(s.BaseURL, s.credentials())
	cfg := loadConfig()

	m, err := manager.New(cfg.toOptions(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to construct manager: %w", err)
	}
	m.OnDeviceEvent = onEvent
	if err := m.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return m, nil
}

package mqttpool

import "testing"

// S2 — Topic construction.
func TestTopics_S2(t *testing.T) {
	const deviceUUID, userId, appId = "u1", "42", "app7"

	if got, want := DeviceTopic(deviceUUID), "/appliance/u1/subscribe"; got != want {
		t.Errorf("DeviceTopic() = %q, want %q", got, want)
	}
	if got, want := ClientResponseTopic(userId, appId), "/app/42-app7/subscribe"; got != want {
		t.Errorf("ClientResponseTopic() = %q, want %q", got, want)
	}
	if got, want := ClientUserTopic(userId), "/app/42/subscribe"; got != want {
		t.Errorf("ClientUserTopic() = %q, want %q", got, want)
	}
}

func TestDeviceUUIDFromFrom(t *testing.T) {
	cases := []struct {
		from string
		want string
	}{
		{"/appliance/u1/publish", "u1"},
		{"/appliance/2021060723550000-abcd-ef01/publish", "2021060723550000-abcd-ef01"},
		{"", ""},
		{"nosegments", ""},
		{"/a", ""},
	}
	for _, c := range cases {
		if got := DeviceUUIDFromFrom(c.from); got != c.want {
			t.Errorf("DeviceUUIDFromFrom(%q) = %q, want %q", c.from, got, c.want)
		}
	}
}

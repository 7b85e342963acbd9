package mqttpool

import (
	"fmt"
	"strings"
)

// DeviceTopic returns the publish target that carries commands to a device.
func DeviceTopic(deviceUUID string) string {
	return fmt.Sprintf("/appliance/%s/subscribe", deviceUUID)
}

// ClientResponseTopic is where acks to our own calls arrive.
func ClientResponseTopic(userId, appId string) string {
	return fmt.Sprintf("/app/%s-%s/subscribe", userId, appId)
}

// ClientUserTopic is where push notifications for the user's devices arrive.
func ClientUserTopic(userId string) string {
	return fmt.Sprintf("/app/%s/subscribe", userId)
}

// DeviceUUIDFromFrom extracts the originating device UUID from an inbound
// header.from. Otto-style topics split into path segments with Path[2]
// holding the identity; Meross's "/appliance/<uuid>/subscribe" is the same
// shape, so the third segment (index 2) is the device UUID.
func DeviceUUIDFromFrom(from string) string {
	parts := strings.Split(from, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// Package testlib holds helpers shared by integration tests.
package testlib

import "os"

// MqttURLEnv names an external broker integration tests use instead of
// starting a container.
const MqttURLEnv = "MQTT_URL"

// ExternalMqttURL returns the broker set in MQTT_URL, if any.
func ExternalMqttURL() (string, bool) {
	u := os.Getenv(MqttURLEnv)
	return u, u != ""
}

// MqttURL returns the url of the broker a test container publishes at
// hostPort, with the credentials the container is started with.
func MqttURL(hostPort string) string {
	return "mqtt://foo:bar@" + hostPort
}

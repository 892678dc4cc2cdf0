// Package mqtt wraps the Eclipse Paho client for roasterd.
//
// The bridge publishes decoded field changes, command acknowledgements and
// health reports through this client, and receives operator commands on a
// wildcard subscription. The client handles:
//   - Auto-reconnect with exponential backoff
//   - Re-subscription after reconnect
//   - A retained online/offline status message with Last Will
//   - Panic recovery around message handlers
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, "roaster/roaster-01/status")
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("roaster/roaster-01/command/+", 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt

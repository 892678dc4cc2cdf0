// Package roaster implements the serial link to the coffee roaster's
// controller board and the bridge that exposes it to the rest of roasterd.
//
// # Wire protocol
//
// Lines are ASCII, terminated by '\n' (the controller may send "\r\n").
//
//	host -> device   "<command>,<value>\n"
//	device -> host   "<command>,<address>,<value>"
//
// Outbound commands: 0 status request, 1 relay on, 2 relay off (value is the
// relay address), 3 set gas valve (value is 0-100).
//
// Inbound status reports use command 0 and one of the addresses below.
// Other inbound commands are reserved and ignored.
//
//	1 drum temp      2 chamber temp   3 exhaust temp
//	4 flame          5 drum relay     6 cooling relay
//	7 exhaust relay  8 gas relay      9 ignitor
//	10 valve
//
// # Data flow
//
//	serial port -> lineFramer -> LineQueue -> Dispatcher -> DeviceState
//	                                               |
//	                                               v
//	                                     FieldChanged listeners
//	                                     (MQTT, InfluxDB, WebSocket)
//
// The Transport's reader goroutine frames bytes into lines and pushes them
// onto the LineQueue without blocking. The Poller sends a status request
// every second and drains the queue every 250ms on a single goroutine,
// so the Dispatcher and DeviceState are only ever touched by one writer.
//
// # Usage
//
//	dispatcher := roaster.NewDispatcher(roaster.DispatcherOptions{Logger: log})
//	bridge, err := roaster.NewBridge(roaster.BridgeOptions{
//	    Config:     bridgeCfg,
//	    Dispatcher: dispatcher,
//	    MQTTClient: mqttAdapter,
//	    Logger:     log,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := bridge.Start(ctx); err != nil {
//	    return err
//	}
//	defer bridge.Stop()
//
//	bridge.SetRelay(roaster.FieldGasRelay, true)
package roaster

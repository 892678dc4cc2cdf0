// Package influxdb writes roaster telemetry to InfluxDB v2.
//
// Two measurements are produced:
//
//	roaster_fields  tags: roaster, field        fields: value
//	roast_samples   tags: roaster, roast_id     fields: one per sampled value
//
// Writes go through the non-blocking batched WriteAPI, so calls never stall
// the serial dispatch loop. Asynchronous write failures are reported through
// the callback set with SetOnError.
//
// Configuration (config.yaml):
//
//	influxdb:
//	  enabled: true
//	  url: "http://localhost:8086"
//	  org: "roastery"
//	  bucket: "roaster"
//	  batch_size: 100
//	  flush_interval: 10   # seconds
//
// The token is read from ROASTER_INFLUXDB_TOKEN.
package influxdb

package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementFields  = "roaster_fields"
	MeasurementSamples = "roast_samples"
)

// WriteFieldValue records one confirmed field change from the controller.
//
// Parameters:
//   - roasterID: Roaster identifier (tag)
//   - field: Field name such as "drum_temp" or "gas_relay" (tag)
//   - value: Reading; booleans are written as 0 or 1
//   - at: Time the change was applied
func (c *Client) WriteFieldValue(roasterID, field string, value float64, at time.Time) {
	c.WritePointWithTime(MeasurementFields,
		map[string]string{"roaster": roasterID, "field": field},
		map[string]interface{}{"value": value},
		at)
}

// WriteRoastSample records one roast log sample.
//
// Example:
//
//	client.WriteRoastSample("roaster-01", roastID,
//	    map[string]interface{}{"elapsed_ms": 61000, "drum_temp": 182, "gas_relay": true}, now)
func (c *Client) WriteRoastSample(roasterID, roastID string, fields map[string]interface{}, at time.Time) {
	c.WritePointWithTime(MeasurementSamples,
		map[string]string{"roaster": roasterID, "roast_id": roastID},
		fields,
		at)
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp. Points
// written while disconnected are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

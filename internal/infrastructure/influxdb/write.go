package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues one point stamped with the current time.
//
// The bridge records slot values as "souliss_slot", node health as
// "souliss_node_health" and action message topics as "souliss_topic".
// Tags should stay low cardinality (gateway, node, slot, typical).
// Points without fields are dropped because InfluxDB rejects them.
//
// Example:
//
//	client.WritePoint("souliss_slot",
//	    map[string]string{"gateway": "hall", "node": "1", "slot": "0"},
//	    map[string]interface{}{"on": 1.0})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// Package influxdb provides InfluxDB connectivity for the Souliss bridge.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - souliss_slot: decoded slot values (tags gateway, node, slot, typical)
//   - souliss_node_health: node link quality (tags gateway, node)
//   - souliss_topic: action message values (tags gateway, topic, variant)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WritePoint("souliss_slot",
//	    map[string]string{"gateway": "hall", "node": "1", "slot": "0"},
//	    map[string]interface{}{"on": 1.0})
//
// Write errors are delivered asynchronously through SetOnError.
package influxdb

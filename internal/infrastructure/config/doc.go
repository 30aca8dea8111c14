// Package config handles loading and validating the Souliss bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//
// Durations in the souliss section are written as Go duration strings
// ("200ms", "30s", "2m").
//
// Sensitive values (MQTT password, InfluxDB token) should be set via
// environment variables and the config file kept at 0600.
//
// Usage:
//
//	cfg, err := config.Load("configs/souliss.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, gw := range cfg.Souliss.Gateways {
//	    fmt.Println(gw.ID, gw.Address)
//	}
package config

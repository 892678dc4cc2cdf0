// Package config handles loading and validating roasterd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with ROASTER_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Credentials (MQTT password, InfluxDB token) should be supplied through the
// environment rather than the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Roaster.Serial.Port)
package config

// Package config handles loading and validating the lamp bridge configuration.
//
// This package manages:
//   - Loading configuration from a YAML file
//   - Overriding with LAMPBRIDGE_* environment variables
//   - Validation of required fields and policy values
//
// Secrets (MQTT password, InfluxDB token) should be supplied through the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Registry.Capacity)
package config

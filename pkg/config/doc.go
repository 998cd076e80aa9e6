// Package config loads driver manager configuration from YAML.
//
// Durations are Go duration strings ("50ms", "2s"). Omitted fields take
// their defaults from Default.
//
//	buses:
//	  - kind: usb
//	    strategy: adaptive
//	    poll_interval: 1s
//	    scan_timeout: 5s
//	    power_budget_mw: 4500
//	resources:
//	  stale_after: 5m
//	recovery:
//	  max_retries: 3
//	  escalation_window: 1s
package config

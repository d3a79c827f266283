// Package config handles configuration loading for nexus-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation; timing defaults live with the components
// that consume them.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backends:
//	  - kind: "chat"
//	    base_url: "https://api.example.com/v1"
//	    api_key: "${NEXUS_BACKEND_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	health:
//	  check_interval: "60s"
//	  probe_timeout: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Session history database (leave path empty for in-memory history that
// lives for the process lifetime only):
//
//	database:
//	  path: "/var/lib/nexus/history.db"
//
// Health checking:
//
//	health:
//	  check_interval: "60s"
//	  probe_timeout: "10s"
//	  unhealthy_threshold: 1
//	  removal_threshold: 0   # 0 disables automatic removal
//
// Backend dispatch timing:
//
//	dispatch:
//	  request_timeout: "5m"
//	  stream_idle_timeout: "2m"
//
// Backends seeded at startup (optional; backends can also be registered at
// runtime through the admin API):
//
//	backends:
//	  - kind: "chat"
//	    base_url: "http://10.0.0.5:8000/v1"
//	    api_key: "${NEXUS_BACKEND_KEY}"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "nexus-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - HTTP address presence (unless Tailscale serves the listener)
//   - Duration format validity
//   - Probe timeout strictly shorter than the check interval
//   - Seeded backend entries naming a kind and base URL
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/nexus/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backend:
//	  secret: "${RELAY_BACKEND_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  poll_interval: "1s"
//	  response_timeout: "10s"
//	  session_idle_eviction: "30m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  host: "0.0.0.0"
//	  port: 8080
//
// Backend connection:
//
//	backend:
//	  base_url: "https://directline.example.com"
//	  secret: "${RELAY_BACKEND_SECRET}"
//	  agent_name: "assistant"    # sender name whose activities are relayed
//	  request_timeout: "15s"
//
// Relay timing:
//
//	relay:
//	  poll_interval: "1s"          # delay between reply-poll attempts
//	  response_timeout: "10s"      # total budget per turn
//	  session_idle_eviction: "30m" # idle sessions are swept after this
//
// Authentication:
//
//	auth:
//	  mode: "none"                 # none, jwt, static
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//	  static_tokens: []            # bcrypt hashes for mode: static
//
// Transcript store (optional):
//
//	store:
//	  path: "/var/lib/relay/transcripts.db"  # empty disables the store
//
// Inbound dedupe:
//
//	dedupe:
//	  ttl: "5m"
//	  max_size: 10000
//	  redis_addr: ""               # empty selects the in-memory guard
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay"
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
//   - Backend base URL and agent name presence
//   - Poll interval / response timeout consistency
//   - Auth mode values and per-mode required fields
//   - Duration format validity
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

// Package config handles configuration loading for stream-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the name ends
// in .toml, with environment variable expansion, validation and defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from STREAM_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/stream-gateway/gateway.yaml
//  3. ~/.config/stream-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	routing:
//	  redis_url: "${REDIS_URL}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "5s"
//	  file_transfer_begin_timeout: "3s"
//	  manifest_cache_expiration: "1h"
//
// # Example Configuration
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"
//	  http_addr: "0.0.0.0:8080"
//	  server_id: "gateway-1"
//
//	database:
//	  path: "/var/lib/stream-gateway/gateway.db"
//
//	files:
//	  jobs_dir: "/var/lib/stream-gateway/jobs"
//
//	routing:
//	  backend: "redis"
//	  redis_url: "redis://localhost:6379/0"
//	  route_ttl: "30s"
//
//	agents:
//	  heartbeat_interval: "5s"
//	  file_transfer_begin_timeout: "3s"
//	  file_transfer_stalled_timeout: "20s"
//	  max_concurrent_transfers: 100
//	  transfer_buffer_bytes: 1048576
//	  manifest_cache_expiration: "0s"
//	  sync_ack_interval: "30s"
//	  sync_max_messages: 10
//
//	logging:
//	  level: "info"  # debug, info, warn, error
//	  format: "text" # text, json
//
// # Validation
//
// Load validates the configuration. The gRPC and HTTP addresses, database
// path and jobs directory are required; a redis routing back end also needs
// redis_url.
package config

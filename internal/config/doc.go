// Package config handles configuration loading for taskrelay-gateway and
// taskrelay-agent.
//
// # Gateway
//
// The gateway reads YAML. Default location, in order:
//
//  1. Path from TASKRELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/taskrelay/gateway.yaml
//  3. ~/.config/taskrelay/gateway.yaml
//
// Example:
//
//	server:
//	  http_addr: "0.0.0.0:8000"   # /ws, /api, /health, /metrics
//	  grpc_addr: "0.0.0.0:50051"  # gRPC relay stream (optional)
//
//	database:
//	  path: "/var/lib/taskrelay/gateway.db"
//
//	auth:
//	  jwt_secret: "${TASKRELAY_JWT_SECRET}"
//
//	agents:
//	  keepalive_interval: "30s"
//	  keepalive_timeout: "10s"
//	  heartbeat_interval: "30s"
//	  fail_pending_on_disconnect: false
//
//	tasks:
//	  default_timeout: "30s"
//	  max_timeout: "10m"
//	  settled_ttl: "10m"
//
// # Agent
//
// The agent reads TOML:
//
//	server_url = "ws://gateway:8000/ws"
//	client_id  = "dev-1"
//	token      = "${TASKRELAY_AGENT_TOKEN}"
//
//	[timing]
//	reconnect_interval   = "5s"
//	max_conflict_retries = 3
//
//	[device]
//	brand = "Google"
//	model = "Pixel 7"
//
//	[[workflows]]
//	app     = "shell"
//	name    = "open_url"
//	command = ["xdg-open", "{url}"]
//
// # Environment Variable Expansion
//
// Both formats expand ${VAR_NAME} before parsing. Unset variables become
// empty strings.
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax ("30s", "5m").
package config

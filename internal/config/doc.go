// Package config handles configuration loading for coursechat-gateway.
//
// # Overview
//
// Two files configure a gateway. The gateway file (YAML) holds process-wide
// settings: listeners, database, session secret, backend defaults and the
// search/directory/dialogue knobs. The tenant catalog holds the static
// per-tenant defaults, one entry per course context plus a required
// "default" entry used for unknown tenants.
//
// # Environment Variable Expansion
//
// Both files expand ${VAR_NAME} references before parsing:
//
//	auth:
//	  jwt_secret: "${COURSECHAT_JWT_SECRET}"
//
// # Gateway File
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service, optional
//
//	database:
//	  path: "/var/lib/coursechat/history.db"
//
//	tenants:
//	  path: "/etc/coursechat/tenants.toml"
//
//	backends:
//	  preview_api_version: "2023-08-01-preview"
//	  stream: true
//	  response_modes:
//	    "2023-06-01-preview": passthrough
//	  default_response_mode: reshape
//
//	directline:
//	  poll_attempts: 10
//	  poll_interval: "1s"
//
//	ratelimit:
//	  redis_addr: "localhost:6379"   # empty disables limiting
//	  limit: 30
//	  window: "1m"
//
// # Tenant Catalog
//
// The catalog format follows the file extension (.yaml, .toml or .json):
//
//	[default]
//	title = "Course Assistant"
//	model = "chat"
//	system_message = "You help {person} with {course}."
//
//	[math101]
//	search_service = "math-search"
//	search_index = "lectures"
//	search_key = "${MATH_SEARCH_KEY}"
//
// Every field is optional. Missing fields fall through to the tier below
// when the resolver overlays published and personal overrides.
//
// # Reload
//
// Registry swaps the catalog atomically; the gateway calls Reload on SIGHUP.
package config

// Package config handles configuration loading for locus-dm.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LOCUS_DM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/locus-dm/config.yaml
//  3. ~/.config/locus-dm/config.yaml
//
// Files ending in .toml are parsed as TOML; everything else is YAML. Both use
// the same keys.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${LOCUS_DM_JWT_SECRET}"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/locus-dm/dm.db"
//	  timeout: "5s"
//
//	redis:
//	  addr: "localhost:6379"
//
//	presence:
//	  backend: "redis"   # local, redis
//	  ttl: "2m"
//
//	notifications:
//	  enabled: true
//	  transport: "smtp"  # log, smtp, matrix
//	  queue: "asynq"     # memory, asynq
//	  max_attempts: 3
//	  timeout: "10s"
//	  backoff: "1s"
//	  skip_online: true
//	  base_url: "https://app.dentallocus.com"
//	  smtp:
//	    host: "smtp.example.com"
//	    from: "DentalLocus <noreply@dentallocus.com>"
//
//	inbox:
//	  concurrency: 8
//	  enrichment_timeout: "2s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Unset values take the defaults in ApplyDefaults.
package config

// Package config provides configuration loading for the SemRelay service.
//
// Configuration is read once at startup. The Loader starts from Default(),
// merges each file layer on top (JSON for .json, YAML for .yaml and .yml),
// applies SEMRELAY_* environment overrides and finally validates the result.
// Only keys present in a layer override the defaults; lists replace rather
// than append.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	cfg, err := loader.LoadFile("/etc/semrelay/config.yaml")
//	if err != nil {
//		return err
//	}
//
// An empty path loads the defaults:
//
//	cfg, err := config.NewLoader().LoadFile("")
//
// # File Format
//
//	server:
//	  port: 8080
//	  read_header_timeout: 10s
//	bus:
//	  url: nats://localhost:4222
//	  connect_attempts: 3
//	  drain_timeout: 5s
//	channels:
//	  allowed_prefixes: ["user.", "game."]
//	connection:
//	  send_queue: 64
//	  write_timeout: 10s
//	  ping_interval: 30s
//	metrics:
//	  port: 9090
//	log:
//	  level: info
//	  format: json
//
// Durations use Go duration syntax ("250ms", "2s", "1m"). JSON files may
// contain // and /* */ comments.
//
// # Environment Overrides
//
//	SEMRELAY_PORT              server.port
//	SEMRELAY_NATS_URL          bus.url
//	SEMRELAY_NATS_USERNAME     bus.username
//	SEMRELAY_NATS_PASSWORD     bus.password
//	SEMRELAY_NATS_TOKEN        bus.token
//	SEMRELAY_LOG_LEVEL         log.level
//	SEMRELAY_LOG_FORMAT        log.format
//	SEMRELAY_ALLOWED_PREFIXES  channels.allowed_prefixes (comma separated)
//	SEMRELAY_METRICS_PORT      metrics.port
//
// # Errors
//
// Every load or validation failure matches errors.ErrInvalidConfig and is
// classified invalid.
package config

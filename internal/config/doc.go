// Package config loads and validates botstate configuration from YAML.
//
// Configuration files support ${VAR_NAME} environment variable expansion.
// Example:
//
//	database:
//	  path: /var/lib/botstate/state.db
//	  strict: false
//	cache:
//	  policy: last_write_wins
//	logging:
//	  level: info
//	  format: text
//	metrics:
//	  enabled: true
//	  addr: 127.0.0.1:9611
package config

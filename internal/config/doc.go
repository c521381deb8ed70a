// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Load parses only; LoadWithDefaults fills optional fields; LoadAndValidate also
// rejects configurations the watcher cannot run with.
package config

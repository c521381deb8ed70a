// Package logging builds the structured slog logger used across propwatch.
//
// Output format, level and destination come from the logging section of the
// config file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text, json
//	  output: "stdout"   # stdout, stderr
//
// Every record carries the service name, version and instance id.
package logging

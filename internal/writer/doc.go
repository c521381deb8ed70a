// Package writer persists projected property values.
//
// HistoryWriter drains a router buffer and appends one row per update to the
// property_values table in PostgreSQL or TimescaleDB. Rows are never updated.
// A value lands in exactly one of value_text, value_num or value_bool
// according to its projected type; failure tokens set is_error.
package writer

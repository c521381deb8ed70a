// Package database opens the PostgreSQL or TimescaleDB pool used for value history.
package database

// Package projection turns subscription values into the text/number/boolean
// values a variable system can store, and defines how they are delivered.
//
// Primitive values pass through unchanged so downstream expressions can do
// arithmetic and comparisons on them. Objects and arrays are rendered as
// canonical compact JSON (sorted keys). Failure states are reported with fixed
// display tokens rather than errors.
package projection

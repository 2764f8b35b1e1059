// Package store persists harmonization runs to SQLite.
//
// A run captures everything needed to re-verify it later without the input
// files: the decimal settings, the search settings, the calibration
// constants, the frozen original aggregates, and every adjusted reading.
// Decimals are stored as TEXT in their exact string form.
package store

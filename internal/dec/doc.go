// Package dec provides the exact decimal arithmetic layer shared by the
// formula engine, the aggregate metrics, and the harmonization search.
//
// All arithmetic runs through an explicit, immutable Context value - there is
// no process-wide precision setting. A Context pairs an apd context (precision,
// round-half-up) with a fixed quantization scale applied to intermediate
// results, so that recomputing a certificate reproduces the reference values
// digit for digit.
//
// Floats never enter the computation path: raw values are parsed from their
// textual representation into apd decimals, and binary floats are converted
// via their shortest exact string form first.
package dec

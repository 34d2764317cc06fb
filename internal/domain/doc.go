// Package domain defines the core domain types and interfaces.
//
// Samples, display points, sinks and the sentinel errors shared by the
// generator, the broadcast registry and the stream client live here.
// No implementation code - just contracts.
package domain

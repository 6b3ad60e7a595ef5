// Package stream manages score stream sessions.
// Each session owns a smoothing engine, fans its results out to subscribers,
// tallies confirmed commands and is removed after a configurable idle timeout.
package stream

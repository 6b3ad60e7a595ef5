// Package recognize smooths a stream of per-label classification scores into
// debounced detection events. It keeps a sliding time window of recent score
// vectors, averages them per label, and applies a threshold and a suppression
// interval before confirming a new command. It also accumulates time spent in
// the quiet label, ignoring gaps that look like pauses in the stream.
package recognize

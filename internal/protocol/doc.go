// Package protocol implements the binary score stream protocol.
// Packets carry an 8-byte header followed by an open, scores or close payload.
package protocol

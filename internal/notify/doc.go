// Package notify implements the detection webhook client.
// Confirmed detections are posted as JSON with bearer authentication, bounded
// concurrency and exponential backoff on transient failures.
package notify

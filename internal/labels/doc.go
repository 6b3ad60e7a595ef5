// Package labels loads the label vocabulary a classifier emits scores for.
// Labels are read one per line; their order defines the score vector layout.
package labels

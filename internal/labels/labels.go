package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Vocabulary is an ordered set of unique label names
type Vocabulary struct {
	labels []string
	index  map[string]int
}

// New builds a vocabulary from an ordered list of labels
func New(labels []string) (*Vocabulary, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("vocabulary cannot be empty")
	}

	v := &Vocabulary{
		labels: make([]string, 0, len(labels)),
		index:  make(map[string]int, len(labels)),
	}

	for i, label := range labels {
		if label == "" {
			return nil, fmt.Errorf("label at position %d is empty", i)
		}
		if prev, exists := v.index[label]; exists {
			return nil, fmt.Errorf("duplicate label %q at positions %d and %d", label, prev, i)
		}
		v.index[label] = len(v.labels)
		v.labels = append(v.labels, label)
	}

	return v, nil
}

// Load reads a vocabulary file with one label per line
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file %s: %w", path, err)
	}
	defer f.Close()

	v, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file %s: %w", path, err)
	}

	return v, nil
}

// Read parses a vocabulary from r. Blank lines are skipped and
// surrounding whitespace (including a trailing \r) is trimmed.
func Read(r io.Reader) (*Vocabulary, error) {
	var labels []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return New(labels)
}

// Labels returns a copy of the ordered labels
func (v *Vocabulary) Labels() []string {
	out := make([]string, len(v.labels))
	copy(out, v.labels)
	return out
}

// Len returns the number of labels
func (v *Vocabulary) Len() int {
	return len(v.labels)
}

// Index returns the position of label, or -1 if it is unknown
func (v *Vocabulary) Index(label string) int {
	if i, ok := v.index[label]; ok {
		return i
	}
	return -1
}

// Contains reports whether label is in the vocabulary
func (v *Vocabulary) Contains(label string) bool {
	_, ok := v.index[label]
	return ok
}

// IsDisplayed reports whether a label is a user-facing command.
// Labels starting with an underscore (_silence_, _unknown_) are internal.
func IsDisplayed(label string) bool {
	return label != "" && !strings.HasPrefix(label, "_")
}

// Displayed returns the user-facing labels in vocabulary order
func (v *Vocabulary) Displayed() []string {
	out := make([]string, 0, len(v.labels))
	for _, label := range v.labels {
		if IsDisplayed(label) {
			out = append(out, label)
		}
	}
	return out
}

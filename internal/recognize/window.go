package recognize

// sample is one timestamped score vector held in the window.
type sample struct {
	timestampMs int64
	scores      []float64
}

// window is a double-ended queue of samples ordered by arrival.
// Samples are appended at the back and evicted from the front.
type window struct {
	samples []sample
	head    int
}

func (w *window) len() int {
	return len(w.samples) - w.head
}

func (w *window) push(s sample) {
	w.samples = append(w.samples, s)
}

func (w *window) front() sample {
	return w.samples[w.head]
}

func (w *window) back() sample {
	return w.samples[len(w.samples)-1]
}

func (w *window) popFront() {
	w.samples[w.head] = sample{}
	w.head++

	// Compact once the dead prefix dominates the backing array
	if w.head >= 32 && w.head*2 >= len(w.samples) {
		n := copy(w.samples, w.samples[w.head:])
		clear(w.samples[n:])
		w.samples = w.samples[:n]
		w.head = 0
	}
}

// evictBefore drops front samples whose timestamp is strictly less than cutoff.
func (w *window) evictBefore(cutoff int64) int {
	evicted := 0
	for w.len() > 0 && w.front().timestampMs < cutoff {
		w.popFront()
		evicted++
	}
	return evicted
}

// live returns the retained samples, front to back.
func (w *window) live() []sample {
	return w.samples[w.head:]
}

func (w *window) reset() {
	clear(w.samples)
	w.samples = w.samples[:0]
	w.head = 0
}

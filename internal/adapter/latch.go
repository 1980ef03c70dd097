package adapter

import "sync"

// Latch is the fatal-error state of spec §4.2/§9: a nullable error that,
// once set, is never cleared by the process itself. All further mutating
// calls short-circuit with the stored error until an operator clears it.
type Latch struct {
	mu  sync.Mutex
	err error
}

// Set stores err if the latch is not already tripped; the first fatal error
// wins.
func (l *Latch) Set(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// Err returns the stored fatal error, or nil if the latch is clear.
func (l *Latch) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Clear resets the latch. Only the operator-facing admin path should call
// this.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = nil
}

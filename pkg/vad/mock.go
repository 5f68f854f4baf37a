package vad

import (
	"sync"
)

// MockClassifier is a scriptable classifier for tests. Decisions are served
// from a queue; when the queue is empty the fallback decision is returned.
type MockClassifier struct {
	mu        sync.Mutex
	decisions []bool
	fallback  bool
	err       error
	calls     int
	resets    int
}

// NewMockClassifier creates a mock whose empty-queue answer is fallback.
func NewMockClassifier(fallback bool) *MockClassifier {
	return &MockClassifier{fallback: fallback}
}

// Script appends voicing decisions to be returned in order.
func (m *MockClassifier) Script(decisions ...bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decisions...)
}

// FailWith makes every subsequent Classify return err.
func (m *MockClassifier) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClassifier) Classify(pcm []byte, sampleRate int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	if len(m.decisions) > 0 {
		d := m.decisions[0]
		m.decisions = m.decisions[1:]
		return d, nil
	}
	return m.fallback, nil
}

func (m *MockClassifier) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

// Calls returns how many frames were classified.
func (m *MockClassifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Resets returns how many times Reset was called.
func (m *MockClassifier) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

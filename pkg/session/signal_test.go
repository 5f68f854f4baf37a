package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalSetReleasesWaiters(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsSet())

	done := make(chan struct{})
	go func() {
		<-s.Wait()
		close(done)
	}()

	s.Set()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Set")
	}
	assert.True(t, s.IsSet())

	// Repeated sets are safe.
	s.Set()
	assert.True(t, s.IsSet())
}

func TestSignalClearRearms(t *testing.T) {
	s := NewSignal()
	s.Set()
	old := s.Wait()
	s.Clear()
	assert.False(t, s.IsSet())

	// The pre-Clear channel stays released; the new one blocks.
	select {
	case <-old:
	default:
		t.Fatal("pre-Clear waiter channel should remain closed")
	}
	select {
	case <-s.Wait():
		t.Fatal("cleared signal should block waiters")
	default:
	}

	// Clear on an unset signal is a no-op.
	s.Clear()
	assert.False(t, s.IsSet())
}

package observe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordWithoutServer(t *testing.T) {
	m, err := New("")
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	m.SessionStarted()
	m.ObserveFirstAudio(320)
	m.ObserveFirstAudio(-1) // no first audio, not recorded
	m.IncUnderrun()
	m.IncBargeIn()
	m.IncSuppressed("guard")
	m.IncSuppressed("energy")
	m.SessionEnded()
}

func TestMetricsShutdownIdempotentServer(t *testing.T) {
	m, err := New("127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, m.Shutdown(context.Background()))
}

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessEchoesStdinToStdout(t *testing.T) {
	proc, err := Start(context.Background(), Config{Command: "cat"})
	require.NoError(t, err)

	require.NoError(t, proc.WriteAndClose("hello from the task prompt"))

	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	assert.Equal(t, 0, proc.ExitCode())
	assert.Equal(t, "hello from the task prompt", proc.Stdout())
}

func TestProcessNonZeroExit(t *testing.T) {
	proc, err := Start(context.Background(), Config{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	require.NoError(t, proc.WriteAndClose(""))

	<-proc.Done()
	assert.Equal(t, 3, proc.ExitCode())
}

func TestProcessStopTerminatesLongRunningChild(t *testing.T) {
	proc, err := Start(context.Background(), Config{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	require.NoError(t, proc.WriteAndClose(""))

	proc.Stop()

	select {
	case <-proc.Done():
	case <-time.After(6 * time.Second):
		t.Fatal("process did not stop after Stop()")
	}
	assert.NotEqual(t, 0, proc.ExitCode())
}

func TestTailBufferBoundsCapturedOutput(t *testing.T) {
	var tb tailBuffer
	big := make([]byte, tailCap+1024)
	for i := range big {
		big[i] = 'x'
	}
	_, err := tb.Write(big)
	require.NoError(t, err)
	assert.Equal(t, tailCap, len(tb.String()))
}

func TestStartUnknownCommandFails(t *testing.T) {
	_, err := Start(context.Background(), Config{Command: "no-such-assistant-binary-xyz"})
	require.Error(t, err)
}

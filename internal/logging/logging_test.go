package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentLoggerWritesTaggedLine(t *testing.T) {
	var buf bytes.Buffer
	prevOut := defaultOut
	defaultOut = &buf
	t.Cleanup(func() { defaultOut = prevOut })

	logger := NewComponent("Scheduler")
	logger.Info("dispatched %s", "task-1")

	assert.Contains(t, buf.String(), "Scheduler")
	assert.Contains(t, buf.String(), "INFO")
	assert.Contains(t, buf.String(), "dispatched task-1")
}

func TestWithAppendsComponentPath(t *testing.T) {
	var buf bytes.Buffer
	prevOut := defaultOut
	defaultOut = &buf
	t.Cleanup(func() { defaultOut = prevOut })

	logger := NewComponent("Supervisor").With("instance-3")
	logger.Warn("heartbeat missed")

	assert.True(t, strings.Contains(buf.String(), "Supervisor/instance-3"))
	assert.Contains(t, buf.String(), "WARN")
}

func TestOrNopReturnsNopLoggerForNil(t *testing.T) {
	logger := OrNop(nil)
	assert.NotPanics(t, func() {
		logger.Debug("ignored")
		logger.Info("ignored")
		logger.Warn("ignored")
		logger.Error("ignored")
		logger.With("x").Info("still ignored")
	})
}

func TestOrNopReturnsLoggerUnchangedWhenNotNil(t *testing.T) {
	logger := NewComponent("X")
	assert.Same(t, logger, OrNop(logger))
}

func TestIsNilDetectsTypedNilPointer(t *testing.T) {
	var cl *componentLogger
	var logger Logger = cl
	assert.True(t, IsNil(logger))
	assert.False(t, IsNil(NewComponent("Y")))
}

func TestEnableStructuredMirrorsToJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	EnableStructured(Info, &buf)
	t.Cleanup(func() {
		mu.Lock()
		structured = nil
		mu.Unlock()
	})

	var out bytes.Buffer
	prevOut := defaultOut
	defaultOut = &out
	t.Cleanup(func() { defaultOut = prevOut })

	NewComponent("Z").Info("structured line")
	assert.Contains(t, buf.String(), `"msg":"structured line"`)
	assert.Contains(t, buf.String(), `"component":"Z"`)
}

package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	err := New(NotFound, "task not found: abc")
	assert.Equal(t, "task not found: abc", err.Error())
	kind, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, NotFound, kind)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(SpawnFailed, cause, "")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "spawn-failed: boom", err.Error())
}

func TestAsThroughFmtWrap(t *testing.T) {
	inner := New(AcquireTimeout, "timed out")
	outer := fmt.Errorf("acquire instance: %w", inner)

	kind, ok := As(outer)
	assert.True(t, ok)
	assert.Equal(t, AcquireTimeout, kind)
	assert.True(t, Is(outer, AcquireTimeout))
	assert.False(t, Is(outer, NotFound))
}

func TestAsOnPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}

func TestCodeMapping(t *testing.T) {
	cases := map[Kind]string{
		MalformedInput:       "invalid-input",
		InvalidGraph:         "invalid-graph",
		AcquireTimeout:       "acquire-timeout",
		SpawnFailed:          "spawn-failed",
		ChildTimeout:         "child-timeout",
		NotFound:             "not-found",
		AlreadyRunning:       "already-running",
		InvalidInput:         "invalid-input",
		Cancelled:            "internal",
		StoreMigrationFailed: "internal",
		Internal:             "internal",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Code(), "kind %s", kind)
	}
}

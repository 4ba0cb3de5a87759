package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, Unknown, KindOf(nil))
	assert.Equal(t, Unknown, KindOf(base))
	assert.Equal(t, Infrastructure, KindOf(New(Infrastructure, "query", base)))
	assert.Equal(t, Invariant, KindOf(fmt.Errorf("merge: %w", New(Invariant, "merge", base))))
	assert.Equal(t, Infrastructure, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
}

func TestNewNil(t *testing.T) {
	assert.NoError(t, New(Infrastructure, "op", nil))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := New(InvalidInput, "decode", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "decode: invalid_input: boom", err.Error())
	assert.True(t, Is(err, InvalidInput))
	assert.False(t, Fatal(err))
	assert.True(t, Fatal(Newf(Invariant, "merge", "no sources for %s", "x")))
}

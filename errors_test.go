package reverb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(status.Error(codes.Unavailable, "down")))
	assert.False(t, isTransient(status.Error(codes.Internal, "oops")))
	assert.False(t, isTransient(errors.New("not a status")))
	assert.False(t, isTransient(nil))
}

func TestDeadlineExceededMessage(t *testing.T) {
	err := deadlineExceeded(3, 2)
	st, ok := status.FromError(err)
	require := assert.New(t)
	require.True(ok)
	require.Equal(codes.DeadlineExceeded, st.Code())
	require.Equal(
		"Timeout exceeded with 3 items waiting to be written and 2 items awaiting confirmation.",
		st.Message())
}

func TestTerminalWrapsPlainError(t *testing.T) {
	err := terminal(errors.New("boom"))
	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.Unknown, st.Code())
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(cancelled()))
	assert.False(t, IsCancelled(status.Error(codes.Internal, "oops")))
}

func TestColumnErrorf(t *testing.T) {
	err := columnErrorf(4, "bad value %d", 7)
	assert.Contains(t, err.Error(), "Error in column 4")
	assert.Contains(t, err.Error(), "bad value 7")
}

package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/imagvfx/coflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{err: coflow.ErrUnknownJob, code: codes.NotFound},
		{err: coflow.ErrMaxCapacityReached, code: codes.ResourceExhausted},
		{err: coflow.ErrResourceNotReady, code: codes.Unavailable},
		{err: coflow.ErrInvalidArgument, code: codes.InvalidArgument},
		{err: coflow.ErrInvalidState, code: codes.FailedPrecondition},
	}
	for _, c := range cases {
		err := ToStatus(fmt.Errorf("job x: %w", c.err))
		assert.Equal(t, c.code, status.Code(err), c.err)
		require.ErrorIs(t, FromStatus(err), c.err)
	}
	assert.NoError(t, ToStatus(nil))
	assert.NoError(t, FromStatus(nil))
	assert.Equal(t, codes.Unknown, status.Code(ToStatus(errors.New("disk full"))))
	require.ErrorIs(t, FromStatus(status.Error(codes.DeadlineExceeded, "slow")), coflow.ErrResourceNotReady)
	plain := errors.New("plain")
	assert.Equal(t, plain, FromStatus(plain))
}

func TestJobStruct(t *testing.T) {
	app := coflow.NewApplication("comp", "nuke", "-x", "comp.nk")
	app.JobID = "w-1"
	app.Env = map[string]string{"SHOT": "010"}
	app.Outputs = []string{"out/*.exr"}
	app.Stdout = "comp.log"
	j := JobOf(app)
	j.Inputs = map[string][]byte{"comp.nk": []byte("Root {}")}
	s, err := j.Struct()
	require.NoError(t, err)
	got, err := JobFrom(s)
	require.NoError(t, err)
	assert.Equal(t, j, got)

	back := got.Application()
	assert.Equal(t, app.Command, back.Command)
	assert.Equal(t, "comp.log", back.StdoutName())
	assert.Equal(t, "stderr", back.StderrName())

	_, err = JobFrom(&structpb.Struct{})
	require.Error(t, err)
}

func TestStatusStruct(t *testing.T) {
	st := coflow.JobStatus{State: coflow.StateTerminating, ExitCode: 3, HasExitCode: true}
	got, err := StatusFrom(StatusStruct(st))
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = StatusFrom(&structpb.Struct{})
	require.Error(t, err)
}

package pool

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phietala/belt/pkg/api"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sent := childTask{
		ID:         "req-1",
		Name:       "demo.add",
		Payload:    []byte(`{"X":1,"Y":2}`),
		Serializer: "json",
		Queue:      "jobs",
		Retries:    2,
		Origin:     "host-a",
		Enqueued:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SoftMillis: 1500,
	}
	require.NoError(t, writeFrame(&buf, sent))

	var got childTask
	require.NoError(t, readFrame(&buf, &got))
	require.Equal(t, sent, got)
}

func TestFrameResultRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, childResult{
		ID:      "req-1",
		Outcome: api.TimeoutOutcome(time.Second),
	}))

	var got childResult
	require.NoError(t, readFrame(&buf, &got))
	require.Equal(t, "req-1", got.ID)
	require.Equal(t, api.OutcomeTimeout, got.Outcome.Kind)
	require.Equal(t, "TimeLimitExceeded", got.Outcome.Err.Type)
}

func TestFrameSequence(t *testing.T) {
	t.Parallel()

	// Several frames back to back on one stream.
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		require.NoError(t, writeFrame(&buf, childHello{PID: 100 + i}))
	}
	for i := 0; i < 3; i++ {
		var h childHello
		require.NoError(t, readFrame(&buf, &h))
		require.Equal(t, 100+i, h.PID)
	}
	var h childHello
	require.ErrorIs(t, readFrame(&buf, &h), io.EOF)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	t.Parallel()

	var head [4]byte
	binary.BigEndian.PutUint32(head[:], maxFrameSize+1)
	r := bytes.NewReader(head[:])

	var h childHello
	err := readFrame(r, &h)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds limit")
}

func TestFrameTruncatedBody(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, childHello{PID: 42}))
	truncated := buf.Bytes()[:buf.Len()-2]

	var h childHello
	err := readFrame(bytes.NewReader(truncated), &h)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

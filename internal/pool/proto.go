package pool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/phietala/belt/pkg/api"
)

// Spawn children speak length-prefixed JSON frames over stdin/stdout:
// a 4-byte big-endian length followed by one JSON document. The parent
// sends childTask frames, the child answers childResult frames, one task
// in flight per child at a time.

// maxFrameSize rejects frames whose length prefix is corrupt or absurd.
const maxFrameSize = 64 << 20

// childHello is the first frame a child writes after starting.
type childHello struct {
	PID int `json:"pid"`
}

// childTask hands one request to a child. The child enforces the soft
// limit by cancelling the handler context; the hard limit stays with the
// parent, which kills the child outright.
type childTask struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Payload    []byte    `json:"payload,omitempty"`
	Serializer string    `json:"serializer,omitempty"`
	Queue      string    `json:"queue,omitempty"`
	Retries    int       `json:"retries"`
	Origin     string    `json:"origin,omitempty"`
	Enqueued   time.Time `json:"enqueued,omitzero"`
	SoftMillis int64     `json:"soft_ms,omitempty"`
}

// childResult reports the outcome of a childTask.
type childResult struct {
	ID      string       `json:"id"`
	Outcome *api.Outcome `json:"outcome"`
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader, v any) error {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

func taskFrame(j *job) childTask {
	return childTask{
		ID:         j.req.ID,
		Name:       j.req.Name,
		Payload:    j.req.Payload,
		Serializer: j.req.Serializer,
		Queue:      j.req.Queue,
		Retries:    j.req.Retries,
		Origin:     j.req.Origin,
		Enqueued:   j.req.Enqueued,
		SoftMillis: j.soft.Milliseconds(),
	}
}

package pool

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/phietala/belt/internal/registry"
	"github.com/phietala/belt/pkg/api"
	"github.com/phietala/belt/pkg/codec"
)

// ChildEnv marks a process as a spawn-pool child. Programs using the
// spawn strategy must call their child entry (belt.MaybeRunSpawnChild)
// before doing anything else in main, so the re-executed binary serves
// tasks instead of starting another worker.
const ChildEnv = "BELT_SPAWN_CHILD"

// childSlotEnv carries the parent's slot id, for log correlation only.
const childSlotEnv = "BELT_SPAWN_SLOT"

// IsChild reports whether this process was started as a spawn-pool
// child.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// RunChild serves the child side of the spawn protocol on r/w until the
// parent closes the task stream. Handlers come from reg, which must hold
// the same definitions as the parent (both sides are the same binary).
func RunChild(reg *registry.Registry, codecs *codec.Registry, r io.Reader, w io.Writer) error {
	if codecs == nil {
		codecs = codec.Default()
	}
	if err := writeFrame(w, childHello{PID: os.Getpid()}); err != nil {
		return err
	}

	for {
		var t childTask
		if err := readFrame(r, &t); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Parent closed the stream: clean recycle or shutdown.
				return nil
			}
			return err
		}
		out := executeChildTask(reg, codecs, &t)
		if err := writeFrame(w, childResult{ID: t.ID, Outcome: out}); err != nil {
			return err
		}
	}
}

func executeChildTask(reg *registry.Registry, codecs *codec.Registry, t *childTask) *api.Outcome {
	req := &api.Request{
		ID:         t.ID,
		Name:       t.Name,
		Payload:    t.Payload,
		Serializer: t.Serializer,
		Queue:      t.Queue,
		Retries:    t.Retries,
		Origin:     t.Origin,
		Enqueued:   t.Enqueued,
	}

	def, err := reg.Lookup(t.Name)
	if err != nil {
		// The parent resolves names before handing tasks over, so this
		// means the child registry diverged from the parent's.
		return api.FailureOutcome(api.NewErrorInfo(err))
	}
	name := t.Serializer
	if name == "" {
		name = def.Serializer
	}
	c, err := codecs.Resolve(name)
	if err != nil {
		return api.FailureOutcome(api.NewErrorInfo(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if t.SoftMillis > 0 {
		soft := time.AfterFunc(time.Duration(t.SoftMillis)*time.Millisecond, cancel)
		defer soft.Stop()
	}

	j := &job{req: req, def: def, dec: c.Unmarshal, enc: c.Marshal}
	return runHandler(ctx, j)
}

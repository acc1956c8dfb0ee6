package pool

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/phietala/belt/pkg/api"
)

// runHandler executes one handler attempt to its outcome. Panics become
// failure outcomes carrying the stack; they never escape. The same code
// runs in-process and inside spawn children.
func runHandler(ctx context.Context, j *job) (out *api.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = api.FailureOutcome(&api.ErrorInfo{
				Type:    "panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			})
		}
	}()

	inv := api.NewInvocation(j.req, j.dec)
	v, err := j.def.Handler(ctx, inv)
	if err != nil {
		return api.FailureOutcome(api.NewErrorInfo(err))
	}
	if v == nil || j.def.IgnoreResult {
		return api.SuccessOutcome(nil)
	}
	b, err := j.enc(v)
	if err != nil {
		return api.FailureOutcome(api.NewErrorInfo(fmt.Errorf("encode result: %w", err)))
	}
	return api.SuccessOutcome(b)
}

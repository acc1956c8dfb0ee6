package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/phietala/belt/internal/track"
	"github.com/phietala/belt/pkg/api"
)

// handleDelivery decodes one delivery and either refuses it or admits it
// into the request table.
func (d *Dispatcher) handleDelivery(del *api.Delivery) {
	now := d.now()

	msg, err := api.DecodeMessage(del.Body)
	if err != nil {
		d.log.Error("malformed delivery",
			slog.String("queue", d.cfg.Queue),
			slog.Any("error", err),
		)
		d.reject(del.Tag, false)
		d.obs.OnTaskRejected(d.obsCtx, "", "malformed message: "+err.Error())
		d.releasePermit()
		return
	}
	req := api.RequestFromMessage(msg, del.Tag)

	if d.table.Live(req.ID) {
		// Same id already in flight here; push the duplicate back for
		// later or for another consumer.
		d.log.Warn("duplicate delivery of a live request",
			slog.String("request_id", req.ID),
			slog.String("task", req.Name),
		)
		d.reject(del.Tag, true)
		d.obs.OnTaskRejected(d.obsCtx, req.ID, "duplicate of a live request")
		d.releasePermit()
		return
	}

	def, err := d.reg.Lookup(req.Name)
	if err != nil {
		d.log.Error("unknown task",
			slog.String("request_id", req.ID),
			slog.String("task", req.Name),
		)
		d.reject(del.Tag, false)
		d.obs.OnTaskRejected(d.obsCtx, req.ID, "unknown task "+req.Name)
		d.releasePermit()
		return
	}

	d.obs.OnTaskReceived(d.obsCtx, req)

	if d.revoked.Contains(req.ID) {
		d.ack(req.Tag)
		d.storeFor(req, def, &api.ResultMeta{
			State:   api.ResultRevoked,
			Error:   &api.ErrorInfo{Type: "TaskRevokedError", Message: "revoked"},
			Retries: req.Retries,
		})
		d.obs.OnTaskRevoked(d.obsCtx, req.ID)
		d.releasePermit()
		return
	}

	if req.Expired(now) {
		d.revoked.Add(req.ID)
		d.ack(req.Tag)
		d.storeFor(req, def, &api.ResultMeta{
			State:   api.ResultRevoked,
			Error:   &api.ErrorInfo{Type: "TaskRevokedError", Message: "expired"},
			Retries: req.Retries,
		})
		d.obs.OnTaskRejected(d.obsCtx, req.ID, "expired")
		d.releasePermit()
		return
	}

	e := &track.Entry{
		Req:        req,
		Def:        def,
		State:      track.StateReceived,
		ReceivedAt: now,
	}
	d.table.Put(e)
	d.advance(e, now)
}

// advance moves a waiting entry as far toward dispatch as now allows.
func (d *Dispatcher) advance(e *track.Entry, now time.Time) {
	if e.State == track.StateReceived {
		if !e.Req.Due(now) {
			d.sched.add(e.Req.ETA, e.Req.ID)
			return
		}
		e.State = track.StateEligible
	}
	if e.State != track.StateEligible {
		return
	}
	d.dispatchNow(e, now)
}

// dispatchNow submits an eligible entry if a slot and a rate token are
// available, otherwise parks it. Capacity is checked before the rate
// gate so tokens are only consumed by requests that will actually start.
func (d *Dispatcher) dispatchNow(e *track.Entry, now time.Time) {
	if e.Req.Expired(now) {
		d.expire(e)
		return
	}
	if d.inFlight >= d.slots {
		d.ready = append(d.ready, e.Req.ID)
		return
	}
	if e.Def.RateLimit != nil && !d.gate.TryAcquire(e.Req.Name) {
		d.sched.add(now.Add(d.gate.NextFree(e.Req.Name)), e.Req.ID)
		return
	}
	d.submit(e, now)
}

// submit hands the entry to the pool and performs the early ack when the
// definition asks for one.
func (d *Dispatcher) submit(e *track.Entry, now time.Time) {
	e.State = track.StateDispatched
	e.DispatchedAt = now
	if e.Def.Limits.Hard > 0 {
		e.HardDeadline = now.Add(e.Def.Limits.Hard)
	}
	if e.Def.Ack == api.AckEarly && !e.Acked {
		d.ack(e.Req.Tag)
		e.Acked = true
	}

	if err := d.pool.Submit(e.Req, d.completed); err != nil {
		e.State = track.StateEligible
		e.DispatchedAt = time.Time{}
		e.HardDeadline = time.Time{}
		if errors.Is(err, api.ErrPoolSaturated) || errors.Is(err, api.ErrPoolClosed) {
			// A recycling slot can refuse briefly after its completion
			// was reported; retry shortly.
			d.sched.add(now.Add(resubmitDelay), e.Req.ID)
			return
		}
		d.log.Error("pool refused submit",
			slog.String("request_id", e.Req.ID),
			slog.String("task", e.Req.Name),
			slog.Any("error", err),
		)
		d.refuse(e, "submit refused: "+err.Error())
		return
	}

	d.inFlight++
	d.obs.OnTaskStarted(d.obsCtx, e.Req)
	if e.Def.TrackStarted {
		d.store(e, &api.ResultMeta{State: api.ResultStarted, Retries: e.Req.Retries})
	}
}

// pump dispatches ready entries while slots remain.
func (d *Dispatcher) pump() {
	for d.inFlight < d.slots && len(d.ready) > 0 {
		id := d.ready[0]
		d.ready = d.ready[1:]
		e, ok := d.table.Get(id)
		if !ok || e.State != track.StateEligible {
			continue
		}
		d.dispatchNow(e, d.now())
	}
}

// wake revisits every scheduled entry that is due.
func (d *Dispatcher) wake(now time.Time) {
	for {
		id, ok := d.sched.pop(now)
		if !ok {
			return
		}
		e, ok := d.table.Get(id)
		if !ok || e.State.Terminal() {
			continue
		}
		d.advance(e, now)
	}
}

// sweep force-terminates dispatched requests whose hard deadline passed
// without the pool reporting. The pool's own timer handles the normal
// case; this is the backstop for a wedged slot.
func (d *Dispatcher) sweep(now time.Time) {
	for _, e := range d.table.DueHardLimits(now.Add(-hardLimitGrace)) {
		d.log.Warn("hard limit overdue, terminating",
			slog.String("request_id", e.Req.ID),
			slog.String("task", e.Req.Name),
		)
		d.pool.Terminate(e.Req.ID)
		e.HardDeadline = time.Time{}
	}
}

// handleOutcome finishes one dispatched request.
func (d *Dispatcher) handleOutcome(ev outcomeEvent) {
	e, ok := d.table.Get(ev.id)
	if !ok {
		d.log.Debug("outcome for an unknown request", slog.String("request_id", ev.id))
		return
	}
	d.inFlight--

	now := d.now()
	out := ev.out

	if d.revoked.Contains(ev.id) {
		// Terminated by revocation; whatever the pool reported, the
		// request ends revoked.
		if !e.Acked {
			d.ack(e.Req.Tag)
			e.Acked = true
		}
		d.store(e, &api.ResultMeta{
			State:   api.ResultRevoked,
			Error:   &api.ErrorInfo{Type: "TaskRevokedError", Message: "revoked"},
			Retries: e.Req.Retries,
		})
		d.obs.OnTaskRevoked(d.obsCtx, ev.id)
		e.State = track.StateRejected
		d.remove(e)
		return
	}

	switch {
	case out.Kind == api.OutcomeSuccess:
		if !e.Acked {
			d.ack(e.Req.Tag)
			e.Acked = true
		}
		d.store(e, &api.ResultMeta{
			State:   api.ResultSuccess,
			Value:   out.Value,
			Retries: e.Req.Retries,
		})
		d.obs.OnTaskSucceeded(d.obsCtx, e.Req, now.Sub(e.DispatchedAt))
		e.State = track.StateAcked
		d.remove(e)

	case out.Kind == api.OutcomeWorkerLost && e.Def.RequeueOnWorkerLost && !e.Acked:
		// Redeliver the original message untouched; the retry count does
		// not advance for a lost worker.
		d.log.Warn("worker lost, requeueing",
			slog.String("request_id", e.Req.ID),
			slog.String("task", e.Req.Name),
		)
		d.reject(e.Req.Tag, true)
		d.obs.OnTaskRejected(d.obsCtx, e.Req.ID, "worker lost, requeued")
		e.State = track.StateRejected
		d.remove(e)

	case e.Def.Retry != nil && e.Def.Retry.Allowed(e.Req.Retries):
		d.scheduleRetry(e, out, now)

	default:
		d.fail(e, out)
	}
}

// scheduleRetry publishes a successor message with an increased retry
// count and a backoff ETA, then resolves the current delivery.
func (d *Dispatcher) scheduleRetry(e *track.Entry, out *api.Outcome, now time.Time) {
	delay := e.Def.Retry.NextDelay(e.Req.Retries)
	msg := e.Req.ToMessage()
	msg.Retries = e.Req.Retries + 1
	msg.ETA = now.Add(delay)
	msg.Enqueued = now

	if err := d.publish(msg); err != nil {
		d.log.Error("retry publish failed",
			slog.String("request_id", e.Req.ID),
			slog.String("task", e.Req.Name),
			slog.Any("error", err),
		)
		if !e.Acked {
			// Fall back to redelivery of the original attempt; the retry
			// count stays where it was.
			d.reject(e.Req.Tag, true)
		}
		e.State = track.StateRejected
		d.remove(e)
		return
	}

	d.store(e, &api.ResultMeta{
		State:   api.ResultRetry,
		Error:   out.Err,
		Retries: e.Req.Retries,
	})
	if !e.Acked {
		d.ack(e.Req.Tag)
		e.Acked = true
	}
	d.obs.OnTaskRetried(d.obsCtx, e.Req, out.Kind, delay)
	e.State = track.StateRetryScheduled
	d.remove(e)
}

// fail resolves a request whose retry budget is spent.
func (d *Dispatcher) fail(e *track.Entry, out *api.Outcome) {
	if !e.Acked {
		d.ack(e.Req.Tag)
		e.Acked = true
	}
	d.store(e, &api.ResultMeta{
		State:   api.ResultFailure,
		Error:   out.Err,
		Retries: e.Req.Retries,
	})
	d.obs.OnTaskFailed(d.obsCtx, e.Req, out.Kind, out.Err)
	e.State = track.StateAcked
	d.remove(e)
}

// expire resolves a tracked entry whose expiry passed before it ran.
func (d *Dispatcher) expire(e *track.Entry) {
	d.revoked.Add(e.Req.ID)
	if !e.Acked {
		d.ack(e.Req.Tag)
		e.Acked = true
	}
	d.store(e, &api.ResultMeta{
		State:   api.ResultRevoked,
		Error:   &api.ErrorInfo{Type: "TaskRevokedError", Message: "expired"},
		Retries: e.Req.Retries,
	})
	d.obs.OnTaskRejected(d.obsCtx, e.Req.ID, "expired")
	e.State = track.StateRejected
	d.remove(e)
}

// refuse rejects a tracked entry without requeue.
func (d *Dispatcher) refuse(e *track.Entry, reason string) {
	if !e.Acked {
		d.reject(e.Req.Tag, false)
	}
	d.store(e, &api.ResultMeta{
		State:   api.ResultFailure,
		Error:   &api.ErrorInfo{Type: "DispatchError", Message: reason},
		Retries: e.Req.Retries,
	})
	d.obs.OnTaskRejected(d.obsCtx, e.Req.ID, reason)
	e.State = track.StateRejected
	d.remove(e)
}

// applyRevoke runs on the loop goroutine.
func (d *Dispatcher) applyRevoke(id string) {
	d.revoked.Add(id)
	e, ok := d.table.Get(id)
	if !ok {
		return
	}
	switch e.State {
	case track.StateReceived, track.StateEligible:
		if !e.Acked {
			d.ack(e.Req.Tag)
			e.Acked = true
		}
		d.store(e, &api.ResultMeta{
			State:   api.ResultRevoked,
			Error:   &api.ErrorInfo{Type: "TaskRevokedError", Message: "revoked"},
			Retries: e.Req.Retries,
		})
		d.obs.OnTaskRevoked(d.obsCtx, id)
		e.State = track.StateRejected
		d.remove(e)
	case track.StateDispatched:
		// The outcome handler finishes the bookkeeping once the pool
		// reports the termination.
		d.pool.Terminate(id)
	}
}

// remove drops a resolved entry and frees its admission permit.
func (d *Dispatcher) remove(e *track.Entry) {
	d.table.Delete(e.Req.ID)
	d.releasePermit()
}

// drain requeues everything undispatched, then shuts the pool down and
// absorbs the remaining outcomes so every delivery is resolved.
func (d *Dispatcher) drain() {
	var waiting []*track.Entry
	d.table.Each(func(e *track.Entry) bool {
		if e.State == track.StateReceived || e.State == track.StateEligible {
			waiting = append(waiting, e)
		}
		return true
	})
	for _, e := range waiting {
		if !e.Acked {
			d.reject(e.Req.Tag, true)
		}
		e.State = track.StateRejected
		d.remove(e)
	}
	d.ready = nil
	if len(waiting) > 0 {
		d.log.Info("requeued undispatched requests", slog.Int("count", len(waiting)))
	}

	poolDone := make(chan error, 1)
	go func() { poolDone <- d.pool.Shutdown(d.cfg.ShutdownGrace) }()

	deadline := time.NewTimer(d.cfg.ShutdownGrace + drainSlack)
	defer deadline.Stop()
	for d.inFlight > 0 {
		select {
		case ev := <-d.outcomes:
			d.handleOutcome(ev)
		case fn := <-d.control:
			fn()
		case <-deadline.C:
			d.log.Error("drain timed out", slog.Int("in_flight", d.inFlight))
			return
		}
	}
	select {
	case <-poolDone:
	case <-deadline.C:
	}
}

// ack resolves a delivery. A failed transport call is retried once
// before logging; the broker redelivers unacked messages if the ack
// ultimately never lands.
func (d *Dispatcher) ack(tag string) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.OpTimeout)
		err = d.broker.Ack(ctx, tag)
		cancel()
		if err == nil {
			return
		}
	}
	d.log.Error("ack failed", slog.String("tag", tag), slog.Any("error", err))
}

func (d *Dispatcher) reject(tag string, requeue bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.OpTimeout)
	defer cancel()
	if err := d.broker.Reject(ctx, tag, requeue); err != nil {
		d.log.Error("reject failed", slog.String("tag", tag), slog.Any("error", err))
	}
}

func (d *Dispatcher) publish(msg *api.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.OpTimeout)
	defer cancel()
	return d.broker.Publish(ctx, msg)
}

// store writes result metadata for a tracked entry; failures are logged
// and swallowed so a flaky backend never stalls dispatch.
func (d *Dispatcher) store(e *track.Entry, meta *api.ResultMeta) {
	d.storeFor(e.Req, e.Def, meta)
}

func (d *Dispatcher) storeFor(req *api.Request, def *api.TaskDefinition, meta *api.ResultMeta) {
	if d.backend == nil || def.IgnoreResult {
		return
	}
	meta.RequestID = req.ID
	meta.Name = req.Name
	meta.At = d.now()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.OpTimeout)
	defer cancel()
	if err := d.backend.StoreResult(ctx, req.ID, meta); err != nil {
		d.log.Error("result store failed",
			slog.String("request_id", req.ID),
			slog.String("state", string(meta.State)),
			slog.Any("error", err),
		)
	}
}

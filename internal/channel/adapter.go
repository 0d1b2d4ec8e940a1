package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"certgate/internal/dispatch"
	applog "certgate/internal/log"
	"certgate/internal/metrics"
)

// AckMode selects when a consumed message is acknowledged.
type AckMode string

const (
	// AckOnReceipt acks before dispatch: a crash mid-processing loses the
	// message (at-most-once).
	AckOnReceipt AckMode = "on-receipt"
	// AckAfterResponse acks once the response is published: a crash causes
	// redelivery and duplicate processing (at-least-once).
	AckAfterResponse AckMode = "after-response"
)

// State is the lifecycle position of one consumed message.
type State string

const (
	StateReceived   State = "received"
	StateParsed     State = "parsed"
	StateDispatched State = "dispatched"
	StateAcked      State = "acked"
	StateResponded  State = "responded"
	StateDropped    State = "dropped"
	StateFailed     State = "failed"
)

type Options struct {
	ResponseTopic    string
	AckMode          AckMode
	MaxInFlight      int
	ReplyParseErrors bool
	ReplyUnknown     bool
	// RetryDelay is the pause after a failed Receive.
	RetryDelay time.Duration
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Response, bool)
}

type Adapter struct {
	transport  Transport
	dispatcher Dispatcher
	opts       Options
	newID      func() string
}

func NewAdapter(t Transport, d Dispatcher, opts Options) *Adapter {
	if opts.AckMode == "" {
		opts.AckMode = AckOnReceipt
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Adapter{transport: t, dispatcher: d, opts: opts, newID: uuid.NewString}
}

// Run ensures the topology and consumes until ctx ends. Setup failure is
// logged and Run returns nil so the rest of the process keeps serving.
// Handlers in flight when ctx ends run to completion.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.transport.Ensure(ctx); err != nil {
		applog.Error(nil, "channel.setup.fail", err, nil)
		return nil
	}
	applog.Info(nil, "channel.start", map[string]any{
		"ack_mode": string(a.opts.AckMode), "max_in_flight": a.opts.MaxInFlight,
	})

	g := new(errgroup.Group)
	g.SetLimit(a.opts.MaxInFlight)
	work := context.WithoutCancel(ctx)
	defer func() {
		_ = g.Wait()
		applog.Info(nil, "channel.stop", nil)
	}()

	for {
		batch, err := a.transport.Receive(ctx)
		for _, d := range batch {
			g.Go(func() error {
				a.Handle(work, d)
				return nil
			})
		}
		switch {
		case ctx.Err() != nil, errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			applog.Error(nil, "channel.receive.fail", err, nil)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.opts.RetryDelay):
			}
		}
	}
}

// Handle drives one delivery to a terminal state and returns it.
func (a *Adapter) Handle(ctx context.Context, d Delivery) State {
	state := a.handle(ctx, d)
	metrics.ChannelMessages.WithLabelValues(string(state)).Inc()
	return state
}

func (a *Adapter) handle(ctx context.Context, d Delivery) State {
	fields := map[string]any{"message_id": d.ID}
	step(fields, StateReceived)

	var req dispatch.Request
	if err := json.Unmarshal(d.Data, &req); err != nil || req.OperationType == "" {
		if err == nil {
			err = errors.New("missing operationType")
		}
		corr := a.correlation(d, "")
		fields["correlation_id"] = corr
		applog.Info(nil, "channel.parse.fail", merge(fields, "reason", err.Error()))
		a.ack(ctx, d, fields)
		if !a.opts.ReplyParseErrors {
			return StateDropped
		}
		if !a.publish(ctx, dispatch.Failure(dispatch.OpError, "invalid request envelope"), corr, fields) {
			return StateFailed
		}
		return StateResponded
	}

	corr := a.correlation(d, req.CorrelationID)
	fields["correlation_id"] = corr
	fields["operation"] = req.OperationType
	step(fields, StateParsed)

	if a.opts.AckMode == AckOnReceipt {
		a.ack(ctx, d, fields)
	}

	resp, ok := a.dispatcher.Dispatch(ctx, req)
	step(fields, StateDispatched)
	if !ok {
		if a.opts.AckMode == AckAfterResponse {
			a.ack(ctx, d, fields)
		}
		if a.opts.ReplyUnknown {
			reply := dispatch.Failure(req.OperationType, "unknown operationType")
			if !a.publish(ctx, reply, corr, fields) {
				return StateFailed
			}
			return StateResponded
		}
		return StateDropped
	}

	if !a.publish(ctx, resp, corr, fields) {
		// Without an ack the transport redelivers in after-response mode.
		return StateFailed
	}
	if a.opts.AckMode == AckAfterResponse && !a.ack(ctx, d, fields) {
		return StateFailed
	}
	return StateResponded
}

// correlation prefers the message attribute, then the envelope body, then a
// fresh id.
func (a *Adapter) correlation(d Delivery, fromBody string) string {
	if id := d.Attributes[AttrCorrelationID]; id != "" {
		return id
	}
	if fromBody != "" {
		return fromBody
	}
	return a.newID()
}

func (a *Adapter) ack(ctx context.Context, d Delivery, fields map[string]any) bool {
	if err := d.Ack(ctx); err != nil {
		applog.Error(nil, "channel.ack.fail", err, fields)
		return false
	}
	step(fields, StateAcked)
	return true
}

func step(fields map[string]any, s State) {
	applog.Debug(nil, "channel.state", merge(fields, "state", string(s)))
}

func (a *Adapter) publish(ctx context.Context, resp dispatch.Response, corr string, fields map[string]any) bool {
	resp.Correlate(corr)
	body, err := json.Marshal(resp)
	if err != nil {
		applog.Error(nil, "channel.encode.fail", err, fields)
		return false
	}
	msg := Message{Data: body, Attributes: map[string]string{AttrCorrelationID: corr}}
	if err := a.transport.Publish(ctx, a.opts.ResponseTopic, msg); err != nil {
		applog.Error(nil, "channel.publish.fail", fmt.Errorf("publish to %s: %w", a.opts.ResponseTopic, err), fields)
		return false
	}
	return true
}

func merge(fields map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for fk, fv := range fields {
		out[fk] = fv
	}
	out[k] = v
	return out
}

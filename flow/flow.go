// Package flow runs a sender and a receiver as one transfer and schedules
// flow runs on bounded worker pools.
package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/franksops/filehub/adapter"
	"github.com/franksops/filehub/postprocess"
)

const (
	traceScope = "filehub.flow"

	spanRun      = "filehub.flow.run"
	spanSend     = "filehub.flow.send"
	spanReceive  = "filehub.flow.receive"
	spanFinalize = "filehub.flow.finalize"

	attrFlow   = "filehub.flow"
	attrRunID  = "filehub.run_id"
	attrStatus = "filehub.status"
	attrFiles  = "filehub.files"
	attrBytes  = "filehub.bytes"
)

// Flow moves files from a sender to an optional receiver.
type Flow struct {
	Name     string
	Sender   *adapter.Sender
	Receiver *adapter.Receiver
}

// Report is the outcome of one flow run.
type Report struct {
	RunID        uuid.UUID
	Flow         string
	Started      time.Time
	Duration     time.Duration
	Sender       *adapter.Result
	Receiver     *adapter.Result
	Dispositions []postprocess.Outcome
	// Err is the fatal error that ended the run, if any.
	Err error
}

// OK reports whether the run ended without a fatal error and no file failed.
func (r *Report) OK() bool {
	if r.Err != nil || r.Sender == nil || !r.Sender.OK() {
		return false
	}
	return r.Receiver == nil || r.Receiver.OK()
}

// Run executes the sender, hands its batch to the receiver and finally lets
// the sender post-process its sources. A receiver failure still finalizes
// the batch, which keeps the sources in place. The report is never nil.
func (f *Flow) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.New(), Flow: f.Name, Started: time.Now()}
	logger := zerolog.Ctx(ctx).With().Str("flow", f.Name).Str("run", report.RunID.String()).Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := otel.Tracer(traceScope).Start(ctx, spanRun, trace.WithAttributes(
		attribute.String(attrFlow, f.Name),
		attribute.String(attrRunID, report.RunID.String()),
	))
	defer span.End()

	err := f.run(ctx, report)
	report.Err = err
	report.Duration = time.Since(report.Started)
	markSpan(span, err)

	event := logger.Info()
	if !report.OK() {
		event = logger.Warn().Err(err)
	}
	event.Dur("duration", report.Duration).Bool("ok", report.OK()).Msg("flow run finished")
	return report, err
}

func (f *Flow) run(ctx context.Context, report *Report) error {
	batch := adapter.NewStandaloneBatch()
	if f.Receiver != nil {
		batch = adapter.NewBatch()
	}

	sent, err := stage(ctx, spanSend, func(ctx context.Context) (*adapter.Result, error) {
		return f.Sender.Execute(ctx, batch)
	})
	report.Sender = sent
	if err != nil {
		return errors.Errorf("sender: %w", err)
	}
	if f.Receiver == nil {
		report.Dispositions = sent.Dispositions
		return nil
	}

	received, errR := stage(ctx, spanReceive, func(ctx context.Context) (*adapter.Result, error) {
		if len(batch.Records()) == 0 {
			// nothing to deliver; acknowledge so that Finalize does not wait
			batch.Acknowledge(adapter.Ack{Success: true})
			return adapter.NewAggregator(adapter.StageReceive, time.Now()).Finish(time.Now()), nil
		}
		return f.Receiver.Execute(ctx, batch)
	})
	report.Receiver = received

	fctx, span := otel.Tracer(traceScope).Start(ctx, spanFinalize)
	report.Dispositions = f.Sender.Finalize(fctx, batch)
	span.SetAttributes(attribute.Int(attrFiles, len(report.Dispositions)))
	span.End()

	if errR != nil {
		return errors.Errorf("receiver: %w", errR)
	}
	return nil
}

func stage(ctx context.Context, name string, fn func(context.Context) (*adapter.Result, error)) (*adapter.Result, error) {
	ctx, span := otel.Tracer(traceScope).Start(ctx, name)
	defer span.End()

	res, err := fn(ctx)
	if res != nil {
		span.SetAttributes(
			attribute.Int(attrFiles, len(res.Files)),
			attribute.Int64(attrBytes, res.Bytes),
		)
	}
	if err == nil && res != nil && !res.OK() {
		// per-file failures are not errors
		span.SetStatus(codes.Error, res.Message)
		span.SetAttributes(attribute.String(attrStatus, "partial"))
		return res, nil
	}
	markSpan(span, err)
	return res, err
}

func markSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(attrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(attrStatus, "success"))
}

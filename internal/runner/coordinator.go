package runner

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/mikaelstaldal/contained/internal/engine"
	"github.com/mikaelstaldal/contained/internal/sandbox"
	"github.com/mikaelstaldal/contained/internal/stdio"
)

// coordinator drives a single sandbox run through its lifecycle: create,
// attach, start, wait, then remove. Removal happens exactly once no matter
// where the run fails.
type coordinator struct {
	client  engine.Client
	logger  *log.Logger
	verbose bool
	tracer  trace.Tracer

	// signals, when set, replaces the process signal subscription. Tests
	// inject a channel here.
	signals chan os.Signal
}

func newCoordinator(client engine.Client, logger *log.Logger, verbose bool, tracer trace.Tracer) *coordinator {
	return &coordinator{
		client:  client,
		logger:  logger,
		verbose: verbose,
		tracer:  tracer,
	}
}

func (c *coordinator) run(ctx context.Context, req sandbox.Request, stdin io.Reader, stdout, stderr io.Writer) (engine.ExitOutcome, error) {
	ctx, runSpan := c.tracer.Start(ctx, "sandbox.run", trace.WithAttributes(
		attribute.String("sandbox.image", req.Image),
		attribute.String("sandbox.network", req.Network),
		attribute.String("sandbox.name", req.Name),
	))
	defer runSpan.End()

	handle, err := step(ctx, c.tracer, "sandbox.create", func(ctx context.Context) (engine.Handle, error) {
		return c.client.Create(ctx, req)
	})
	if err != nil {
		return engine.ExitOutcome{}, err
	}
	c.debugf("created container %s", handle)

	var removeOnce sync.Once
	remove := func() {
		removeOnce.Do(func() {
			rctx, span := c.tracer.Start(cleanupContext(ctx), "sandbox.remove")
			defer span.End()
			if err := c.client.Remove(rctx, handle); err != nil {
				c.debugf("failed to remove container %s: %v", handle, err)
			}
		})
	}
	defer remove()

	streams, err := step(ctx, c.tracer, "sandbox.attach", func(ctx context.Context) (*engine.Streams, error) {
		return c.client.Attach(ctx, handle)
	})
	if err != nil {
		return engine.ExitOutcome{}, err
	}

	bridge := stdio.New(stdin, stdout, stderr)
	bridge.Run(streams)

	sigCh := c.signals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
	}
	signal.Notify(sigCh, os.Interrupt, unix.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()

	var forwarded atomic.Int64
	go func() {
		for raw := range sigCh {
			sig, ok := raw.(unix.Signal)
			if !ok {
				continue
			}
			forwarded.Store(int64(sig))
			c.debugf("forwarding %s to container %s", unix.SignalName(sig), handle)
			if err := c.client.Kill(context.Background(), handle, sig); err != nil {
				c.debugf("failed to forward %s: %v", unix.SignalName(sig), err)
			}
		}
	}()

	if _, err := step(ctx, c.tracer, "sandbox.start", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.client.Start(ctx, handle)
	}); err != nil {
		streams.Close()
		return engine.ExitOutcome{}, err
	}
	c.debugf("started container %s", handle)

	outcome, err := step(ctx, c.tracer, "sandbox.wait", func(ctx context.Context) (engine.ExitOutcome, error) {
		return c.client.Wait(ctx, handle)
	})
	if err != nil {
		streams.Close()
		return engine.ExitOutcome{}, err
	}

	// The attach streams end when the container exits; only after the
	// relays drain is the mirrored output complete.
	if err := bridge.Wait(); err != nil {
		c.debugf("stdio relay: %v", err)
	}
	if err := streams.Close(); err != nil {
		c.debugf("close attach streams: %v", err)
	}

	// Attribute the exit to a signal only when we forwarded that exact
	// signal and the exit code matches its disposition. A program that
	// catches SIGINT and exits 130 on its own keeps its plain exit code.
	if sig := unix.Signal(forwarded.Load()); sig != 0 && outcome.Signal == 0 && outcome.Code == 128+int(sig) {
		outcome.Signal = sig
	}
	c.debugf("container %s exited with code %d", handle, outcome.Code)

	remove()
	return outcome, nil
}

// step runs one lifecycle operation under its own trace span.
func step[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	result, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// cleanupContext returns a context suitable for cleanup operations. If the
// original context was canceled, cleanup still has to run, so fall back to
// a fresh background context.
func cleanupContext(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

func (c *coordinator) debugf(format string, args ...any) {
	if c.verbose {
		c.logger.Printf(format, args...)
	}
}

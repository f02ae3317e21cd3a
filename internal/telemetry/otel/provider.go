// Package otel wires optional OpenTelemetry tracing for the launcher's
// lifecycle operations. Tracing is off unless explicitly enabled; spans are
// exported to stderr so they never interleave with the sandboxed command's
// stdout.
package otel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls exporter behaviour.
type Config struct {
	ServiceName  string
	EnableTraces bool
}

// Provider owns the tracer provider for one launcher run.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	shutdownOnce   sync.Once
}

// Setup initialises the stdout trace exporter when tracing is enabled;
// otherwise it returns a provider whose tracer is a no-op.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "contained"
	}
	p := &Provider{cfg: cfg}
	if !cfg.EnableTraces {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("init stdout trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(64)),
		sdktrace.WithResource(res),
	)
	p.tracerProvider = tp
	otel.SetTracerProvider(tp)
	p.tracer = tp.Tracer("github.com/mikaelstaldal/contained")
	return p, nil
}

// Tracer returns the configured tracer, or a no-op tracer when tracing is
// disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("github.com/mikaelstaldal/contained")
	}
	return p.tracer
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if p.tracerProvider != nil {
			err = p.tracerProvider.Shutdown(ctx)
		}
	})
	return err
}

// EnvBool interprets CONTAINED_* env toggles.
func EnvBool(value string, defaultOn bool) bool {
	value = strings.TrimSpace(strings.ToLower(value))
	switch value {
	case "":
		return defaultOn
	case "1", "true", "on", "enable", "enabled", "yes":
		return true
	case "0", "false", "off", "disable", "disabled", "no":
		return false
	default:
		return defaultOn
	}
}

// LoadConfigFromEnv reads the tracing toggle from the environment.
func LoadConfigFromEnv() Config {
	return Config{
		ServiceName:  "contained",
		EnableTraces: EnvBool(os.Getenv("CONTAINED_TRACE"), false),
	}
}

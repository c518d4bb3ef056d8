// Package observability provides OpenTelemetry integration for distributed
// tracing.
//
// Traces are exported over OTLP HTTP to a local collector agent (default
// localhost:4318). The agent handles authentication and forwarding, buffers
// locally, and retries, so the application never needs backend credentials.
//
// Environment variables (optional):
//   - OTEL_AGENT_HOST: override agent host (default: localhost:4318)
//
// Config file (~/.episcope/config.yaml):
//
//	otlp:
//	  agent_host: "localhost:4318"
//	  environment: "dev"
//	  service_name: "episcope"
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for OTLP trace export.
type Config struct {
	// AgentHost is the collector OTLP endpoint (default: localhost:4318)
	AgentHost string
	// Environment is the deployment environment (dev, staging, prod)
	Environment string
	// ServiceName is the service name shown in APM
	ServiceName string
}

// DefaultAgentHost is the default collector OTLP HTTP endpoint.
const DefaultAgentHost = "localhost:4318"

// Setup registers an OTLP exporter with Genkit's TracerProvider so embedding
// and generation spans reach the local collector agent.
//
// Returns a shutdown function that flushes pending spans. Exporter creation
// failure disables tracing instead of failing startup.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	agentHost := cfg.AgentHost
	if agentHost == "" {
		agentHost = DefaultAgentHost
	}

	// Genkit's TracerProvider picks the service name up from the standard
	// OTEL environment variables.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(agentHost),
		otlptracehttp.WithInsecure(), // localhost doesn't need TLS
	)
	if err != nil {
		slog.Warn("failed to create OTLP exporter, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	slog.Debug("OTLP tracing enabled",
		"agent", agentHost,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}

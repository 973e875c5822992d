package flowgate

import (
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
	"github.com/flowgate/flowgate/service/directory"
	"github.com/flowgate/flowgate/service/notification"
	"github.com/flowgate/flowgate/tracing"
	"go.uber.org/zap"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option customises the flowgate service.
type Option func(s *Service)

// WithConfig replaces the default configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) {
		if config != nil {
			s.config = config
		}
	}
}

// WithLogger sets the structured logger shared by all sub-services.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDefinitionService sets the definition registry.
func WithDefinitionService(svc definition.Service) Option {
	return func(s *Service) { s.runtime.definitionDAO = svc }
}

// WithDefinitionsBaseURL stores definitions on the filesystem (or any afs
// supported scheme) under the supplied base URL instead of in memory.
func WithDefinitionsBaseURL(baseURL string) Option {
	return func(s *Service) { s.definitionsBaseURL = baseURL }
}

// WithDirectory sets the identity directory.
func WithDirectory(svc directory.Service) Option {
	return func(s *Service) { s.directoryService = svc }
}

// WithNotifier sets the outbound notifier.
func WithNotifier(notifier notification.Notifier) Option {
	return func(s *Service) { s.notifier = notifier }
}

// WithInstanceDAO sets the instance store.
func WithInstanceDAO(dao dao.VersionedService[string, process.Instance]) Option {
	return func(s *Service) { s.runtime.instanceDAO = dao }
}

// WithStepDAO sets the step store.
func WithStepDAO(dao dao.VersionedService[string, process.Step]) Option {
	return func(s *Service) { s.runtime.stepDAO = dao }
}

// WithRequestDAO sets the approval request store.
func WithRequestDAO(dao dao.VersionedService[string, process.Request]) Option {
	return func(s *Service) { s.runtime.requestDAO = dao }
}

// WithTracing configures OpenTelemetry tracing for the service.  If
// outputFile is empty the stdout exporter is used; otherwise traces are
// written to the supplied file path.  Safe to call multiple times, the first
// successful initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom
// SpanExporter, for example OTLP, Jaeger or Zipkin.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}

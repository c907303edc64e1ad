package telemetry

// Config controls tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Enabled turns on the SDK tracer. When false a noop tracer is used.
	Enabled bool

	// Endpoint is the OTLP/HTTP collector (host:port). Empty keeps spans
	// in-process, which is only useful with an extra span processor.
	Endpoint string
	// Insecure sends to the collector over plain HTTP.
	Insecure bool

	// SampleRate is the fraction of traces kept, 0.0 to 1.0.
	SampleRate float64
}

// DefaultConfig has tracing disabled; conduit is a CLI first.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "conduit",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

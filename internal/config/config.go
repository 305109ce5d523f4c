// Package config defines the bridge's runtime configuration surface
// as one flat flag set, validated once at startup via Bind/Preflight,
// with wrapped errors on anything invalid.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/streamwell/pg-kafka-bridge/internal/ring"
	"github.com/streamwell/pg-kafka-bridge/internal/types"
)

// Config is the complete runtime configuration surface of the bridge.
type Config struct {
	// UpstreamDSN is the PostgreSQL replication connection string.
	// Required.
	UpstreamDSN string
	// Publication is the logical-decoding publication to stream.
	Publication string
	// SlotName is the replication slot name.
	SlotName string
	// Brokers is the comma-separated Kafka bootstrap server list.
	Brokers string
	// RegistryURL is the schema registry base URL. Only meaningful
	// when Format is binary.
	RegistryURL string
	// Format selects the wire encoding (binary or text).
	Format string
	// AllowUnkeyed permits forwarding rows from tables with no primary
	// key, using a nil message key.
	AllowUnkeyed bool
	// TopicPrefix, if non-empty, is prepended to every computed topic
	// name.
	TopicPrefix string
	// ErrorPolicy selects the disposition on policy-controlled errors
	// (log or exit).
	ErrorPolicy string
	// SkipSnapshot skips the initial table copy when a replication
	// slot is newly created.
	SkipSnapshot bool
	// InFlight bounds the number of concurrently tracked transactions
	// (the ring's capacity, minus its sentinel slot).
	InFlight uint32
	// PIDFile is the path to the exclusive-locked PID file.
	PIDFile string
	// MetricsAddr is the bind address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string

	// ProducerConfig and TopicConfig are the pass-through
	// key=value librdkafka configuration properties,
	// collected as repeated flags.
	ProducerConfig []string
	TopicConfig    []string

	// LogLevel is one of trace/debug/info/warn/error.
	LogLevel string
	// LogFormat is "text" or "json".
	LogFormat string

	// parsed fields, populated by Preflight.
	ParsedFormat Format
	ParsedPolicy types.ErrorPolicy
	ParsedExtra  map[string]string
}

// Format mirrors types.Format but is kept here to avoid this package
// depending on the encoder's parsing; internal/config only needs to
// validate the flag value, not construct an Encoder.
type Format = types.Format

// Bind registers every flag in the configuration surface.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.UpstreamDSN, "upstreamDSN", "", "PostgreSQL replication connection string (required)")
	flags.StringVar(&c.Publication, "publication", "pgkafkabridge", "logical decoding publication to stream")
	flags.StringVar(&c.SlotName, "slotName", "bottledwater", "replication slot name")
	flags.StringVar(&c.Brokers, "brokers", "localhost:9092", "comma-separated Kafka bootstrap server list")
	flags.StringVar(&c.RegistryURL, "registryURL", "http://localhost:8081", "schema registry base URL (binary format only)")
	flags.StringVar(&c.Format, "format", "binary", "output wire format: binary or text")
	flags.BoolVar(&c.AllowUnkeyed, "allowUnkeyed", false, "forward rows from tables without a primary key, using a nil message key")
	flags.StringVar(&c.TopicPrefix, "topicPrefix", "", "prefix prepended to every computed topic name")
	flags.StringVar(&c.ErrorPolicy, "errorPolicy", "log", "disposition on policy-controlled errors: log or exit")
	flags.BoolVar(&c.SkipSnapshot, "skipSnapshot", false, "skip the initial table copy when a replication slot is newly created")
	flags.Uint32Var(&c.InFlight, "inFlight", ring.DefaultInFlight, "maximum number of concurrently tracked transactions")
	flags.StringVar(&c.PIDFile, "pidFile", "/var/run/pg-kafka-bridge.pid", "path to the exclusive-locked PID file")
	flags.StringVar(&c.MetricsAddr, "metricsAddr", ":9090", "bind address for the Prometheus /metrics endpoint; empty disables it")
	flags.StringArrayVar(&c.ProducerConfig, "producerConfig", nil, "pass-through producer configuration, key=value (repeatable)")
	flags.StringArrayVar(&c.TopicConfig, "topicConfig", nil, "pass-through topic configuration, key=value (repeatable)")
	flags.StringVar(&c.LogLevel, "logLevel", "info", "log level: trace, debug, info, warn, or error")
	flags.StringVar(&c.LogFormat, "logFormat", "text", "log output format: text or json")
}

// Preflight validates the bound flags and parses the enum-valued ones,
// populating ParsedFormat, ParsedPolicy, and ParsedExtra. It must be
// called once, after flag parsing and before any component is
// constructed.
func (c *Config) Preflight() error {
	if c.UpstreamDSN == "" {
		return errors.New("upstreamDSN is required")
	}
	if c.Brokers == "" {
		return errors.New("brokers unset")
	}
	if c.SlotName == "" {
		return errors.New("slotName unset")
	}

	format, err := types.ParseFormat(c.Format)
	if err != nil {
		return errors.WithStack(err)
	}
	c.ParsedFormat = format

	if format == types.FormatBinary && c.RegistryURL == "" {
		return errors.New("registryURL is required when format is binary")
	}

	policy, err := types.ParsePolicy(c.ErrorPolicy)
	if err != nil {
		return errors.WithStack(err)
	}
	c.ParsedPolicy = policy

	if c.InFlight == 0 {
		return errors.New("inFlight must be greater than zero")
	}

	extra, err := parseKeyValues(c.ProducerConfig)
	if err != nil {
		return errors.Wrap(err, "producerConfig")
	}
	topicExtra, err := parseKeyValues(c.TopicConfig)
	if err != nil {
		return errors.Wrap(err, "topicConfig")
	}
	for k, v := range topicExtra {
		extra[k] = v
	}
	c.ParsedExtra = extra

	return nil
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.Errorf("malformed key=value pair %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

package bridge

import (
	"github.com/google/wire"

	"github.com/streamwell/pg-kafka-bridge/internal/checkpoint"
	"github.com/streamwell/pg-kafka-bridge/internal/config"
	"github.com/streamwell/pg-kafka-bridge/internal/encoder"
	"github.com/streamwell/pg-kafka-bridge/internal/mapper"
	"github.com/streamwell/pg-kafka-bridge/internal/producer"
	"github.com/streamwell/pg-kafka-bridge/internal/registry"
	"github.com/streamwell/pg-kafka-bridge/internal/replication"
	"github.com/streamwell/pg-kafka-bridge/internal/ring"
)

// Set is used by Wire. Each Provide* function takes exactly the
// collaborators it needs and returns the next layer up, so
// wire_gen.go is just these calls threaded together in dependency
// order.
var Set = wire.NewSet(
	ProvideRing,
	ProvideCheckpointer,
	ProvideEncoder,
	ProvideRegistryClient,
	ProvideProducer,
	ProvideMapper,
	ProvideDecoder,
	ProvideSupervisorConfig,
	ProvideSupervisor,
)

// ProvideRing constructs the transaction ring at the configured
// capacity.
func ProvideRing(cfg *config.Config) *ring.Ring {
	return ring.New(cfg.InFlight)
}

// ProvideCheckpointer binds a Checkpointer to the ring.
func ProvideCheckpointer(r *ring.Ring) *checkpoint.Checkpointer {
	return checkpoint.New(r)
}

// ProvideEncoder selects the wire encoding from the parsed format.
func ProvideEncoder(cfg *config.Config) encoder.Encoder {
	return encoder.New(cfg.ParsedFormat)
}

// ProvideRegistryClient constructs the schema registry HTTP client.
func ProvideRegistryClient(cfg *config.Config) registry.Client {
	return registry.NewHTTPClient(cfg.RegistryURL)
}

// ProvideProducer constructs the broker producer bridge. onAck and
// fatal are supplied by ProvideSupervisor's caller in wire_gen.go,
// since fatal closes over the Supervisor itself (and onAck over the
// checkpointer); Wire can't express that
// cycle automatically, so wire_gen.go wires it by hand.
func ProvideProducer(cfg *config.Config, onAck producer.AckFunc, fatal func(error)) (*producer.Bridge, error) {
	return producer.New(producer.Config{
		Brokers: cfg.Brokers,
		Policy:  cfg.ParsedPolicy,
		Extra:   cfg.ParsedExtra,
	}, onAck, fatal)
}

// ProvideMapper constructs the table mapper over the producer (topic
// allocation) and registry client.
func ProvideMapper(cfg *config.Config, prod *producer.Bridge, reg registry.Client) *mapper.Mapper {
	return mapper.New(prod, reg, cfg.TopicPrefix)
}

// ProvideDecoder constructs the upstream replication decoder.
func ProvideDecoder(cfg *config.Config) replication.Decoder {
	return replication.NewDecoder(cfg.UpstreamDSN, cfg.Publication)
}

// ProvideSupervisorConfig narrows the full Config down to the
// Supervisor's own knobs.
func ProvideSupervisorConfig(cfg *config.Config) Config {
	return Config{
		Policy:       cfg.ParsedPolicy,
		AllowUnkeyed: cfg.AllowUnkeyed,
		SlotName:     cfg.SlotName,
		SkipSnapshot: cfg.SkipSnapshot,
	}
}

// ProvideSupervisor assembles the Supervisor from its collaborators.
func ProvideSupervisor(
	r *ring.Ring,
	cp *checkpoint.Checkpointer,
	m *mapper.Mapper,
	enc encoder.Encoder,
	prod *producer.Bridge,
	dec replication.Decoder,
	scfg Config,
) *Supervisor {
	return New(r, cp, m, enc, prod, dec, scfg)
}

// Package cepservice wires the CEP worker and Archiver (C6/C7) onto a
// broker, cold store, and rule set, following the other bounded contexts'
// Dependencies/NewModule composition convention.
package cepservice

import (
	"log/slog"
	"time"

	"leafletcep/contexts/event-integration/cep-service/adapters/memory"
	"leafletcep/contexts/event-integration/cep-service/application/rules"
	"leafletcep/contexts/event-integration/cep-service/application/window"
	"leafletcep/contexts/event-integration/cep-service/application/workers"
	"leafletcep/contexts/event-integration/cep-service/domain/entities"
	"leafletcep/contexts/event-integration/cep-service/ports"
)

// Module is the running set of use cases this bounded context exposes: one
// CEP worker per consumer and a single Archiver.
type Module struct {
	Worker   *workers.CEPWorker
	Archiver *workers.Archiver
}

type Dependencies struct {
	Broker ports.BrokerClient
	Store  ports.ColdStore
	Clock  ports.Clock
	IDGen  ports.IDGenerator
	Logger *slog.Logger

	Rules            []entities.CorrelationRule
	InputStreams     []string
	IntegratedStream string
	ConsumerGroup    string
	ConsumerName     string
	BatchSize        int
	BlockDuration    time.Duration
	WindowBufferCap  int

	ArchivalInterval time.Duration
	ArchivalBatch    int
	RetentionTTL     time.Duration
}

func NewModule(deps Dependencies) Module {
	engine := rules.New(deps.Rules, deps.Clock, deps.IDGen)
	buf := window.New(deps.Clock, engine.MaxWindow(), deps.WindowBufferCap)

	worker := &workers.CEPWorker{
		Broker:           deps.Broker,
		Buffer:           buf,
		Engine:           engine,
		InputStreams:     deps.InputStreams,
		IntegratedStream: deps.IntegratedStream,
		Group:            deps.ConsumerGroup,
		Consumer:         deps.ConsumerName,
		BatchSize:        deps.BatchSize,
		BlockDuration:    deps.BlockDuration,
		Logger:           deps.Logger,
	}

	streams := make([]workers.TrackedStream, 0, len(deps.InputStreams)+1)
	for _, s := range deps.InputStreams {
		streams = append(streams, workers.TrackedStream{Name: s, Class: workers.StreamClassMono})
	}
	streams = append(streams, workers.TrackedStream{Name: deps.IntegratedStream, Class: workers.StreamClassMulti})

	archiver := &workers.Archiver{
		Broker:           deps.Broker,
		Store:            deps.Store,
		Streams:          streams,
		ArchivalInterval: deps.ArchivalInterval,
		RetentionTTL:     deps.RetentionTTL,
		MaxBatch:         deps.ArchivalBatch,
		Logger:           deps.Logger,
	}

	return Module{Worker: worker, Archiver: archiver}
}

// NewInMemoryModule wires the module against in-memory fakes, for local
// runs and integration tests without Redis/Postgres.
func NewInMemoryModule(rulesSet []entities.CorrelationRule, inputStreams []string, integratedStream string, logger *slog.Logger) Module {
	return NewModule(Dependencies{
		Broker:           memory.NewBroker(),
		Store:            memory.NewStore(),
		Clock:            memory.SystemClock{},
		IDGen:            memory.UUIDGenerator{},
		Logger:           logger,
		Rules:            rulesSet,
		InputStreams:     inputStreams,
		IntegratedStream: integratedStream,
		ConsumerGroup:    "cep-workers",
		ConsumerName:     "cep-worker-local",
		BatchSize:        100,
		BlockDuration:    time.Second,
		WindowBufferCap:  1000,
		ArchivalInterval: 60 * time.Second,
		ArchivalBatch:    1000,
		RetentionTTL:     5 * time.Minute,
	})
}

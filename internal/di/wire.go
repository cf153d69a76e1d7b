//go:build wireinject
// +build wireinject

package di

import (
	"FinCast/pkg/config"
	"FinCast/pkg/server"

	"github.com/google/wire"
)

// pipelineSet builds everything from the config up to the use cases.
var pipelineSet = wire.NewSet(
	// Observability
	ProvideLogger,
	ProvideMetrics,

	// Infrastructure clients
	ProvideClickHouseClient,
	ProvideKafkaProducer,
	ProvideRedisCache,

	// Repositories
	ProvideBarSource,
	ProvideArtifactStore,
	ProvideScalerRegistry,
	ProvideRunLog,
	ProvideEventPublisher,
	ProvideForecastCache,

	// Use cases
	ProvideProgressHub,
	ProvideTrainUseCase,
	ProvideTrainer,
	ProvideBatchTrainer,
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		pipelineSet,
		ProvideKafkaConsumer,
		ProvideJobQueue,
		ProvideForecaster,
		ProvideForecastHandler,
		ProvideKafkaTrainHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}

// InitializeToolkit wires the offline trainer.
func InitializeToolkit(cfg *config.Config) (*Toolkit, error) {
	wire.Build(pipelineSet, ProvideToolkit)
	return &Toolkit{}, nil
}

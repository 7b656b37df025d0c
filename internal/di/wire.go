//go:build wireinject
// +build wireinject

package di

import (
	"ScreenPulse/pkg/config"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation.
func InitializeApp(cfg *config.Config) (*App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideCache,
		ProvideStore,
		ProvideMarketFeed,
		ProvideAnalyzer,

		// Notification transports
		ProvideHub,
		ProvideSink,

		// Screening machinery
		ProvidePool,
		ProvideAutoscaler,
		ProvideSyncBuffer,
		ProvideHealthRegistry,

		// Orchestrator and control surface
		ProvideEngine,
		ProvideServer,
		ProvideApp,
	)
	return &App{}, nil
}

package di

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ScreenPulse/pkg/logger"
)

// Run starts the machine and HTTP server, then blocks until an interrupt
// or termination signal arrives and shuts both down gracefully.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	a.Log.Info("machine started",
		logger.String("tenant", a.Config.Machine.TenantID),
		logger.String("machine", a.Config.Machine.MachineID),
	)

	if err := a.Server.Start(); err != nil {
		a.Log.Error("http server start error", logger.Error(err))
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.Log.Info("shutdown signal received")
	return a.shutdown()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Engine.Stop(ctx); err != nil {
		a.Log.Error("machine stop error", logger.Error(err))
	}
	if err := a.Server.Stop(ctx); err != nil {
		a.Log.Error("http server stop error", logger.Error(err))
		return err
	}
	a.Log.Info("shutdown complete")
	return nil
}

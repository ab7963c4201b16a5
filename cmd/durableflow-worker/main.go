package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/engine"
	"github.com/ngnhng/durableflow/entity"
	"github.com/ngnhng/durableflow/entity/schedule"
	"github.com/ngnhng/durableflow/internal/app"
)

func main() {
	var (
		natsHost = flag.String("host", "localhost", "NATS server host")
		natsPort = flag.String("port", "4222", "NATS server port")
	)
	flag.Parse()

	ctx := context.Background()
	err := app.Run(ctx, app.Options{
		NATSHost: *natsHost,
		NATSPort: *natsPort,
	}, registerBuiltins)
	if err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

// registerBuiltins wires the entities every worker hosts. Application
// orchestrations and activities register through their own binaries built
// on app.Run.
func registerBuiltins(orchestrations *engine.Registry, entities *entity.Registry) error {
	dispatcher, err := schedule.Dispatcher(&serde.MsgpackSerde{})
	if err != nil {
		return err
	}
	return entities.Register(schedule.Name, dispatcher)
}

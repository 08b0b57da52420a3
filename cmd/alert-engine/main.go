package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch"
	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/internal/app"
)

func main() {
	rt, err := app.New("alert-engine")
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer rt.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, store, err := rt.OpenDB(ctx)
	if err != nil {
		rt.Logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	txManager := rt.TxManager(db)
	topology := rt.Config.Topology.Bus()

	client := rt.Client()
	defer client.Close()
	err = client.Declare(ctx, func(ch bus.Declarer) error {
		_, err := topology.DeclareNotificationQueue(ch)
		return err
	})
	if err != nil {
		rt.Logger.Fatal("Failed to declare notification queue", zap.Error(err))
	}

	engine := pricewatch.NewAlertEngine(store, txManager,
		pricewatch.WithAlertEngineLogger(rt.Logger),
		pricewatch.WithAlertEngineMetrics(rt.Metrics),
		pricewatch.WithNotificationQueue(topology.NotificationQueue),
	)

	durable := rt.Config.AlertEngine.DurableQueue
	setup := func(ch bus.Declarer) (string, error) {
		return topology.DeclareAlertQueue(ch, durable)
	}
	consumer := bus.NewConsumer("alert-engine", rt.Config.RabbitMQ.URL, setup, engine, rt.ConsumerOptions()...)

	carrier, err := pricewatch.NewCarrier(store, txManager,
		pricewatch.WithLogger(rt.Logger),
		pricewatch.WithMetrics(rt.Metrics),
		pricewatch.WithPublisher(pricewatch.NewQueuePublisher(client, rt.Logger)),
	)
	if err != nil {
		rt.Logger.Fatal("Failed to create carrier", zap.Error(err))
	}

	rt.ServeMetrics(ctx)

	dispatcher := pricewatch.NewDispatcher(rt.Logger, consumer)
	dispatcher.Add(carrier.Workers(rt.Config.Relay.RelayConfig())...)
	rt.Logger.Info("Alert engine starting", zap.Bool("durable_queue", durable))
	dispatcher.Start(ctx)
	rt.Logger.Info("Alert engine stopped")
}

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
	rt, err := app.New("archiver")
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

	cache, closeCache := rt.PriceCache()
	defer closeCache()

	archiver := pricewatch.NewArchiver(store, rt.TxManager(db),
		pricewatch.WithArchiverLogger(rt.Logger),
		pricewatch.WithArchiverMetrics(rt.Metrics),
		pricewatch.WithPriceCache(cache),
	)

	topology := rt.Config.Topology.Bus()
	consumer := bus.NewConsumer("archiver", rt.Config.RabbitMQ.URL, topology.DeclareArchiveQueue, archiver, rt.ConsumerOptions()...)

	rt.ServeMetrics(ctx)

	dispatcher := pricewatch.NewDispatcher(rt.Logger, consumer)
	dispatcher.Start(ctx)
	rt.Logger.Info("Archiver stopped")
}

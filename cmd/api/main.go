package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch/internal/api"
	"github.com/overtonx/pricewatch/internal/app"
)

func main() {
	rt, err := app.New("api")
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

	handler := api.NewHandler(store, cache,
		api.WithLogger(rt.Logger),
		api.WithRegistry(rt.Registry),
	)

	if err := rt.Serve(ctx, rt.Config.HTTP.Addr, handler.Router()); err != nil {
		rt.Logger.Fatal("API server failed", zap.Error(err))
	}
	rt.Logger.Info("API stopped")
}

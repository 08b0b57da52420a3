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
	"github.com/overtonx/pricewatch/config"
	"github.com/overtonx/pricewatch/internal/app"
)

func main() {
	rt, err := app.New("notifier")
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer rt.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := rt.Config
	var sender pricewatch.Sender
	switch cfg.Notifier.Sender {
	case config.SenderKafka:
		ks, err := pricewatch.NewKafkaSender(rt.Logger,
			pricewatch.WithKafkaProducerProps(cfg.Kafka.ProducerProps()),
			pricewatch.WithKafkaTopic(cfg.Kafka.Topic),
			pricewatch.WithKafkaDeliveryTimeout(cfg.Kafka.DeliveryTimeout),
		)
		if err != nil {
			rt.Logger.Fatal("Failed to create kafka sender", zap.Error(err))
		}
		defer ks.Close()
		sender = ks
	default:
		sender = pricewatch.NewLogSender(rt.Logger, cfg.Notifier.SendDelay)
	}

	notifier := pricewatch.NewNotifier(sender,
		pricewatch.WithNotifierLogger(rt.Logger),
		pricewatch.WithNotifierMetrics(rt.Metrics),
		pricewatch.WithRetryDelay(cfg.Notifier.RetryDelay),
	)

	topology := cfg.Topology.Bus()
	consumer := bus.NewConsumer("notifier", cfg.RabbitMQ.URL, topology.DeclareNotificationQueue, notifier, rt.ConsumerOptions()...)

	rt.ServeMetrics(ctx)

	rt.Logger.Info("Notifier starting", zap.String("sender", cfg.Notifier.Sender))
	pricewatch.NewDispatcher(rt.Logger, consumer).Start(ctx)
	rt.Logger.Info("Notifier stopped")
}

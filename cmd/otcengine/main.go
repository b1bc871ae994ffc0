package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/config"
	"github.com/blockdesk/otcengine/internal/engine"
	"github.com/blockdesk/otcengine/internal/events"
	"github.com/blockdesk/otcengine/internal/gateway"
	"github.com/blockdesk/otcengine/internal/metrics"
	"github.com/blockdesk/otcengine/internal/model"
	"github.com/blockdesk/otcengine/internal/negotiation"
	"github.com/blockdesk/otcengine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	metricsServer := metrics.NewServer(cfg.Metrics.ListenAddr, registry, zapLogger)

	bus := events.NewInMemoryBus(zapLogger)

	// Price feed: Redis when configured, static otherwise.
	var priceFeed gateway.PriceFeed
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		priceFeed = gateway.NewRedisPriceFeed(rdb, cfg.Redis.PriceKeyPrefix, cfg.Redis.PriceCacheTTL, zapLogger)
		zapLogger.Info("using redis price feed", zap.String("addr", cfg.Redis.Addr))
	} else {
		priceFeed = gateway.NewStaticPriceFeed()
		zapLogger.Warn("no redis configured, using static price feed")
	}

	// Audit sink: Kafka when configured, process log otherwise.
	var audit gateway.AuditSink
	var kafkaAudit *gateway.KafkaAuditSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaAudit = gateway.NewKafkaAuditSink(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, zapLogger)
		audit = kafkaAudit
		zapLogger.Info("using kafka audit sink",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.AuditTopic))
	} else {
		audit = gateway.NewLogAuditSink(zapLogger)
	}
	notifier := gateway.NewLogNotifier(zapLogger)

	// Every lifecycle event reaches the audit sink; order and negotiation
	// events additionally fan out to customer notification.
	for _, topic := range []string{events.TopicOrder, events.TopicMatch, events.TopicNegotiation, events.TopicSettlement} {
		bus.Subscribe(topic, func(ev events.Event) {
			audit.Record(context.Background(), ev)
		})
	}
	for _, topic := range []string{events.TopicOrder, events.TopicNegotiation} {
		bus.Subscribe(topic, func(ev events.Event) {
			notifier.Notify(context.Background(), ev)
		})
	}

	limits := gateway.NewStaticLimitsProvider(model.CustomerLimits{
		MaxOrderSize: decimal.NewFromFloat(cfg.Limits.DefaultMaxOrder),
		DailyLimit:   decimal.NewFromFloat(cfg.Limits.DefaultDailyLimit),
	})
	settlement := gateway.NewInstantSettlement(zapLogger)

	eng := engine.New(zapLogger, cfg, engine.Deps{
		Settlement: settlement,
		Compliance: gateway.PermissiveCompliance{},
		Limits:     limits,
		PriceFeed:  priceFeed,
		Bus:        bus,
		Metrics:    m,
	})
	coordinator := negotiation.NewCoordinator(zapLogger, cfg.Negotiation, bus, m)
	coordinator.SetExecutor(eng)
	eng.SetNegotiator(coordinator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer.Start()
	if err := eng.Start(ctx); err != nil {
		zapLogger.Fatal("start matching engine", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zapLogger.Info("shutting down", zap.String("signal", sig.String()))

	eng.Stop()
	cancel()
	metricsServer.Stop(context.Background())
	if kafkaAudit != nil {
		if err := kafkaAudit.Close(); err != nil {
			zapLogger.Warn("audit sink close", zap.Error(err))
		}
	}
	zapLogger.Info("shutdown complete")
}

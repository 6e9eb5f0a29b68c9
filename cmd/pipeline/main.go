package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jcmexdev/order-pipeline/internal/bus"
	"github.com/jcmexdev/order-pipeline/internal/httpx"
	"github.com/jcmexdev/order-pipeline/internal/metrics"
	"github.com/jcmexdev/order-pipeline/internal/order"
	"github.com/jcmexdev/order-pipeline/internal/pkg/telemetry"
	"github.com/jcmexdev/order-pipeline/internal/realtime"
	"github.com/jcmexdev/order-pipeline/internal/store"
)

type Config struct {
	ServiceName        string
	HTTPPort           string
	RedisAddr          string
	KafkaBrokers       []string
	TopicOrders        string
	TopicNotifications string
	TopicDeadLetter    string
	GroupID            string
	RateLimit          int64
	RateWindowSeconds  int
}

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(env(key, ""))
	if err != nil {
		return def
	}
	return n
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() Config {
	return Config{
		ServiceName:        env("SERVICE_NAME", "order-pipeline"),
		HTTPPort:           env("HTTP_PORT", "8080"),
		RedisAddr:          env("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:       parseCSV(env("KAFKA_BROKERS", "localhost:9092")),
		TopicOrders:        env("KAFKA_TOPIC_ORDERS", "orders"),
		TopicNotifications: env("KAFKA_TOPIC_NOTIFICATIONS", "notifications"),
		TopicDeadLetter:    env("KAFKA_TOPIC_DEAD_LETTER", "dead-letter"),
		GroupID:            env("KAFKA_GROUP_ID", "order-pipeline"),
		RateLimit:          int64(envInt("WEBHOOK_RATE_LIMIT", 100)),
		RateWindowSeconds:  envInt("WEBHOOK_RATE_WINDOW_SECONDS", 60),
	}
}

func main() {
	cfg := loadConfig()
	telemetry.InitLogger(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.Dial(dialCtx, cfg.RedisAddr)
	cancelDial()
	if err != nil {
		slog.Error("state store unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ordersPub := bus.NewPublisher(cfg.KafkaBrokers, cfg.TopicOrders)
	notifyPub := bus.NewPublisher(cfg.KafkaBrokers, cfg.TopicNotifications)
	deadPub := bus.NewPublisher(cfg.KafkaBrokers, cfg.TopicDeadLetter)
	defer ordersPub.Close()
	defer notifyPub.Close()
	defer deadPub.Close()

	agg := metrics.New(st)
	proc := order.NewProcessor(st, ordersPub, notifyPub, &order.SimulatedFulfiller{}, agg, cfg.ServiceName)

	// The dispatch table is built once here and handed to the consumer.
	sub := bus.NewSubscriber(cfg.KafkaBrokers, cfg.TopicOrders, cfg.GroupID, proc.Handlers(), deadPub)

	started := time.Now()
	health := func(ctx context.Context) httpx.Health {
		h := httpx.Health{
			Status: httpx.StatusHealthy,
			Bus:    []bus.Health{sub.Health()},
			Store:  httpx.StoreHealth{Connected: true},
			Uptime: time.Since(started).Seconds(),
		}
		if err := st.Ping(ctx); err != nil {
			h.Store = httpx.StoreHealth{Connected: false, Error: err.Error()}
		}
		if !h.Store.Connected || !sub.Healthy() {
			h.Status = httpx.StatusUnhealthy
		}
		return h
	}

	bc := realtime.New(st, agg, func(ctx context.Context) any { return health(ctx) })
	st.OnUpdate(bc.HandleUpdate)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := sub.Run(ctx); err != nil {
			slog.Error("orders consumer stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := st.ListenUpdates(ctx, order.ChannelOrderUpdates, order.ChannelMetricsUpdates); err != nil {
			slog.Error("update listener stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		bc.Run(ctx)
	}()

	h := httpx.NewHandler(proc, bc, st, health, cfg.RateLimit, time.Duration(cfg.RateWindowSeconds)*time.Second)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpx.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("order pipeline running",
		"port", cfg.HTTPPort, "brokers", cfg.KafkaBrokers, "redis", cfg.RedisAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	stop()
	wg.Wait()

	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Error("tracer shutdown error", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/timeout"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richxcame/fare-settlement/internal/settlement"
	"github.com/richxcame/fare-settlement/pkg/common"
	"github.com/richxcame/fare-settlement/pkg/config"
	"github.com/richxcame/fare-settlement/pkg/database"
	"github.com/richxcame/fare-settlement/pkg/eventbus"
	"github.com/richxcame/fare-settlement/pkg/health"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"github.com/richxcame/fare-settlement/pkg/middleware"
	"github.com/richxcame/fare-settlement/pkg/ratelimit"
	"github.com/richxcame/fare-settlement/pkg/redis"
	"github.com/richxcame/fare-settlement/pkg/resilience"
	"github.com/richxcame/fare-settlement/pkg/stripeclient"
	"github.com/richxcame/fare-settlement/pkg/tracing"
	"go.uber.org/zap"
)

const (
	serviceName = "fare-settlement"
	version     = "1.0.0"
	maxBodySize = 64 << 10
)

// eventSink is what the service needs from whichever bus driver is configured
type eventSink interface {
	settlement.EventPublisher
	Ping() error
	Close() error
}

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Server.Environment,
			Release:     serviceName + "@" + version,
		}); err != nil {
			logger.Warn("Failed to initialize Sentry", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, serviceName, version)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	if cfg.Database.MigrateOnBoot {
		if err := database.RunMigrations(ctx, &cfg.Database); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(pool)
	logger.Info("Connected to PostgreSQL database")

	redisClient, err := redis.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	bus, subscriber, err := connectEventBus(cfg.EventBus)
	if err != nil {
		logger.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	var events settlement.EventPublisher
	if bus != nil {
		events = bus
		defer bus.Close()
	}

	if cfg.Stripe.SecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY is not set, payment calls will fail")
	}
	gateway := settlement.NewStripeGateway(stripeclient.NewClient(cfg.Stripe.SecretKey), cfg.Stripe.Currency)

	opts := []settlement.Option{}
	if cfg.Breaker.Enabled {
		settings := resilience.SettingsFromConfig("stripe", cfg.Breaker)
		settings.IsFailure = settlement.IsRetryableGatewayError
		opts = append(opts, settlement.WithBreaker(resilience.NewCircuitBreaker(settings, resilience.GracefulDegradation("stripe"))))
	}

	repo := settlement.NewRepository(pool)
	service := settlement.NewService(repo, gateway, events, &cfg.Settlement, opts...)
	handler := settlement.NewHandler(service)

	if subscriber != nil {
		if err := settlement.NewEventHandler(service).RegisterSubscriptions(ctx, subscriber); err != nil {
			logger.Fatal("Failed to subscribe to ride events", zap.Error(err))
		}
		logger.Info("Subscribed to ride lifecycle events")
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics(serviceName))
	router.Use(middleware.SecurityHeaders())
	router.Use(cors.New(corsConfig(cfg.Server.CORSOrigins)))
	router.Use(middleware.MaxBodySize(maxBodySize))
	router.Use(timeout.New(
		timeout.WithTimeout(time.Duration(cfg.Server.RequestTimeout)*time.Second),
		timeout.WithResponse(func(c *gin.Context) {
			common.AppErrorResponse(c, common.NewAppError(http.StatusGatewayTimeout, "request timed out", nil))
		}),
	))

	checks := map[string]func() error{
		"database": health.NewCachedChecker(health.DatabaseChecker(pool), 5*time.Second).Check,
		"redis":    health.RedisChecker(redisClient.Client),
	}
	if bus != nil {
		checks["event_bus"] = bus.Ping
	}
	router.GET("/healthz", common.HealthCheckWithDeps(serviceName, version, checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
	handler.RegisterRoutes(router, cfg.JWT.Secret,
		middleware.RateLimit(limiter),
		middleware.Idempotency(redisClient.Client),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Fare settlement service starting", zap.String("port", cfg.Server.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}

// connectEventBus opens the configured driver. Only NATS JetStream can
// consume ride events; AMQP publishes settlement events only.
func connectEventBus(cfg config.EventBusConfig) (eventSink, settlement.Subscriber, error) {
	switch cfg.Driver {
	case "nats":
		bus, err := eventbus.New(eventbus.Config{
			URL:        cfg.NATSURL,
			Name:       serviceName,
			StreamName: cfg.StreamName,
			Inbound: []eventbus.StreamConfig{{
				Name:     cfg.RideStreamName,
				Subjects: strings.Split(cfg.RideSubjects, ","),
			}},
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Connected to NATS JetStream",
			zap.String("stream", cfg.StreamName),
			zap.String("ride_stream", cfg.RideStreamName),
		)
		return bus, bus, nil
	case "amqp":
		publisher, err := eventbus.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Connected to AMQP broker", zap.String("exchange", cfg.AMQPExchange))
		return publisher, nil, nil
	case "", "none":
		logger.Warn("Event bus disabled, settlement events will not be published")
		return nil, nil, nil
	default:
		return nil, nil, errors.New("unknown event bus driver: " + cfg.Driver)
	}
}

func corsConfig(origins string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowOrigins = splitOrigins(origins)
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", middleware.CorrelationIDHeader, middleware.IdempotencyHeader}
	c.ExposeHeaders = []string{middleware.CorrelationIDHeader, middleware.IdempotencyReplayedHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"}
	return c
}

func splitOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:3000"}
	}
	return out
}

package config

import (
	"context"
	"fmt"
	"log"

	"github.com/cartwheel/order-system/ordering-service/application"
	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/ordering-service/handlers"
	"github.com/cartwheel/order-system/ordering-service/infrastructure"
	"github.com/cartwheel/order-system/shared/events"
	sharedinfra "github.com/cartwheel/order-system/shared/infrastructure"
	"github.com/cartwheel/order-system/shared/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Stores
	SagaStore     domain.SagaStore
	ReminderStore domain.ReminderStore
	Journal       events.Journal

	// Coordination
	Coordinator *domain.Coordinator
	Dispatcher  *application.Dispatcher

	// Use Cases
	StartOrderSaga *application.StartOrderSaga
	GetOrderSaga   *application.GetOrderSaga

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Event Handlers
	SagaEventHandlers *handlers.SagaEventHandlers

	// Background workers
	ReminderScheduler *infrastructure.ReminderScheduler
	LedgerPruner      *infrastructure.LedgerPruner

	// Infrastructure
	EventPublisher  events.Publisher
	EventSubscriber events.Subscriber
	RedisClient     *redis.Client

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.OrderingServiceConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			log.Printf("Failed to initialize telemetry: %v", err)
			// Continue without telemetry rather than failing
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	// Initialize database
	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	// Initialize event transport
	if err := buildTransport(config, deps); err != nil {
		db.Close()
		return nil, err
	}

	// Initialize stores
	deps.SagaStore = infrastructure.NewPostgresSagaStore(db)
	deps.ReminderStore = infrastructure.NewPostgresReminderStore(db)
	deps.Journal = sharedinfra.NewPostgresEventJournal(db)

	// Initialize coordinator and dispatcher
	deps.Coordinator = domain.NewCoordinator(domain.CoordinatorConfig{
		StockTimeout:   config.StockTimeout(),
		PaymentTimeout: config.PaymentTimeout(),
		MaxTimeout:     config.MaxTimeout(),
		MaxAttempts:    config.Saga.MaxAttempts,
	})

	dispatcherOpts := []application.DispatcherOption{
		application.WithJournal(deps.Journal),
	}

	if config.Redis.Enabled {
		deps.RedisClient = redis.NewClient(&redis.Options{
			Addr: config.Redis.Addr,
			DB:   config.Redis.DB,
		})
		dedup := infrastructure.NewRedisDedupCache(deps.RedisClient, config.LedgerRetention())
		dispatcherOpts = append(dispatcherOpts, application.WithDedupCache(dedup))
	}

	deps.Dispatcher = application.NewDispatcher(
		deps.SagaStore,
		deps.ReminderStore,
		deps.EventPublisher,
		deps.Coordinator,
		dispatcherOpts...,
	)

	// Initialize use cases
	deps.StartOrderSaga = application.NewStartOrderSaga(deps.Dispatcher, deps.SagaStore)
	deps.GetOrderSaga = application.NewGetOrderSaga(deps.SagaStore)

	// Initialize handlers
	deps.OrderHandlers = handlers.NewOrderHandlers(deps.StartOrderSaga, deps.GetOrderSaga, deps.Journal)
	deps.SagaEventHandlers = handlers.NewSagaEventHandlers(deps.Dispatcher)

	// Initialize background workers
	deps.ReminderScheduler = infrastructure.NewReminderScheduler(deps.ReminderStore, deps.Dispatcher)
	deps.LedgerPruner = infrastructure.NewLedgerPruner(deps.SagaStore, config.LedgerRetention(), 0)

	return deps, nil
}

func buildTransport(config *Config, deps *Dependencies) error {
	switch config.Transport.Kind {
	case "kafka":
		deps.EventPublisher = sharedinfra.NewKafkaEventPublisher(config.Kafka.Brokers, config.Kafka.Topic)
		deps.EventSubscriber = sharedinfra.NewKafkaEventSubscriber(
			config.Kafka.Brokers,
			config.Kafka.ConsumerGroup,
			config.Kafka.Topic,
			config.Kafka.Workers,
		)
	case "memory":
		bus := sharedinfra.NewMemoryEventBus()
		deps.EventPublisher = bus
		deps.EventSubscriber = bus
	default:
		publisher, err := sharedinfra.NewSNSPublisherAdapter(config.AWS.SNSTopicArn)
		if err != nil {
			return fmt.Errorf("failed to create SNS publisher: %w", err)
		}
		subscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL)
		if err != nil {
			publisher.Close()
			return fmt.Errorf("failed to create SQS subscriber: %w", err)
		}
		deps.EventPublisher = publisher
		deps.EventSubscriber = subscriber
	}
	return nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if closer, ok := d.EventPublisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if closer, ok := d.EventSubscriber.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.RedisClient != nil {
		if err := d.RedisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}

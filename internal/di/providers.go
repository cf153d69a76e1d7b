package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"FinCast/internal/domain/repository"
	domsvc "FinCast/internal/domain/service"
	"FinCast/internal/handler/api"
	internalrepo "FinCast/internal/repository"
	"FinCast/internal/service/ratelimit"
	"FinCast/internal/services/scaler"
	"FinCast/internal/usecase"
	pkgcache "FinCast/pkg/cache"
	pkgch "FinCast/pkg/clickhouse"
	"FinCast/pkg/config"
	pkgkafka "FinCast/pkg/kafka"
	applogger "FinCast/pkg/logger"
	"FinCast/pkg/metrics"
	"FinCast/pkg/queue"
	"FinCast/pkg/server"
)

// ProvideLogger creates the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when ClickHouse
// is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHosts(cfg.ClickHouse.Hosts...),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if !cfg.ClickHouse.InitSchema {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, pkgch.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close() // no logger in the DI layer; propagate
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is
// disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(100, 50*time.Millisecond),
		pkgkafka.WithWriteTimeout(10*time.Second),
		pkgkafka.WithMaxAttempts(5),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideKafkaConsumer creates the train-request consumer, or nil when Kafka
// is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(l,
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Workers),
		pkgkafka.WithConsumerRetry(3, time.Second, 30*time.Second),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.DLQTopic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.RequestIDHook)
	return consumer, nil
}

// ProvideRedisCache connects to Redis, or returns nil when Redis is disabled.
func ProvideRedisCache(cfg *config.Config) (*pkgcache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisAddr(cfg.Redis.Addr),
		pkgcache.WithRedisPassword(cfg.Redis.Password),
		pkgcache.WithRedisDB(cfg.Redis.DB),
		pkgcache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideForecastCache layers a local LRU over Redis when available and
// falls back to memory alone.
func ProvideForecastCache(rc *pkgcache.RedisCache) pkgcache.Service {
	if rc == nil {
		return pkgcache.NewMemoryCache(pkgcache.WithMemoryMaxSize(1000), pkgcache.WithMemoryCleanup(time.Minute))
	}
	return pkgcache.NewLayeredCache(rc, 1000, 30*time.Second)
}

// ProvideJobQueue creates the Redis training queue, or nil without Redis.
func ProvideJobQueue(cfg *config.Config, rc *pkgcache.RedisCache, l *applogger.Logger) *queue.RedisQueue {
	if rc == nil {
		return nil
	}
	return queue.NewRedisQueue(l, queue.Config{
		Workers:    cfg.Redis.QueueWorkers,
		RetryLimit: cfg.Redis.RetryLimit,
		RetryDelay: cfg.Redis.RetryDelay,
	}, rc.Client(), queue.WithKeyPrefix(cfg.Redis.Prefix+":train"))
}

// ProvideBarSource selects the bar source named by source.type.
func ProvideBarSource(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) (repository.BarSource, error) {
	switch cfg.Source.Type {
	case "clickhouse":
		if ch == nil {
			return nil, fmt.Errorf("bar source: clickhouse is disabled")
		}
		s := internalrepo.NewCHBarStore(ch, cfg.ClickHouse.Database)
		s.SetLogger(l)
		return s, nil
	case "http":
		return internalrepo.NewHTTPBarSource(cfg.Source.HTTPURL, cfg.Source.HTTPTimeout, cfg.Source.HTTPAttempts), nil
	default:
		return internalrepo.NewCSVBarSource(cfg.Source.CSVDir, l), nil
	}
}

// ProvideArtifactStore creates the file store behind a short-lived cache.
func ProvideArtifactStore(cfg *config.Config, l *applogger.Logger) (repository.ArtifactStore, error) {
	fs, err := internalrepo.NewFileArtifactStore(cfg.Storage.ArtifactDir, l)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if cfg.Storage.CacheTTL <= 0 {
		return fs, nil
	}
	return internalrepo.NewCachedArtifactStore(fs, cfg.Storage.CacheTTL), nil
}

func ProvideScalerRegistry(store repository.ArtifactStore, l *applogger.Logger) *scaler.Registry {
	return scaler.NewRegistry(store, l)
}

func ProvideRunLog(cfg *config.Config, ch *pkgch.Client) repository.RunLog {
	if ch == nil {
		return internalrepo.NoopRunLog{}
	}
	return internalrepo.NewCHRunLog(ch, cfg.ClickHouse.Database)
}

func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.EventPublisher {
	if producer == nil {
		return internalrepo.NoopEventPublisher{}
	}
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.EventsTopic)
}

func ProvideProgressHub(l *applogger.Logger) *api.ProgressHub {
	return api.NewProgressHub(l)
}

// ProvideTrainUseCase creates the trainer. Redis, when enabled, guards
// trainings across processes.
func ProvideTrainUseCase(
	cfg *config.Config,
	bars repository.BarSource,
	store repository.ArtifactStore,
	registry *scaler.Registry,
	rc *pkgcache.RedisCache,
	events repository.EventPublisher,
	runs repository.RunLog,
	m repository.Metrics,
	hub *api.ProgressHub,
	l *applogger.Logger,
) *usecase.TrainUseCase {
	opts := []usecase.TrainOption{
		usecase.WithEvents(events),
		usecase.WithRunLog(runs),
		usecase.WithMetrics(m),
		usecase.WithProgress(hub),
		usecase.WithLogger(l),
	}
	if rc != nil {
		opts = append(opts, usecase.WithLocker(rc))
	}
	return usecase.NewTrainUseCase(TrainConfig(cfg), bars, store, registry, opts...)
}

// TrainConfig projects the pipeline sections of cfg.
func TrainConfig(cfg *config.Config) usecase.TrainConfig {
	return usecase.TrainConfig{
		Features:   cfg.Features.Spec(),
		Lookback:   cfg.Dataset.Lookback,
		Split:      cfg.Dataset.Split,
		TargetMode: cfg.Dataset.TargetMode,
		Policy:     cfg.Forecast.Policy,
		Model:      cfg.Model,
		LockTTL:    cfg.Training.LockTTL,
		Timeout:    cfg.Training.Timeout,
	}
}

func ProvideTrainer(uc *usecase.TrainUseCase) domsvc.Trainer { return uc }

func ProvideBatchTrainer(cfg *config.Config, trainer domsvc.Trainer, m repository.Metrics, l *applogger.Logger) domsvc.BatchTrainer {
	return usecase.NewBatchTrainUseCase(trainer, cfg.Training.BatchWorkers, m, l)
}

func ProvideForecaster(
	cfg *config.Config,
	bars repository.BarSource,
	store repository.ArtifactStore,
	registry *scaler.Registry,
	trainer domsvc.Trainer,
	fc pkgcache.Service,
	events repository.EventPublisher,
	m repository.Metrics,
	l *applogger.Logger,
) domsvc.Forecaster {
	return usecase.NewForecastUseCase(usecase.ForecastConfig{
		MaxHorizon:   cfg.Forecast.MaxHorizon,
		DegradeAfter: cfg.Forecast.DegradeAfter,
		CacheTTL:     cfg.Forecast.CacheTTL,
		BacktestDays: cfg.Forecast.BacktestDays,
	}, bars, store, registry, trainer,
		usecase.WithForecastCache(fc),
		usecase.WithForecastEvents(events),
		usecase.WithForecastMetrics(m),
		usecase.WithForecastLogger(l),
	)
}

// ProvideForecastHandler creates the HTTP handler. Async trainings go to the
// Redis queue when there is one.
func ProvideForecastHandler(
	cfg *config.Config,
	l *applogger.Logger,
	trainer domsvc.Trainer,
	batch domsvc.BatchTrainer,
	forecaster domsvc.Forecaster,
	store repository.ArtifactStore,
	hub *api.ProgressHub,
	jobs *queue.RedisQueue,
) *api.ForecastHandler {
	opts := []api.HandlerOption{
		api.WithRateLimiter(ratelimit.New(cfg.Training.RateInterval, cfg.Training.RateBurst)),
	}
	if jobs != nil {
		opts = append(opts, api.WithJobQueue(jobs))
	}
	return api.NewForecastHandler(l, trainer, batch, forecaster, store, hub, opts...)
}

func ProvideKafkaTrainHandler(cfg *config.Config, trainer domsvc.Trainer, l *applogger.Logger) *usecase.KafkaTrainHandler {
	return usecase.NewKafkaTrainHandler(cfg.Kafka.TrainTopic, trainer, l)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	handler *api.ForecastHandler,
	trainer domsvc.Trainer,
	producer *pkgkafka.Producer,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaTrainHandler,
	jobs *queue.RedisQueue,
	fc pkgcache.Service,
	events repository.EventPublisher,
	chClient *pkgch.Client,
) *server.App {
	// fc owns the Redis connection when it is layered
	closers := []io.Closer{events, fc}
	if chClient != nil {
		closers = append(closers, chClient)
	}
	opts := []server.Option{server.WithClosers(closers...)}
	if producer != nil {
		opts = append(opts, server.WithProducer(producer, cfg.Kafka.LogTopic))
	}
	if consumer != nil {
		opts = append(opts, server.WithConsumer(consumer, kh))
	}
	if jobs != nil {
		opts = append(opts, server.WithJobQueue(jobs, usecase.NewTrainJob(trainer, l)))
	}
	return server.New(cfg, l, handler, opts...)
}

// Toolkit is the dependency set of the offline trainer CLI.
type Toolkit struct {
	Logger *applogger.Logger
	Batch  domsvc.BatchTrainer
	Store  repository.ArtifactStore
	// Writer is nil unless ClickHouse is enabled.
	Writer repository.BarWriter

	closers []io.Closer
}

// Close releases the connections opened for the toolkit.
func (t *Toolkit) Close() {
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			t.Logger.Warn("close error", applogger.Error(err))
		}
	}
}

func ProvideToolkit(
	cfg *config.Config,
	l *applogger.Logger,
	batch domsvc.BatchTrainer,
	store repository.ArtifactStore,
	events repository.EventPublisher,
	producer *pkgkafka.Producer,
	rc *pkgcache.RedisCache,
	chClient *pkgch.Client,
) *Toolkit {
	t := &Toolkit{Logger: l, Batch: batch, Store: store, closers: []io.Closer{events}}
	if producer != nil {
		t.closers = append(t.closers, producer)
	}
	if rc != nil {
		t.closers = append(t.closers, rc)
	}
	if chClient != nil {
		w := internalrepo.NewCHBarStore(chClient, cfg.ClickHouse.Database)
		w.SetLogger(l)
		t.Writer = w
		t.closers = append(t.closers, chClient)
	}
	return t
}

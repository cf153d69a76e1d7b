package server

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FinCast/pkg/config"
	xhttp "FinCast/pkg/http"
	pkgkafka "FinCast/pkg/kafka"
	applogger "FinCast/pkg/logger"
	"FinCast/pkg/queue"
)

// Handler is the HTTP surface. Drain cancels the background work it started
// and waits for it to return.
type Handler interface {
	xhttp.Handler
	Drain()
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	l          *applogger.Logger
	handler    Handler
	httpServer *xhttp.Server

	producer *pkgkafka.Producer
	logTopic string
	consumer *pkgkafka.Consumer
	kh       pkgkafka.MessageHandler

	jobs    *queue.RedisQueue
	jobList []queue.Job

	closers []io.Closer
	cancel  context.CancelFunc
}

type Option func(*App)

// WithProducer ships aggregated logs to logTopic and closes the producer on
// shutdown.
func WithProducer(p *pkgkafka.Producer, logTopic string) Option {
	return func(a *App) {
		a.producer = p
		a.logTopic = logTopic
	}
}

// WithConsumer consumes training requests with kh.
func WithConsumer(c *pkgkafka.Consumer, kh pkgkafka.MessageHandler) Option {
	return func(a *App) {
		a.consumer = c
		a.kh = kh
	}
}

// WithJobQueue runs the queue workers for jobs.
func WithJobQueue(q *queue.RedisQueue, jobs ...queue.Job) Option {
	return func(a *App) {
		a.jobs = q
		a.jobList = append(a.jobList, jobs...)
	}
}

// WithClosers registers resources closed last, in order.
func WithClosers(c ...io.Closer) Option {
	return func(a *App) { a.closers = append(a.closers, c...) }
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, l *applogger.Logger, handler Handler, opts ...Option) *App {
	if l == nil {
		l = applogger.Nop()
	}
	a := &App{cfg: cfg, l: l, handler: handler}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start brings up every configured component and returns; Run adds the
// signal wait on top.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.producer != nil && a.logTopic != "" {
		a.l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          a.logTopic,
			Publisher:      a.producer,
		})
	}

	if a.jobs != nil {
		for _, j := range a.jobList {
			a.jobs.RegisterJob(j)
		}
		if err := a.jobs.Start(ctx); err != nil {
			a.l.Error("redis queue start error", applogger.Error(err))
			return err
		}
	}

	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		if err := a.consumer.Start(ctx); err != nil {
			a.l.Error("kafka consumer start error", applogger.Error(err))
			return err
		}
		a.l.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	a.httpServer = xhttp.NewServer(a.l, a.handler,
		xhttp.WithHost(a.cfg.Server.Host),
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout),
		xhttp.WithSlowThreshold(a.cfg.Server.SlowThreshold),
		xhttp.WithCORS(a.cfg.Server.CORS),
	)
	if err := a.httpServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		return err
	}
	a.l.Info("fincast started",
		applogger.String("env", a.cfg.Environment),
		applogger.String("source", a.cfg.Source.Type),
		applogger.String("artifacts", a.cfg.Storage.ArtifactDir),
	)
	return nil
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	if err := a.Start(context.Background()); err != nil {
		a.Shutdown(context.Background())
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.l.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.Shutdown(ctx)
	return nil
}

// Shutdown stops intake first, then in-flight trainings, then the
// infrastructure they write to.
func (a *App) Shutdown(ctx context.Context) {
	a.l.Info("shutting down...")

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.l.Error("http shutdown error", applogger.Error(err))
		}
	}

	// running trainings observe the cancel at their next epoch
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}
	if a.jobs != nil {
		if err := a.jobs.Stop(ctx); err != nil {
			a.l.Warn("redis queue stop error", applogger.Error(err))
		}
	}
	if a.handler != nil {
		a.handler.Drain()
	}

	a.l.RemoveCollector()
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.l.Warn("close error", applogger.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.l.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	a.l.Info("shutdown complete")
}

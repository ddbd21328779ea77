// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal service packages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	enrollmetrics "idproof/internal/enrollment/metrics"
	"idproof/internal/enrollment/reconciler"
	enrollmemory "idproof/internal/enrollment/store/memory"
	enrollpostgres "idproof/internal/enrollment/store/postgres"
	"idproof/internal/enrollment/usps"
	idvmetrics "idproof/internal/idv/metrics"
	"idproof/internal/idv/service"
	idvmemory "idproof/internal/idv/store/memory"
	idvredis "idproof/internal/idv/store/redis"
	"idproof/internal/platform/config"
	"idproof/internal/platform/events"
	"idproof/internal/platform/events/kafka"
	"idproof/internal/platform/httpserver"
	"idproof/internal/platform/jobs"
	"idproof/internal/platform/logger"
	"idproof/internal/platform/postgres"
	platformredis "idproof/internal/platform/redis"
	rlmetrics "idproof/internal/ratelimit/metrics"
	rlmodels "idproof/internal/ratelimit/models"
	rlservice "idproof/internal/ratelimit/service"
	rlmemory "idproof/internal/ratelimit/store/memory"
	rlpostgres "idproof/internal/ratelimit/store/postgres"
	rlredis "idproof/internal/ratelimit/store/redis"
	httptransport "idproof/internal/transport/http"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DB)
	if err != nil {
		log.Error("connect postgres", logger.Err(err))
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", logger.Err(err))
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Kafka.Brokers != "" {
		kafkaPub, err := kafka.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			log.Error("connect kafka", logger.Err(err))
			os.Exit(1)
		}
		defer kafkaPub.Close()
		publisher = kafkaPub
	}

	// Store selection follows configured infrastructure: redis first for
	// fleet-wide counters, then postgres, then process memory.
	var counterStore rlservice.CounterStore
	switch {
	case rdb != nil:
		counterStore = rlredis.New(rdb.Client)
	case pool != nil:
		counterStore = rlpostgres.New(pool)
	default:
		counterStore = rlmemory.New()
	}

	limits := map[rlmodels.ThrottleType]rlmodels.Limit{
		rlmodels.ThrottleIdvOTPSubmission:     {MaxAttempts: cfg.OTP.MaxAttempts, Window: cfg.OTP.AttemptTTL},
		rlmodels.ThrottleEnrollmentCodeResend: {MaxAttempts: cfg.Throttle.ResendMaxAttempts, Window: cfg.Throttle.ResendWindow},
		rlmodels.ThrottleRegConfirmedEmail:    {MaxAttempts: cfg.Throttle.RegConfirmedMaxAttempts, Window: cfg.Throttle.RegConfirmedWindow},
		rlmodels.ThrottleRegUnconfirmedEmail:  {MaxAttempts: cfg.Throttle.RegUnconfirmedMaxAttempts, Window: cfg.Throttle.RegUnconfirmedWindow},
	}
	limiter, err := rlservice.New(counterStore, limits,
		rlservice.WithLogger(log),
		rlservice.WithPublisher(publisher),
		rlservice.WithMetrics(rlmetrics.New()),
	)
	if err != nil {
		log.Error("build rate limiter", logger.Err(err))
		os.Exit(1)
	}

	var enrollmentStore interface {
		service.EnrollmentStore
		reconciler.Store
	}
	if pool != nil {
		enrollmentStore = enrollpostgres.New(pool)
	} else {
		enrollmentStore = enrollmemory.New()
	}

	var sessionStore service.SessionStore
	if rdb != nil {
		sessionStore = idvredis.NewSessionStore(rdb.Client, cfg.Session.TTL)
	} else {
		sessionStore = idvmemory.NewSessionStore()
	}

	vendor := usps.New(cfg.USPS)

	engine, err := service.New(
		sessionStore,
		enrollmentStore,
		vendor,
		limiter,
		service.NoopDeliverer{},
		idvmemory.NewPIICache(),
		idvmemory.NewComponentStore(),
		cfg.OTP,
		service.WithLogger(log),
		service.WithPublisher(publisher),
		service.WithMetrics(idvmetrics.New()),
	)
	if err != nil {
		log.Error("build step flow engine", logger.Err(err))
		os.Exit(1)
	}

	rec, err := reconciler.New(enrollmentStore, vendor, cfg.Job,
		reconciler.WithLogger(log),
		reconciler.WithPublisher(publisher),
		reconciler.WithMetrics(enrollmetrics.New()),
	)
	if err != nil {
		log.Error("build reconciler", logger.Err(err))
		os.Exit(1)
	}

	var locker jobs.Locker = jobs.NewMemoryLocker()
	if rdb != nil {
		locker = jobs.NewRedisLocker(rdb.Client)
	}
	runner := jobs.NewRunner(locker, log)
	go runner.Start(ctx, jobs.Job{
		Key:      "enrollment-status-check",
		Interval: cfg.Job.Interval,
		Lease:    cfg.Job.LockLease,
		Run:      rec.Run,
	})

	handler := httptransport.NewHandler(engine, vendor, log)
	srv := httpserver.New(cfg.Server, httptransport.NewRouter(handler))

	go func() {
		log.Info("server started", "addr", cfg.Server.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", logger.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", logger.Err(err))
	}
}

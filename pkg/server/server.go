/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

// Package server assembles the instance manager: Redis client, queues,
// worker pool, challenge registry, maintenance schedules, and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"
	ctrlruntime "sigs.k8s.io/controller-runtime"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/challenge"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/handlers"
	commonklog "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/klog"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/metrics"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/options"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/performance"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ratelimit"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/workers"
)

const (
	shutdownGrace = 10 * time.Second

	// performanceRetentionDays matches the record TTL safety net in the
	// performance package.
	performanceRetentionDays = 7
)

type Server struct {
	opts       *options.Options
	ctx        context.Context
	redis      *redisclient.Client
	queues     map[queue.Kind]*queue.Queue
	states     *workers.StateMachine
	pool       *workers.Pool
	monitor    *performance.Monitor
	engine     *gin.Engine
	httpServer *http.Server
	cron       *cron.Cron
	isInited   bool
}

func NewServer() (*Server, error) {
	s := &Server{
		opts: &options.Options{},
		ctx:  ctrlruntime.SetupSignalHandler(),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	gin.SetMode(gin.ReleaseMode)
	var err error
	if err = s.opts.InitFlags(); err != nil {
		klog.ErrorS(err, "failed to parse flags")
		return err
	}
	if err = s.initLogs(); err != nil {
		klog.ErrorS(err, "failed to init logs")
		return err
	}
	if err = s.initConfig(); err != nil {
		klog.ErrorS(err, "failed to init config")
		return err
	}
	if err = s.initComponents(); err != nil {
		klog.ErrorS(err, "failed to init components")
		return err
	}
	s.isInited = true
	return nil
}

func (s *Server) initLogs() error {
	if err := commonklog.Init(s.opts.LogfilePath, s.opts.LogFileSize); err != nil {
		return err
	}
	ctrlruntime.SetLogger(klogr.NewWithOptions())
	return nil
}

func (s *Server) initConfig() error {
	fullPath, err := filepath.Abs(s.opts.Config)
	if err != nil {
		return err
	}
	if err = config.LoadConfig(fullPath); err != nil {
		return fmt.Errorf("config path: %s, err: %v", fullPath, err)
	}
	if s.opts.CTDDir != "" {
		config.SetValue("challenge.ctd_directory", s.opts.CTDDir)
	}
	if s.opts.Port > 0 {
		config.SetValue("server.port", s.opts.Port)
	}
	if s.opts.KubeConfig != "" {
		// controller-runtime resolves the rest config from this variable
		// when the process is not running in a cluster.
		os.Setenv("KUBECONFIG", s.opts.KubeConfig)
	}
	return nil
}

func (s *Server) initComponents() error {
	redisClient, err := redisclient.New(s.ctx)
	if err != nil {
		return err
	}
	s.redis = redisClient

	locks := lock.NewManager(redisClient)
	s.queues = map[queue.Kind]*queue.Queue{
		queue.KindDeployment:  queue.New(queue.KindDeployment, redisClient, locks),
		queue.KindTermination: queue.New(queue.KindTermination, redisClient, locks),
	}

	store, err := ctd.NewStore(config.GetCTDDirectory())
	if err != nil {
		return err
	}
	cluster, err := kubernetes.NewClient()
	if err != nil {
		return err
	}
	s.monitor = performance.NewMonitor(redisClient)
	challenges := challenge.NewRegistry(ctd.NewResolver(store), cluster, locks, s.monitor)

	registry := workers.NewRegistry(redisClient, locks)
	s.states = workers.NewStateMachine(redisClient, registry)
	callbacks := map[queue.Kind]workers.Callback{
		queue.KindDeployment: workers.WrapWithChallengeLock(locks,
			time.Duration(config.GetDeploymentLockTimeoutSecond())*time.Second,
			challenges.HandleDeployTask),
		queue.KindTermination: workers.WrapWithChallengeLock(locks,
			time.Duration(config.GetTerminationLockTimeoutSecond())*time.Second,
			challenges.HandleTerminateTask),
	}
	s.pool = workers.NewPool(registry, s.states, locks, s.queues, callbacks)

	metrics.SetQueueDepthReader(s.queueDepths)

	handler := handlers.NewHandler(s.ctx, handlers.Components{
		Redis:    redisClient,
		Queues:   s.queues,
		Registry: registry,
		States:   s.states,
		Pool:     s.pool,
		Store:    store,
		Cluster:  cluster,
		Monitor:  s.monitor,
		Limiter:  ratelimit.NewLimiter(redisClient),
	})
	s.engine = handlers.InitHTTPHandlers(handler)
	return nil
}

func (s *Server) Start() {
	if !s.isInited {
		klog.Errorf("please init instance-manager first")
		return
	}
	klog.Infof("starting instance-manager")
	go s.redis.Run(s.ctx)
	if err := s.pool.Start(s.ctx); err != nil {
		klog.ErrorS(err, "failed to start worker pool")
		os.Exit(-1)
	}
	s.startCron()
	go func() {
		if err := s.startHttpServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "failed to start http-server")
			os.Exit(-1)
		}
	}()

	<-s.ctx.Done()
	s.Stop()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "failed to shutdown http server")
		}
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.pool.Stop(ctx)
	if err := s.redis.Close(); err != nil {
		klog.ErrorS(err, "failed to close redis client")
	}
	klog.Info("instance-manager is stopped")
	klog.Flush()
}

func (s *Server) startHttpServer() error {
	if config.GetServerPort() <= 0 {
		return fmt.Errorf("the instance-manager port is not defined")
	}
	addr := fmt.Sprintf(":%d", config.GetServerPort())
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	klog.Infof("http-server listen port: %d", config.GetServerPort())
	return s.httpServer.ListenAndServe()
}

// startCron schedules the maintenance sweeps: stale worker cleanup and
// stalled task recovery on the worker check interval, performance record
// retention daily.
func (s *Server) startCron() {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	addJob := func(spec string, job func()) {
		if _, err := s.cron.AddFunc(spec, job); err != nil {
			klog.ErrorS(err, "failed to schedule job", "spec", spec)
		}
	}

	check := fmt.Sprintf("@every %ds", config.GetWorkerCheckIntervalSecond())
	addJob(check, func() {
		if _, err := s.states.CleanupStaleWorkers(s.ctx, nil); err != nil {
			klog.ErrorS(err, "stale worker sweep failed")
		}
	})
	addJob(check, func() {
		maxAge := time.Duration(config.GetStalledTaskMaxAgeSecond()) * time.Second
		for kind, q := range s.queues {
			if _, err := q.RecoverStalledTasks(s.ctx, maxAge); err != nil {
				klog.ErrorS(err, "stalled task recovery failed", "queue", kind)
			}
		}
	})
	addJob("@daily", func() {
		if _, err := s.monitor.ClearOldData(s.ctx, performanceRetentionDays); err != nil {
			klog.ErrorS(err, "performance retention sweep failed")
		}
	})
	s.cron.Start()
}

func (s *Server) queueDepths(ctx context.Context) []metrics.QueueDepth {
	depths := make([]metrics.QueueDepth, 0, len(s.queues))
	for kind, q := range s.queues {
		stats, err := q.GetQueueStats(ctx)
		if err != nil {
			klog.ErrorS(err, "failed to read queue stats", "queue", kind)
			continue
		}
		depths = append(depths, metrics.QueueDepth{
			Queue:      string(kind),
			Processing: stats.Processing,
			Pending:    stats.PriorityCounts,
		})
	}
	return depths
}

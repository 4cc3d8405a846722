// Scheduler + step-executor process. A leadership lock keeps exactly one
// claim loop running across deployments.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intralog/outreach-engine/internal/channel"
	"github.com/intralog/outreach-engine/internal/config"
	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/engine"
	"github.com/intralog/outreach-engine/internal/governor"
	"github.com/intralog/outreach-engine/internal/personalize"
	"github.com/intralog/outreach-engine/internal/pkg/distlock"
	"github.com/intralog/outreach-engine/internal/pkg/logger"
	"github.com/intralog/outreach-engine/internal/store"
)

const leaderLockKey = "outreach:scheduler:leader"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	adapters, err := buildAdapters(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf("adapters: %v", err)
	}

	var ai personalize.AIClient
	if cfg.AI.Enabled && cfg.AI.APIKey != "" {
		ai = personalize.NewHTTPAIClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model)
	}

	gov := governor.New(st)
	exec := engine.NewExecutor(st, gov, personalize.New(ai), adapters, nil, cfg.Scheduler.MaxAttempts)
	sched := engine.NewScheduler(st, exec, gov, nil, engine.SchedulerConfig{
		GlobalConcurrency: cfg.Scheduler.GlobalConcurrency,
		PollInterval:      time.Duration(cfg.Scheduler.PollSeconds) * time.Second,
		DrainTimeout:      time.Duration(cfg.Scheduler.DrainTimeoutSeconds) * time.Second,
		StaleThreshold:    time.Duration(cfg.Scheduler.StaleThresholdMinutes) * time.Minute,
	})

	// Single-scheduler guarantee: Redis lock when available, Postgres
	// advisory lock otherwise.
	lock := distlock.NewLock(rdb, st.DB(), leaderLockKey, 5*time.Minute)
	acquireLeadership(ctx, lock)
	defer lock.Release(context.Background())

	if err := sched.Start(); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	renew := time.NewTicker(2 * time.Minute)
	defer renew.Stop()
	for {
		select {
		case sig := <-stop:
			logger.Info("shutting down", "signal", sig.String())
			sched.Stop()
			return
		case <-renew.C:
			if err := lock.Extend(ctx); err != nil {
				logger.Error("leadership renew failed", "error", err.Error())
			}
		}
	}
}

func acquireLeadership(ctx context.Context, lock distlock.DistLock) {
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Worker] leadership acquire error: %v", err)
		} else if ok {
			log.Printf("[Worker] scheduler leadership acquired")
			return
		} else {
			log.Printf("[Worker] another scheduler is active; standing by")
		}
		time.Sleep(15 * time.Second)
	}
}

func buildAdapters(ctx context.Context, cfg *config.Config, rdb *redis.Client) (map[domain.Channel]channel.Adapter, error) {
	adapters := map[domain.Channel]channel.Adapter{}

	if cfg.Email.AccessKey != "" {
		ses, err := channel.NewSESAdapter(ctx, cfg.Email.Region, cfg.Email.AccessKey, cfg.Email.SecretKey)
		if err != nil {
			return nil, err
		}
		adapters[domain.ChannelEmail] = ses
	} else {
		logger.Warn("SES credentials absent; email steps will fail dispatch")
	}

	if cfg.Voice.APIKey != "" {
		adapters[domain.ChannelVoice] = channel.NewVoiceAdapter(
			cfg.Voice.BaseURL, cfg.Voice.APIKey, cfg.Voice.WebhookURL)
	}

	if cfg.Network.GatewayURL != "" && rdb != nil {
		limiter := channel.NewAccountLimiter(rdb, cfg.Network.DailyCap)
		pool := channel.NewSessionPool(
			time.Duration(cfg.Network.MinIntervalSeconds)*time.Second,
			time.Duration(cfg.Network.MaxIntervalSeconds)*time.Second)
		adapters[domain.ChannelNetworkConnect] = channel.NewNetworkAdapter(cfg.Network.GatewayURL, "connect", limiter, pool)
		adapters[domain.ChannelNetworkMessage] = channel.NewNetworkAdapter(cfg.Network.GatewayURL, "message", limiter, pool)
	}

	return adapters, nil
}

// API + webhook ingress process. The worker process runs the scheduler;
// this one only serves HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intralog/outreach-engine/internal/api"
	"github.com/intralog/outreach-engine/internal/channel"
	"github.com/intralog/outreach-engine/internal/config"
	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/engine"
	"github.com/intralog/outreach-engine/internal/governor"
	"github.com/intralog/outreach-engine/internal/personalize"
	"github.com/intralog/outreach-engine/internal/pkg/logger"
	"github.com/intralog/outreach-engine/internal/store"
)

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
	applyLogging(cfg)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	// Test sends need the live email adapter; everything else on this
	// surface is store-backed.
	adapters := map[domain.Channel]channel.Adapter{}
	if cfg.Email.AccessKey != "" {
		ses, err := channel.NewSESAdapter(ctx, cfg.Email.Region, cfg.Email.AccessKey, cfg.Email.SecretKey)
		if err != nil {
			log.Fatalf("ses adapter: %v", err)
		}
		adapters[domain.ChannelEmail] = ses
	} else {
		logger.Warn("SES credentials absent; test sends will fail")
	}

	var ai personalize.AIClient
	if cfg.AI.Enabled && cfg.AI.APIKey != "" {
		ai = personalize.NewHTTPAIClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model)
	}

	exec := engine.NewExecutor(st, governor.New(st), personalize.New(ai), adapters, nil, cfg.Scheduler.MaxAttempts)
	handlers := api.NewHandlers(st, exec, nil)
	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, handlers)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err.Error())
	}
}

func applyLogging(cfg *config.Config) {
	switch cfg.Logging.Level {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}
}

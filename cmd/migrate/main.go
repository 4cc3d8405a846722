// Schema migration runner. Applies the idempotent schema and exits.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/intralog/outreach-engine/internal/config"
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

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("schema up to date")
}

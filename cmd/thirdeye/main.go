package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"thirdeye/internal/config"
	"thirdeye/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./thirdeye.yaml", "Path to YAML config")
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	status := web.NewStatus()
	r, err := newRuntime(ctx, cfg, status)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer r.Close()

	if cfg.Web.Enable {
		go func() {
			err := web.Serve(ctx, cfg.Web.Listen, status, logs)
			if err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
		}()
		log.Printf("web listening on %s", cfg.Web.Listen)
	}

	log.Printf("thirdeye starting mode=%s period=%s", r.mode, cfg.Loop.Period)
	r.Run(ctx)
	log.Printf("thirdeye stopping")
}

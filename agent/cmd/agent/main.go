package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/obsidianstack/perfmatrix/agent/internal/compute"
	"github.com/obsidianstack/perfmatrix/agent/internal/config"
	"github.com/obsidianstack/perfmatrix/agent/internal/scraper"
	"github.com/obsidianstack/perfmatrix/agent/internal/security"
	"github.com/obsidianstack/perfmatrix/agent/internal/shipper"
	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
)

// pipeline is one scraped source with its reading engine.
type pipeline struct {
	src    config.Source
	s      scraper.Scraper
	engine *compute.Engine
}

// pipelines is the set of active sources, swapped on config reload.
type pipelines struct {
	mu   sync.Mutex
	list []*pipeline
}

// rebuild replaces the source set. Sources whose definition is unchanged keep
// their engine, and with it their counter baselines.
func (p *pipelines) rebuild(sources []config.Source, owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := make(map[string]*pipeline, len(p.list))
	for _, pl := range p.list {
		old[pl.src.ID] = pl
	}

	next := make([]*pipeline, 0, len(sources))
	for _, src := range sources {
		if pl, ok := old[src.ID]; ok && sameSource(pl.src, src) {
			next = append(next, pl)
			continue
		}
		s, err := scraper.New(src)
		if err != nil {
			slog.Error("skipping source, could not build scraper", "source", src.ID, "err", err)
			continue
		}
		next = append(next, &pipeline{src: src, s: s, engine: compute.NewEngine(src, owner)})
		slog.Info("registered source", "id", src.ID, "type", src.Type, "endpoint", src.Endpoint, "prefix", src.Prefix())
	}
	p.list = next
}

func (p *pipelines) snapshot() []*pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pipeline(nil), p.list...)
}

// sameSource compares the fields that affect scraping and key naming.
func sameSource(a, b config.Source) bool {
	if a.Type != b.Type || a.Endpoint != b.Endpoint || a.Prefix() != b.Prefix() ||
		a.CheckCert != b.CheckCert || a.Auth != b.Auth || a.TLS != b.TLS ||
		len(a.Metrics) != len(b.Metrics) {
		return false
	}
	for i := range a.Metrics {
		x, y := a.Metrics[i], b.Metrics[i]
		if x.Name != y.Name || x.Key != y.Key || x.Mode != y.Mode || len(x.Labels) != len(y.Labels) {
			return false
		}
		for k, v := range x.Labels {
			if y.Labels[k] != v {
				return false
			}
		}
	}
	return true
}

// collect scrapes every pipeline once and returns all readings of the round.
func collect(ctx context.Context, list []*pipeline) []perfdata.Reading {
	var out []perfdata.Reading
	for _, p := range list {
		res, err := p.s.Scrape(ctx)
		if err != nil {
			slog.Warn("scrape error", "source", p.src.ID, "err", err)
			continue
		}
		out = append(out, p.engine.Process(res)...)

		if p.src.CheckCert {
			cs, err := security.Check(ctx, p.src, time.Now())
			switch {
			case errors.Is(err, security.ErrNotTLS):
			case err != nil:
				slog.Warn("cert check failed", "source", p.src.ID, "err", err)
			default:
				if cs.Status != "valid" {
					slog.Warn("certificate needs attention", "source", p.src.ID,
						"status", cs.Status, "not_after", cs.NotAfter, "issuer", cs.Issuer)
				}
				out = append(out, p.engine.Reading("cert_days_left", cs.DaysLeft, res.ScrapedAt))
			}
		}
	}
	return out
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("perfmatrix-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	ac := cfg.Agent
	level.Set(ac.SlogLevel())
	slog.Info("config loaded",
		"server_endpoint", ac.ServerEndpoint,
		"owner", ac.Owner,
		"sources", len(ac.Sources),
		"scrape_interval", ac.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var active pipelines
	active.rebuild(ac.Sources, ac.Owner)
	if len(active.snapshot()) == 0 {
		slog.Warn("no sources configured, agent will idle")
	}

	// Hot reload swaps sources and log level. The endpoint, buffer and
	// interval are fixed for the life of the process.
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			level.Set(next.Agent.SlogLevel())
			if next.Agent.ServerEndpoint != ac.ServerEndpoint || next.Agent.ScrapeInterval != ac.ScrapeInterval {
				slog.Warn("server_endpoint and scrape_interval changes need a restart")
			}
			active.rebuild(next.Agent.Sources, ac.Owner)
		})
		if err != nil {
			slog.Warn("config watch disabled", "path", *configPath, "err", err)
		}
	}()

	ship := shipper.New(ac)
	shipDone := make(chan struct{})
	go func() {
		defer close(shipDone)
		ship.Run(ctx)
	}()

	// Scrape loop: every round becomes one batch.
	ticker := time.NewTicker(ac.ScrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-shipDone
			c := ship.Counters()
			slog.Info("perfmatrix-agent stopped",
				"batches_sent", c.Sent, "batches_evicted", c.Evicted, "batches_unsent", c.Buffered)
			return
		case <-ticker.C:
			readings := collect(ctx, active.snapshot())
			ship.Ship(readings)
			slog.Debug("scrape round shipped", "readings", len(readings))
		}
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate"
	"github.com/cmdgate/cmdgate/api/gateapi"
	"github.com/cmdgate/cmdgate/cmd/cmdgate/config"
	"github.com/cmdgate/cmdgate/internal/archive"
	"github.com/cmdgate/cmdgate/internal/bootstrap"
	"github.com/cmdgate/cmdgate/internal/logger"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/internal/version"
	"github.com/cmdgate/cmdgate/storage/model"
)

func main() {
	var configFile string
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	config.Load(configFile)
	logger.Init()
	log.WithField("version", version.VERSION).Info("Loaded Config")
	c := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backs, warehouse, err := config.LoadStorageBackends(c.Storage)
	if err != nil {
		log.Fatal(err)
	}
	defer warehouse.Close()

	var notifier *rules.RedisNotifier
	if rc := c.Rules.Redis; rc.Enabled() {
		client := redis.NewClient(
			&redis.Options{
				Addr:     rc.Addr,
				Username: rc.Username,
				Password: rc.Password,
				DB:       rc.DB,
			},
		)
		if err = client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("could not connect to redis")
		}
		notifier = rules.NewRedisNotifier(client, rc.Channel)
		log.Info("Loaded Redis rule notifier")
	}

	gateConf := cmdgate.Config{
		CommandCost:      c.Pipeline.CommandCost,
		MinBalance:       c.Pipeline.MinBalance,
		MaxCommandLength: c.Pipeline.MaxCommandLength,
		MaxPatternLength: c.Rules.MaxPatternLength,
		RateLimit: gateapi.RateLimit{
			RequestsPerSecond: c.API.RateLimit.RequestsPerSecond,
			Burst:             c.API.RateLimit.Burst,
		},
		BasePath:  c.API.BasePath,
		PublicURL: c.API.PublicURL,
		AccessLog: logger.AccessLogWriter(),
	}
	if notifier != nil {
		gateConf.Notifier = notifier
	}
	if c.Metrics.Enabled {
		gateConf.MetricsPath = c.Metrics.Path
	}
	gate, err := cmdgate.NewGate(ctx, c.Server, backs, gateConf)
	if err != nil {
		log.WithError(err).Fatal("could not initialize gate")
	}
	if notifier != nil {
		if err = notifier.Subscribe(ctx, gate.Matcher()); err != nil {
			log.WithError(err).Fatal("could not subscribe to rule changes")
		}
	}
	log.Info("Initialized Gate")

	if !c.Bootstrap.Disabled {
		seed(ctx, backs, gate, c)
	}
	var wg sync.WaitGroup
	if c.Archive.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runArchive(ctx, backs.Logs, c.Archive.Dir, c.Archive.Interval.Duration())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gate.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown failed")
		}
	}()
	if err = gate.Start(); err != nil {
		log.WithError(err).Fatal("server failed")
	}
	// the server only stops cleanly after a signal; make sure the background
	// work sees it even if it did not come from one
	stop()
	wg.Wait()
	log.Info("stopped")
}

func seed(ctx context.Context, backs model.Backends, gate *cmdgate.Gate, c *config.Config) {
	s := bootstrap.DefaultSeed(c.Bootstrap.AdminAPIKey)
	if c.Bootstrap.SeedFile != "" {
		var err error
		s, err = bootstrap.LoadSeedFile(c.Bootstrap.SeedFile)
		if err != nil {
			log.WithError(err).Fatal("could not load seed file")
		}
	}
	report, err := bootstrap.Apply(ctx, backs.Principals, gate.Matcher(), s)
	if err != nil {
		log.WithError(err).Fatal("could not seed database")
	}
	for _, p := range report.Principals {
		// generated credentials cannot be recovered later
		log.WithFields(
			log.Fields{
				"user":    p.Username,
				"api_key": p.Credential,
			},
		).Warn("created principal; store this credential now")
	}
	if report.Rules > 0 {
		log.WithField("rules", report.Rules).Info("seeded rules")
	}
}

func runArchive(ctx context.Context, logs model.LogStore, dir string, interval time.Duration) {
	a, err := archive.Open(dir)
	if err != nil {
		log.WithError(err).Error("could not open audit archive")
		return
	}
	defer a.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err = a.Export(ctx, logs); err != nil {
			log.WithError(err).Error("audit log export failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

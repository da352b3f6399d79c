package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/artifact"
	"fleet-cd/internal/config"
	"fleet-cd/internal/deploy"
	"fleet-cd/internal/fleet"
	"fleet-cd/internal/history"
	"fleet-cd/internal/hostrun"
	"fleet-cd/internal/monitor"
	"fleet-cd/internal/notify"
	"fleet-cd/internal/params"
	"fleet-cd/internal/release"
	"fleet-cd/internal/supervisor"
	"fleet-cd/internal/transport"
	"fleet-cd/internal/types"
)

func main() {
	startTime := time.Now()

	configFile := flag.String("config", "config.yaml", "config file path")
	releaseID := flag.String("release", "", "release identifier to deploy (required)")
	env := flag.String("env", "", "target environment (required)")
	project := flag.String("project", "", "project the service belongs to")
	service := flag.String("service", "", "service to deploy (required)")
	namespace := flag.String("namespace", "artifacts", "artifact namespace in the blob store")
	script := flag.String("script", "", "entry script inside the release (default app.js)")
	port := flag.Int("port", 0, "service port for the health gate (required)")
	strategy := flag.String("strategy", "", "process strategy: reload (default) or replace")
	requireConfig := flag.Bool("require-config", false, "fail before dispatch when no runtime configuration exists")
	concurrency := flag.Int("concurrency", 0, "hosts deployed in parallel (default from config)")
	maxErrors := flag.Int("max-errors", 0, "host failures tolerated before halting the rollout")
	historyN := flag.Int("history", 0, "print the last N deployments for -service and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logrus.Fatalf(color.RedString("load config failed: %v"), err)
	}

	if *historyN > 0 {
		printHistory(cfg, *service, *historyN)
		return
	}

	if *releaseID == "" || *env == "" || *service == "" || *port == 0 {
		flag.Usage()
		logrus.Fatal(color.RedString("-release, -env, -service and -port are required"))
	}

	paramStore, err := params.NewRedisStore(&cfg.ParamStore)
	if err != nil {
		logrus.Fatalf(color.RedString("param store connect failed: %v"), err)
	}
	defer func() {
		if err := paramStore.Close(); err != nil {
			logrus.Errorf(color.RedString("param store close failed: %v"), err)
		}
	}()
	loader := &params.Loader{Store: paramStore}

	tr, err := buildTransport(cfg, loader)
	if err != nil {
		logrus.Fatalf(color.RedString("transport init failed: %v"), err)
	}

	inv, err := buildInventory(cfg)
	if err != nil {
		logrus.Fatalf(color.RedString("inventory init failed: %v"), err)
	}

	orch := &deploy.Orchestrator{
		Dispatcher: &fleet.Dispatcher{Inventory: inv, Params: loader, Transport: tr},
		Monitor: &monitor.Monitor{
			Transport:   tr,
			Interval:    time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
			MaxAttempts: cfg.Monitor.MaxAttempts,
		},
		Transport: tr,
	}

	if cfg.Mongo.URI != "" {
		hist, err := history.NewMongoHistory(&cfg.Mongo)
		if err != nil {
			logrus.Fatalf(color.RedString("history store connect failed: %v"), err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hist.Close(ctx); err != nil {
				logrus.Errorf(color.RedString("history store close failed: %v"), err)
			}
		}()
		orch.History = hist
	} else {
		logrus.Warn(color.YellowString("mongo uri not configured, deployment history disabled"))
	}

	notifier, err := notify.NewTelegramNotifier(&cfg.Telegram)
	if err != nil {
		logrus.Fatalf(color.RedString("telegram init failed: %v"), err)
	}
	if notifier != nil {
		orch.Notifier = notifier
	}

	maxConc := *concurrency
	if maxConc <= 0 {
		maxConc = cfg.Rolling.MaxConcurrency
	}
	maxErr := *maxErrors
	if maxErr <= 0 {
		maxErr = cfg.Rolling.MaxErrors
	}

	req := types.DeployRequest{
		ReleaseID:      *releaseID,
		Environment:    *env,
		Project:        *project,
		Service:        *service,
		Namespace:      *namespace,
		Script:         *script,
		Port:           *port,
		Strategy:       *strategy,
		ConfigRequired: *requireConfig,
		MaxConcurrency: maxConc,
		MaxErrors:      maxErr,
		User:           os.Getenv("USER"),
		CreatedAt:      time.Now().UTC(),
	}

	// SIGINT cancels the job on the transport; the monitor keeps polling
	// until the job settles, so in-flight hosts still finish cleanly
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logrus.Warnf(color.YellowString("received %s, cancelling deployment..."), sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.CancelActive(ctx)
	}()

	outcome, err := orch.Deploy(context.Background(), req)
	if err != nil {
		logrus.Errorf(color.RedString("deployment failed: %v"), err)
	}
	if !outcome.Success() {
		os.Exit(1)
	}

	logrus.Infof(color.GreenString("done in %v"), time.Since(startTime).Round(time.Second))
	os.Exit(0)
}

// buildTransport wires either the in-process runner or a remote runner
// service, per config.
func buildTransport(cfg *config.Config, loader *params.Loader) (transport.Transport, error) {
	switch cfg.Transport.Mode {
	case "http":
		if cfg.Transport.BaseURL == "" {
			return nil, fmt.Errorf("transport mode http requires base_url")
		}
		return transport.NewHTTP(cfg.Transport.BaseURL), nil
	case "local":
		blob, err := artifact.NewMinioStore(&cfg.Blob)
		if err != nil {
			return nil, err
		}
		runner := &hostrun.Runner{
			Verifier:       &artifact.Verifier{Store: blob},
			Releases:       &release.Store{Root: cfg.Release.Root, Retain: cfg.Release.Retain},
			Params:         loader,
			Supervisor:     supervisor.NewPM2(),
			HealthPath:     cfg.Health.Path,
			HealthInterval: time.Duration(cfg.Health.IntervalSeconds) * time.Second,
			HealthAttempts: cfg.Health.MaxAttempts,
		}
		return transport.NewLocal(runner), nil
	}
	return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
}

func buildInventory(cfg *config.Config) (fleet.Inventory, error) {
	switch cfg.Inventory.Mode {
	case "kubernetes":
		return fleet.NewKubeInventory(cfg.Inventory.KubeConfigPath)
	case "static":
		if len(cfg.Inventory.Hosts) == 0 {
			return nil, fmt.Errorf("static inventory has no hosts")
		}
		return fleet.NewStaticInventory(&cfg.Inventory), nil
	}
	return nil, fmt.Errorf("unknown inventory mode %q", cfg.Inventory.Mode)
}

func printHistory(cfg *config.Config, service string, n int) {
	if cfg.Mongo.URI == "" {
		logrus.Fatal(color.RedString("history requires a configured mongo uri"))
	}
	hist, err := history.NewMongoHistory(&cfg.Mongo)
	if err != nil {
		logrus.Fatalf(color.RedString("history store connect failed: %v"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer hist.Close(ctx)

	records, err := hist.Recent(ctx, service, n)
	if err != nil {
		logrus.Fatalf(color.RedString("fetch history failed: %v"), err)
	}
	for _, rec := range records {
		verdict := color.GreenString(string(rec.State))
		if rec.State != types.StateSuccess {
			verdict = color.RedString(string(rec.State))
		}
		fmt.Printf("%s  %-20s %-12s %-8s %2d hosts  %s\n",
			rec.FinishedAt.Format("2006-01-02 15:04:05"),
			rec.ReleaseID, rec.Service, rec.Environment, len(rec.Hosts), verdict)
	}
}

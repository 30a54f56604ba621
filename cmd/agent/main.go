// Command agent is the endpoint security agent service: it enrolls with a
// manager, maintains a durable local queue of telemetry, and executes
// commands the manager dispatches -- all as a set of cooperative tasks
// supervised by internal/taskmanager.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/Docker-Sentinel/internal/agentinfo"
	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
	"github.com/Will-Luck/Docker-Sentinel/internal/commandhandler"
	"github.com/Will-Luck/Docker-Sentinel/internal/commandstore"
	"github.com/Will-Luck/Docker-Sentinel/internal/communicator"
	"github.com/Will-Luck/Docker-Sentinel/internal/config"
	"github.com/Will-Luck/Docker-Sentinel/internal/events"
	"github.com/Will-Luck/Docker-Sentinel/internal/httpclient"
	"github.com/Will-Luck/Docker-Sentinel/internal/instancecomm"
	"github.com/Will-Luck/Docker-Sentinel/internal/logging"
	"github.com/Will-Luck/Docker-Sentinel/internal/module"
	"github.com/Will-Luck/Docker-Sentinel/internal/queue"
	"github.com/Will-Luck/Docker-Sentinel/internal/registration"
	"github.com/Will-Luck/Docker-Sentinel/internal/store"
	"github.com/Will-Luck/Docker-Sentinel/internal/taskmanager"
	"github.com/Will-Luck/Docker-Sentinel/internal/tracing"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	yamlPath := flag.String("config", os.Getenv("AGENT_CONFIG_FILE"), "path to optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*yamlPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	fmt.Println("agent " + versionString())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(tracing.Config{
			Enabled:        true,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			OTLPEndpoint:   cfg.OTLPEndpoint,
		})
		if err != nil {
			log.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			_ = shutdown(shutCtx)
		}()
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	q := queue.New(db, queue.Config{
		Stateless: queue.Limits{MaxCount: cfg.StatelessMaxCount, MaxBytes: cfg.StatelessMaxBytes},
		Stateful:  queue.Limits{MaxCount: cfg.StatefulMaxCount, MaxBytes: cfg.StatefulMaxBytes},
		Command:   queue.Limits{MaxCount: cfg.CommandMaxCount, MaxBytes: cfg.CommandMaxBytes},
	})
	cmds := commandstore.New(db, clock.Real{})
	identity := agentinfo.New(db, log.Logger)
	bus := events.New()

	client := httpclient.New(httpclient.VerifyMode(cfg.TLSVerifyMode))

	info, ok, err := identity.Load()
	if err != nil {
		log.Error("failed to load agent identity", "error", err)
		os.Exit(1)
	}
	if !ok {
		if cfg.EnrollUser == "" || cfg.EnrollPassword == "" {
			log.Error("agent is not enrolled and AGENT_ENROLL_USER/AGENT_ENROLL_PASSWORD are not set")
			os.Exit(1)
		}
		log.Info("agent not yet enrolled, registering with manager", "server", cfg.ServerHost)
		info, err = registration.Register(client, identity, registration.Params{
			Server:   httpclient.Params{Host: cfg.ServerHost, Port: cfg.ServerPort, Scheme: cfg.ServerScheme, Verify: httpclient.VerifyMode(cfg.TLSVerifyMode)},
			User:     cfg.EnrollUser,
			Password: cfg.EnrollPassword,
			Name:     cfg.AgentName,
		})
		if err != nil {
			log.Error("registration failed", "error", err)
			os.Exit(1)
		}
		log.Info("registration complete", "uuid", info.UUID)
	}

	if groups := cfg.Groups(); len(groups) > 0 {
		info.Groups = groups
		if err := identity.Save(info); err != nil {
			log.Warn("failed to persist configured group membership", "error", err)
		}
	}

	// Modules are registered by collaborators that extend the agent with
	// concrete telemetry/response capabilities; the core ships with none.
	registry, err := module.NewRegistry()
	if err != nil {
		log.Error("failed to build module registry", "error", err)
		os.Exit(1)
	}
	if err := registry.StartAll(ctx); err != nil {
		log.Error("failed to start modules", "error", err)
		os.Exit(1)
	}

	comm := communicator.New(client, q, cmds, bus, log.Logger, communicator.Config{
		Server:           httpclient.Params{Host: cfg.ServerHost, Port: cfg.ServerPort, Scheme: cfg.ServerScheme, Verify: httpclient.VerifyMode(cfg.TLSVerifyMode)},
		UUID:             info.UUID,
		Key:              info.Key,
		SafetySkew:       cfg.SafetySkew,
		LongPollWait:     cfg.LongPollWait,
		RetryInterval:    cfg.RetryInterval,
		BatchSize:        cfg.BatchSize,
		BatchBytes:       cfg.BatchBytes,
		MaxPoisonRetries: cfg.MaxPoisonRetries,
	})

	handler := commandhandler.New(q, cmds, registry, bus, log.Logger, clock.Real{}, commandhandler.Config{
		IdleBackoff:    cfg.CommandIdleBackoff,
		DefaultTimeout: cfg.CommandTimeout,
	})

	if err := handler.RecoverInProgress(ctx); err != nil {
		log.Error("failed to recover in-progress commands", "error", err)
		os.Exit(1)
	}

	tasks := taskmanager.New(log.Logger)
	if err := tasks.ScheduleCron(cfg.WedgedSweepCron, func() {
		if err := handler.SweepWedged(cfg.WedgedTimeout); err != nil {
			log.Warn("wedged command sweep failed", "error", err)
		}
	}); err != nil {
		log.Error("failed to schedule wedged command sweep", "error", err)
		os.Exit(1)
	}
	tasks.StartCron()

	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			_ = metricsSrv.Shutdown(shutCtx)
		}()
	}

	supervised := []taskmanager.SupervisedTask{
		{ID: "communicator.token-refresh", Fn: comm.RunTokenRefresh},
		{ID: "communicator.command-poll", Fn: comm.RunCommandPoll},
		{ID: "communicator.upload", Fn: comm.RunUpload},
		{ID: "commandhandler.run", Fn: handler.Run},
	}

	endpoint := cfg.IPCEndpoint
	if endpoint == "" {
		endpoint = instancecomm.DefaultEndpoint
	}
	lis, err := instancecomm.NewListener(endpoint)
	if err != nil {
		log.Error("failed to bind local control endpoint", "error", err)
		os.Exit(1)
	}
	ipc := instancecomm.New(lis, instancecomm.Handlers{
		ReloadAll: func() {
			log.Info("reload requested over local control endpoint")
		},
		ReloadModule: func(name string) {
			log.Info("module reload requested over local control endpoint", "module", name)
		},
	}, bus, log.Logger)
	supervised = append(supervised, taskmanager.SupervisedTask{ID: "instancecomm.serve", Fn: ipc.Serve})

	log.Info("agent started", "version", version, "commit", commit, "server", cfg.ServerHost)

	err = tasks.Supervise(ctx, supervised)

	comm.Stop()
	ipc.Stop()
	tasks.Stop(10 * time.Second)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if stopErr := registry.StopAll(shutCtx); stopErr != nil {
		log.Warn("module shutdown reported errors", "error", stopErr)
	}
	shutCancel()

	if err != nil && ctx.Err() == nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("agent shutdown complete")
}

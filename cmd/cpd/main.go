// Command cpd is the control plane daemon: it wires the connection
// registry, presence store, approval gate, broker assigner, scheduler and
// HTTP/WebSocket gateway into one running process and serves until
// signalled to stop.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/ctlplane/internal/approval"
	"github.com/basket/ctlplane/internal/assigner"
	"github.com/basket/ctlplane/internal/audit"
	"github.com/basket/ctlplane/internal/channels"
	"github.com/basket/ctlplane/internal/config"
	"github.com/basket/ctlplane/internal/envelope"
	"github.com/basket/ctlplane/internal/gateway"
	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/otel"
	"github.com/basket/ctlplane/internal/policy"
	"github.com/basket/ctlplane/internal/presence"
	"github.com/basket/ctlplane/internal/registry"
	"github.com/basket/ctlplane/internal/scheduler"
	"github.com/basket/ctlplane/internal/store"
	"github.com/basket/ctlplane/internal/telemetry"
	"github.com/basket/ctlplane/internal/webhook"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `cpd - control plane daemon

Usage:
  %s [flags]

Flags:
  -home string   override the daemon state directory (default: $CTLPLANE_HOME or ~/.ctlplane)

The daemon reads config.yaml and policy.yaml from its home directory and
listens on the configured bind address for client REST traffic and agent
WebSocket connections.
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	homeFlag := flag.String("home", "", "override daemon home directory")
	flag.Usage = printUsage
	flag.Parse()

	if *homeFlag != "" {
		os.Setenv("CTLPLANE_HOME", *homeFlag)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowedOrigins) == 0 {
			logger.Warn("allowed_origins is empty on non-loopback bind; cross-origin browser requests will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Observability.Enabled,
		Exporter:    cfg.Observability.Exporter,
		Endpoint:    cfg.Observability.Endpoint,
		ServiceName: cfg.Observability.ServiceName,
		SampleRate:  cfg.Observability.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	eventBus := notify.NewWithLogger(logger)
	subs := notify.NewSubscribers()

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "ctlplane.db")
	}
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := st.RecoverInFlightTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	for _, taskID := range recovered {
		eventBus.Publish(notify.TopicTaskCreated, notify.TaskCreatedEvent{TaskID: taskID})
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", len(recovered))

	policyPath := cfg.Policy.Path
	if policyPath == "" {
		policyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if filepath.Base(ev.Path) != "policy.yaml" {
					continue
				}
				if err := policy.ReloadFromFile(pol, policyPath); err != nil {
					logger.Error("policy reload failed", "error", err)
					continue
				}
				logger.Info("policy reloaded", "policy_version", pol.PolicyVersion())
			}
		}()
	}

	reg := registry.New()
	reg.SetMetrics(metrics)
	pres := presence.New(logger)
	pres.StartEviction(ctx, time.Duration(cfg.PresenceSweepSeconds)*time.Second)

	signer := envelope.NewSigner(envelope.KeySet{
		ActiveKid: cfg.AgentKeys.ActiveKid,
		Keys:      cfg.AgentKeys.Keys,
	})

	gate := approval.New(st, subs, eventBus, time.Duration(cfg.ApprovalTTLMinutes)*time.Minute, logger)
	gate.StartSweep(ctx)

	asn := assigner.New(st, pres, reg, signer, eventBus, logger)
	asn.SetTelemetry(otelProvider.Tracer, metrics)
	go asn.Run(ctx)

	hooks := webhook.New(st, pol, logger)
	hooks.SetTelemetry(otelProvider.Tracer, metrics)

	gw := gateway.NewServer(cfg, gateway.Deps{
		Store:    st,
		Registry: reg,
		Presence: pres,
		Signer:   signer,
		Bus:      eventBus,
		Subs:     subs,
		Gate:     gate,
		Assigner: asn,
		Webhooks: hooks,
		Policy:   pol,
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
	})

	sched := scheduler.NewScheduler(scheduler.Config{
		Store:    st,
		Subs:     subs,
		Logger:   logger,
		Interval: time.Duration(cfg.SchedulerIntervalSecs) * time.Second,
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				st,
				gate,
				logger,
				eventBus,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Routes(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "gateway_listener_bound", "addr", cfg.BindAddr)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

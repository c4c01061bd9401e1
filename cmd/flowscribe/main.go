// Command flowscribe runs the capture proxy, processing pipeline, and
// dashboard API, plus the operational subcommands around them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowscribe/flowscribe/internal/analytics"
	"github.com/flowscribe/flowscribe/internal/api"
	"github.com/flowscribe/flowscribe/internal/buffer"
	"github.com/flowscribe/flowscribe/internal/cache"
	"github.com/flowscribe/flowscribe/internal/config"
	"github.com/flowscribe/flowscribe/internal/dispatch"
	"github.com/flowscribe/flowscribe/internal/export"
	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/live"
	"github.com/flowscribe/flowscribe/internal/observability"
	"github.com/flowscribe/flowscribe/internal/pathutil"
	"github.com/flowscribe/flowscribe/internal/pipeline"
	"github.com/flowscribe/flowscribe/internal/proxy"
	"github.com/flowscribe/flowscribe/internal/retention"
	"github.com/flowscribe/flowscribe/internal/version"
)

const (
	defaultConfigPath = "flowscribe.yaml"

	serverShutdownTimeout   = 5 * time.Second
	otelShutdownTimeout     = 5 * time.Second
	exporterShutdownTimeout = 10 * time.Second
)

// signalNotifyContext is swapped out by shutdown tests.
var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "tail":
		return runTail(args[1:], os.Stdout, os.Stderr)
	case "shell-init":
		return runShellInit(args[1:], os.Stdout, os.Stderr)
	case "wrap":
		return runWrap(args[1:], os.Stderr)
	case "version", "--version", "-v":
		fmt.Println(version.String())
		fmt.Println(version.Runtime())
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `flowscribe records HTTP traffic crossing its capture proxy and keeps
an inspectable ledger of the LLM calls inside it.

Usage:
  flowscribe [command] [flags]

Commands:
  serve            run the capture proxy and dashboard API (default)
  config validate  check that a configuration file loads and validates
  doctor           check config, storage, routes, cache, and retention
  report           summarize recorded usage over a time range
  tail             print recent traffic from the live buffer
  shell-init       print shell exports that point SDKs at the capture proxy
  wrap             run a command with capture environment variables applied
  version          print build information

Most commands accept --config (default `+defaultConfigPath+`).
`)
}

func runConfig(args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "config requires a subcommand: validate")
		return 2
	}
	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown config subcommand %q\n", args[0])
		return 2
	}
}

func runConfigValidate(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", defaultConfigPath, "path to configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}
	if _, stage, err := loadAndValidateConfig(*configPath); err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}
	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath := flags.String("config", defaultConfigPath, "path to configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "serve does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := observability.NewLogger(cfg.Logging, os.Stdout)

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime)
	}

	flowStore, err := openFlowStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize flow storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := flowStore.Close(); err != nil {
			logger.Error("failed to close flow store", "error", err)
		}
	}()

	var redisClient *redis.Client
	var dedupCache *cache.Client
	var trafficBuffer *buffer.Writer
	if cfg.Cache.Enabled {
		opTimeout := time.Duration(cfg.Cache.OpTimeoutMS) * time.Millisecond
		redisClient = cache.NewRedisClient(cache.RedisConfig{
			Addr:      cfg.Cache.Addr,
			Password:  cfg.Cache.Password,
			DB:        cfg.Cache.DB,
			OpTimeout: opTimeout,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("failed to close key-value client", "error", err)
			}
		}()
		dedupCache = cache.New(redisClient, cache.Config{OpTimeout: opTimeout, Logger: logger})
		if cfg.Buffer.Enabled {
			trafficBuffer = buffer.NewWriter(redisClient, buffer.Config{
				StreamKey: cfg.Buffer.Stream,
				MaxLen:    cfg.Buffer.MaxLen,
				OpTimeout: opTimeout,
				Logger:    logger,
			})
		}
	}

	var spanExporter *export.Exporter
	if cfg.Export.Enabled {
		spanExporter, err = export.New(context.Background(), export.Config{
			Endpoint:       cfg.Export.Endpoint,
			Insecure:       cfg.Export.Insecure,
			Headers:        cfg.Export.Headers,
			QueueCapacity:  cfg.Export.QueueSize,
			BatchSize:      cfg.Export.BatchSize,
			Retry:          retryPolicyFromConfig(cfg.Export.Retry),
			ServiceName:    "flowscribe",
			ServiceVersion: version.Version,
			Logger:         logger,
		}, flowStore)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize span exporter: %v\n", err)
			return 1
		}
		defer shutdownSpanExporter(logger, spanExporter)
	}

	liveHub := live.NewHub(live.Config{Logger: logger})
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go liveHub.Run(hubCtx)

	deps := pipeline.Deps{Store: flowStore, Cache: dedupCache, Live: liveHub}
	// Interface fields stay nil unless the concrete value exists.
	if spanExporter != nil {
		deps.Exporter = spanExporter
	}
	if trafficBuffer != nil {
		deps.Buffer = trafficBuffer
	}
	processor, err := pipeline.New(deps, pipeline.Config{
		DedupTTL: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize pipeline: %v\n", err)
		return 1
	}

	queue := dispatch.NewQueue(processor.Process, dispatch.Config{
		Workers:           cfg.Pipeline.Workers,
		PartitionCapacity: cfg.Pipeline.QueueCapacity,
		Logger:            logger,
	})
	queue.Start(context.Background())

	normalizer, err := flow.NewNormalizer(flow.NormalizerConfig{
		PreviewBytes: cfg.Buffer.PreviewBytes,
		Emit:         func(rec *flow.Record) { queue.Enqueue(rec) },
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize flow normalizer: %v\n", err)
		return 1
	}

	attachPipelineMetrics(otelRuntime, queue, processor, dedupCache, trafficBuffer)

	pruner := retention.NewPruner(flowStore, retention.Config{
		Enabled:  cfg.Retention.Enabled,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
		MaxRows:  cfg.Retention.MaxRows,
		Logger:   logger,
	})

	proxyOptions := proxy.HandlerOptions{
		Events:          normalizer,
		CaptureMaxBytes: cfg.Proxy.CaptureMaxBytes,
	}
	if otelRuntime != nil && otelRuntime.Enabled() {
		proxyOptions.Transport = otelRuntime.WrapHTTPTransport(http.DefaultTransport)
		proxyOptions.OnExchange = otelRuntime.RecordProxyRequest
	}
	proxyHandler, err := proxy.NewHandlerWithOptions(routesFromConfig(cfg.Proxy.Routes), logger, http.NotFoundHandler(), proxyOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure capture routes: %v\n", err)
		return 1
	}

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         flowStore,
		Analytics:     analytics.NewService(flowStore),
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   storageLocation(cfg.Storage),
		AuthToken:     cfg.Server.AuthToken,
		LiveHandler:   liveHub.Handler(cfg.Server.AuthToken),
		Diagnostics: func() api.Diagnostics {
			return collectDiagnostics(normalizer, queue, processor, dedupCache, trafficBuffer, spanExporter, liveHub, pruner)
		},
	})
	var dashboardHandler http.Handler = apiHandler
	if otelRuntime != nil && otelRuntime.Enabled() {
		dashboardHandler = otelRuntime.WrapHTTPHandler(otelRuntime.SpanEnrichmentMiddleware(apiHandler))
	}

	proxyServer := newHTTPServer(cfg.Proxy.Address(), logger, proxyHandler)
	apiServer := newHTTPServer(cfg.Server.Address(), logger, dashboardHandler)

	logger.Info("flowscribe started",
		"version", version.String(),
		"api_addr", cfg.Server.Address(),
		"capture_addr", cfg.Proxy.Address(),
		"storage_driver", cfg.Storage.Driver,
		"routes", routeSummaries(cfg.Proxy.Routes),
		"config_path", *configPath,
		"cache_enabled", cfg.Cache.Enabled,
		"buffer_enabled", cfg.Buffer.Enabled,
		"export_enabled", cfg.Export.Enabled,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pruner.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start retention scheduler: %v\n", err)
		return 1
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("capture proxy listening", "addr", proxyServer.Addr)
		if err := proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("capture listener: %w", err)
		}
	}()
	go func() {
		logger.Info("dashboard api listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api listener: %w", err)
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
		exitCode = 1
	}

	shutdownHTTPServer(logger, proxyServer, "capture")
	shutdownHTTPServer(logger, apiServer, "api")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), time.Duration(cfg.Pipeline.ShutdownGraceMS)*time.Millisecond)
	if err := queue.Shutdown(drainCtx); err != nil {
		logger.Warn("pipeline drain exceeded grace period", "error", err)
	}
	cancelDrain()

	pruner.Stop()
	stopHub()

	logger.Info("flowscribe stopped")
	return exitCode
}

func collectDiagnostics(
	normalizer *flow.Normalizer,
	queue *dispatch.Queue,
	processor *pipeline.Processor,
	dedupCache *cache.Client,
	trafficBuffer *buffer.Writer,
	spanExporter *export.Exporter,
	liveHub *live.Hub,
	pruner *retention.Pruner,
) api.Diagnostics {
	var diag api.Diagnostics
	normalizerDiag := normalizer.Diagnostics()
	diag.Normalizer = &normalizerDiag
	queueDiag := queue.Diagnostics()
	diag.Queue = &queueDiag
	pipelineDiag := processor.Diagnostics()
	diag.Pipeline = &pipelineDiag
	if dedupCache != nil {
		cacheDiag := dedupCache.Diagnostics()
		diag.Cache = &cacheDiag
	}
	if trafficBuffer != nil {
		bufferDiag := trafficBuffer.Diagnostics()
		diag.Buffer = &bufferDiag
	}
	if spanExporter != nil {
		exportDiag := spanExporter.Diagnostics()
		diag.Export = &exportDiag
	}
	liveDiag := liveHub.Diagnostics()
	diag.Live = &liveDiag
	retentionDiag := pruner.Diagnostics()
	diag.Retention = &retentionDiag
	return diag
}

func attachPipelineMetrics(
	rt *observability.Runtime,
	queue *dispatch.Queue,
	processor *pipeline.Processor,
	dedupCache *cache.Client,
	trafficBuffer *buffer.Writer,
) {
	if rt == nil || !rt.Enabled() {
		return
	}
	queue.SetMetrics(&dispatch.Metrics{
		OnEnqueue: rt.RecordQueueAccepted,
		OnDrop:    rt.RecordQueueDrop,
		OnProcess: rt.RecordProcessDuration,
		OnLost:    rt.RecordQueueLost,
	})
	rt.RegisterQueueDepthGauge(func() int { return queue.Diagnostics().QueueDepth })
	rt.RegisterQueueCapacityGauge(func() int {
		d := queue.Diagnostics()
		return d.Workers * d.PartitionCapacity
	})
	processor.SetMetrics(&pipeline.Metrics{
		OnPersisted:     rt.RecordFlowPersisted,
		OnPersistFailed: rt.RecordPersistFailure,
		OnSpanInserted:  rt.RecordSpanInserted,
		OnSpanDeduped:   rt.RecordSpanDeduped,
		OnQuotaCaptured: rt.RecordQuotaCaptured,
	})
	if dedupCache != nil {
		dedupCache.SetMetrics(&cache.Metrics{
			OnHit:   rt.RecordCacheHit,
			OnMiss:  rt.RecordCacheMiss,
			OnError: rt.RecordCacheError,
		})
	}
	if trafficBuffer != nil {
		trafficBuffer.SetMetrics(&buffer.Metrics{
			OnPublish: rt.RecordBufferPublished,
			OnError:   rt.RecordBufferError,
		})
	}
}

// newHTTPServer applies the shared timeout profile. WriteTimeout stays
// unset so streamed upstream responses are not cut mid-body.
func newHTTPServer(addr string, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           proxy.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func shutdownHTTPServer(logger *slog.Logger, srv *http.Server, name string) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "server", name, "error", err)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, rt *observability.Runtime) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down opentelemetry", "error", err)
	}
}

func shutdownSpanExporter(logger *slog.Logger, exporter *export.Exporter) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), exporterShutdownTimeout)
	defer cancel()
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down span exporter", "error", err)
	}
}

func routesFromConfig(routes []config.RouteConfig) []proxy.Route {
	out := make([]proxy.Route, 0, len(routes))
	for _, route := range routes {
		out = append(out, proxy.Route{Name: route.Name, Prefix: route.Prefix, Upstream: route.Upstream})
	}
	return out
}

func routeSummaries(routes []config.RouteConfig) []string {
	out := make([]string, 0, len(routes))
	for _, route := range routes {
		out = append(out, fmt.Sprintf("%s:%s->%s", route.Name, route.Prefix, route.Upstream))
	}
	return out
}

func storageLocation(cfg config.StorageConfig) string {
	// The postgres DSN can carry credentials, so only the sqlite path is
	// surfaced through the API.
	if cfg.Driver == "sqlite" {
		return cfg.Path
	}
	return ""
}

func runShellInit(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("shell-init", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", defaultConfigPath, "path to configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 0 {
		fmt.Fprintln(errOut, "shell-init does not accept positional arguments")
		return 2
	}
	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}
	script, err := captureShellInitScript(cfg.Proxy)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	fmt.Fprint(out, script)
	return 0
}

func runWrap(args []string, errOut io.Writer) int {
	flags := flag.NewFlagSet("wrap", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", defaultConfigPath, "path to configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	command := flags.Args()
	if len(command) == 0 {
		fmt.Fprintln(errOut, "wrap requires a command to run")
		return 2
	}
	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}
	env, err := captureCommandEnv(os.Environ(), cfg.Proxy)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	return runWrappedCommand(command, env, errOut)
}

func runWrappedCommand(command, env []string, errOut io.Writer) int {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = env
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(errOut, "failed to start command: %v\n", err)
		return 1
	}
	return 0
}

// captureEnvVars maps well-known SDK base URL variables onto the
// configured capture routes. Routes with other names are reachable but
// have no standard environment variable to claim.
func captureEnvVars(proxyCfg config.ProxyConfig) (map[string]string, error) {
	base := captureBaseURL(proxyCfg.Host, proxyCfg.Port)
	vars := make(map[string]string)
	for _, route := range proxyCfg.Routes {
		switch strings.ToLower(strings.TrimSpace(route.Name)) {
		case "openai":
			vars["OPENAI_BASE_URL"] = base + openAIBasePath(route.Prefix)
		case "anthropic":
			vars["ANTHROPIC_BASE_URL"] = base + pathutil.NormalizePrefix(route.Prefix)
		}
	}
	if len(vars) == 0 {
		return nil, errors.New("no capture route named openai or anthropic is configured")
	}
	return vars, nil
}

func captureShellInitScript(proxyCfg config.ProxyConfig) (string, error) {
	vars, err := captureEnvVars(proxyCfg)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	var script strings.Builder
	for _, name := range names {
		fmt.Fprintf(&script, "export %s=%s\n", name, vars[name])
	}
	return script.String(), nil
}

func captureCommandEnv(environ []string, proxyCfg config.ProxyConfig) ([]string, error) {
	vars, err := captureEnvVars(proxyCfg)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string, len(environ)+len(vars))
	for _, entry := range environ {
		idx := strings.IndexByte(entry, '=')
		if idx <= 0 {
			continue
		}
		merged[entry[:idx]] = entry[idx+1:]
	}
	for name, value := range vars {
		merged[name] = value
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+"="+merged[name])
	}
	return out, nil
}

// captureBaseURL turns the listen address into something an SDK can dial.
// Wildcard binds become localhost.
func captureBaseURL(host string, port int) string {
	trimmed := strings.TrimSpace(host)
	switch trimmed {
	case "", "0.0.0.0", "::", "[::]":
		trimmed = "localhost"
	}
	if strings.Contains(trimmed, ":") && !strings.HasPrefix(trimmed, "[") {
		trimmed = "[" + trimmed + "]"
	}
	return "http://" + trimmed + ":" + strconv.Itoa(port)
}

// openAIBasePath appends the /v1 segment the OpenAI SDK expects in its
// base URL unless the route prefix already carries it.
func openAIBasePath(prefix string) string {
	normalized := pathutil.NormalizePrefix(prefix)
	if strings.HasSuffix(normalized, "/v1") {
		return normalized
	}
	return strings.TrimRight(normalized, "/") + "/v1"
}

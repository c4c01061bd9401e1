package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowscribe/flowscribe/internal/cache"
	"github.com/flowscribe/flowscribe/internal/config"
	"github.com/flowscribe/flowscribe/internal/pathutil"
	"github.com/flowscribe/flowscribe/internal/proxy"
	"github.com/flowscribe/flowscribe/internal/store"
)

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"

	doctorProbeTimeout = 5 * time.Second
)

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

func runDoctor(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", defaultConfigPath, "path to configuration file")
	rawFormat := flags.String("format", "text", "output format: text or json")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("doctor", *rawFormat, "text")
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 2
	}

	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  *configPath,
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		summary := "configuration failed to load"
		if stage == configStageValidate {
			summary = "configuration failed validation"
		}
		doc.Checks = []doctorCheck{
			{Name: "config", Status: doctorStatusFail, Summary: summary, Details: []string{err.Error()}},
			doctorSkippedCheck("storage", "skipped: config failed to load"),
			doctorSkippedCheck("route_wiring", "skipped: config failed to load"),
			doctorSkippedCheck("cache", "skipped: config failed to load"),
			doctorSkippedCheck("retention", "skipped: config failed to load"),
		}
	} else {
		doc.Checks = []doctorCheck{
			doctorConfigCheck(cfg, *configPath),
			doctorStorageCheck(cfg, errOut),
			doctorRouteWiringCheck(cfg),
			doctorCacheCheck(cfg, errOut),
			doctorRetentionCheck(cfg),
		}
	}
	doc.OverallStatus = doctorOverallStatus(doc.Checks)

	switch format {
	case "json":
		if err := writeDoctorJSON(out, doc); err != nil {
			fmt.Fprintf(errOut, "failed to write doctor report: %v\n", err)
			return 1
		}
	default:
		writeDoctorText(out, doc)
	}

	if doc.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{Name: name, Status: doctorStatusSkip, Summary: summary}
}

func doctorConfigCheck(cfg config.Config, configPath string) doctorCheck {
	details := []string{
		fmt.Sprintf("path: %s", configPath),
		fmt.Sprintf("api address: %s", cfg.Server.Address()),
		fmt.Sprintf("capture address: %s", cfg.Proxy.Address()),
	}
	if strings.TrimSpace(cfg.Server.AuthToken) == "" && !isLoopbackHost(cfg.Server.Host) {
		return doctorCheck{
			Name:    "config",
			Status:  doctorStatusWarn,
			Summary: "dashboard api binds a non-loopback address without an auth token",
			Details: details,
		}
	}
	return doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "configuration loaded and validated",
		Details: details,
	}
}

func isLoopbackHost(host string) bool {
	trimmed := strings.TrimSpace(host)
	if strings.EqualFold(trimmed, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(trimmed, "[]"))
	return ip != nil && ip.IsLoopback()
}

func doctorStorageCheck(cfg config.Config, errOut io.Writer) doctorCheck {
	st, err := openFlowStore(cfg)
	if err != nil {
		return doctorCheck{
			Name:    "storage",
			Status:  doctorStatusFail,
			Summary: fmt.Sprintf("storage failed to open: %v", err),
		}
	}
	defer closeFlowStoreWithWarning(st, errOut)

	ctx, cancel := context.WithTimeout(context.Background(), doctorProbeTimeout)
	defer cancel()
	if _, err := st.QueryFlows(ctx, store.FlowFilter{Limit: 1}); err != nil {
		return doctorCheck{
			Name:    "storage",
			Status:  doctorStatusFail,
			Summary: fmt.Sprintf("storage query failed: %v", err),
		}
	}

	details := []string{fmt.Sprintf("driver: %s", cfg.Storage.Driver)}
	if cfg.Storage.Driver == "sqlite" {
		path := cfg.Storage.Path
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		details = append(details, fmt.Sprintf("path: %s", path))
	}
	return doctorCheck{
		Name:    "storage",
		Status:  doctorStatusPass,
		Summary: "storage is reachable and queryable",
		Details: details,
	}
}

func doctorRouteWiringCheck(cfg config.Config) doctorCheck {
	routes := routesFromConfig(cfg.Proxy.Routes)
	if len(routes) == 0 {
		return doctorCheck{
			Name:    "route_wiring",
			Status:  doctorStatusFail,
			Summary: "no capture routes configured",
		}
	}

	details := make([]string, 0, len(routes))
	prefixes := make([]string, 0, len(routes))
	for _, route := range routes {
		prefix := pathutil.NormalizePrefix(route.Prefix)
		if prefix == "/" {
			return doctorCheck{
				Name:    "route_wiring",
				Status:  doctorStatusFail,
				Summary: fmt.Sprintf("route %q claims the root prefix", route.Name),
			}
		}
		for i, existing := range prefixes {
			if prefixesOverlap(existing, prefix) {
				return doctorCheck{
					Name:    "route_wiring",
					Status:  doctorStatusFail,
					Summary: fmt.Sprintf("routes %q and %q overlap", routes[i].Name, route.Name),
				}
			}
		}
		prefixes = append(prefixes, prefix)
		details = append(details, fmt.Sprintf("%s: %s -> %s", route.Name, prefix, route.Upstream))
	}

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := proxy.NewHandlerWithOptions(routes, discard, http.NotFoundHandler(), proxy.HandlerOptions{}); err != nil {
		return doctorCheck{
			Name:    "route_wiring",
			Status:  doctorStatusFail,
			Summary: fmt.Sprintf("capture handler rejected routes: %v", err),
		}
	}

	return doctorCheck{
		Name:    "route_wiring",
		Status:  doctorStatusPass,
		Summary: "capture routes are wired consistently",
		Details: details,
	}
}

func prefixesOverlap(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func doctorCacheCheck(cfg config.Config, errOut io.Writer) doctorCheck {
	if !cfg.Cache.Enabled {
		return doctorSkippedCheck("cache", "skipped: cache is disabled")
	}

	redisClient := cache.NewRedisClient(cache.RedisConfig{
		Addr:      cfg.Cache.Addr,
		Password:  cfg.Cache.Password,
		DB:        cfg.Cache.DB,
		OpTimeout: doctorProbeTimeout,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close key-value client: %v\n", err)
		}
	}()

	client := cache.New(redisClient, cache.Config{
		OpTimeout: doctorProbeTimeout,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithTimeout(context.Background(), doctorProbeTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return doctorCheck{
			Name:    "cache",
			Status:  doctorStatusFail,
			Summary: fmt.Sprintf("key-value store unreachable: %v", err),
		}
	}

	details := []string{
		fmt.Sprintf("addr: %s", cfg.Cache.Addr),
		fmt.Sprintf("db: %d", cfg.Cache.DB),
	}
	if cfg.Buffer.Enabled {
		details = append(details, fmt.Sprintf("buffer stream: %s", cfg.Buffer.Stream))
	}
	return doctorCheck{
		Name:    "cache",
		Status:  doctorStatusPass,
		Summary: "key-value store responds to ping",
		Details: details,
	}
}

func doctorRetentionCheck(cfg config.Config) doctorCheck {
	if !cfg.Retention.Enabled {
		return doctorSkippedCheck("retention", "skipped: retention is disabled")
	}
	if _, err := cron.ParseStandard(cfg.Retention.Schedule); err != nil {
		return doctorCheck{
			Name:    "retention",
			Status:  doctorStatusFail,
			Summary: fmt.Sprintf("invalid retention schedule %q: %v", cfg.Retention.Schedule, err),
		}
	}

	details := []string{fmt.Sprintf("schedule: %s", cfg.Retention.Schedule)}
	if cfg.Retention.MaxAgeDays > 0 {
		details = append(details, fmt.Sprintf("max age days: %d", cfg.Retention.MaxAgeDays))
	} else {
		details = append(details, "max age days: unlimited")
	}
	if cfg.Retention.MaxRows > 0 {
		details = append(details, fmt.Sprintf("max rows: %d", cfg.Retention.MaxRows))
	} else {
		details = append(details, "max rows: unlimited")
	}
	return doctorCheck{
		Name:    "retention",
		Status:  doctorStatusPass,
		Summary: "retention schedule parses",
		Details: details,
	}
}

func doctorOverallStatus(checks []doctorCheck) string {
	overall := doctorStatusPass
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			overall = doctorStatusWarn
		}
	}
	return overall
}

func writeDoctorText(w io.Writer, doc doctorDocument) {
	fmt.Fprintln(w, "Flowscribe Doctor")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Generated at:\t%s\n", doc.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Config path:\t%s\n", doc.ConfigPath)
	fmt.Fprintf(tw, "Overall status:\t%s\n", strings.ToUpper(doc.OverallStatus))
	tw.Flush()
	fmt.Fprintln(w, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(w, "- [%s] %s: %s\n", check.Status, check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(w, "  %s\n", detail)
		}
	}
}

func writeDoctorJSON(w io.Writer, doc doctorDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/flowscribe/flowscribe/internal/buffer"
	"github.com/flowscribe/flowscribe/internal/cache"
)

const (
	tailDefaultCount = 50
	tailMaxCount     = 1000

	// tailOpTimeout is deliberately looser than the serve-path cache
	// timeout; an interactive reader would rather wait than miss.
	tailOpTimeout    = 5 * time.Second
	tailBlockTimeout = time.Second
)

func runTail(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("tail", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", defaultConfigPath, "path to configuration file")
	count := flags.Int("count", tailDefaultCount, "number of recent entries to replay")
	follow := flags.Bool("follow", false, "keep streaming new entries until interrupted")
	rawFormat := flags.String("format", "text", "output format: text or json")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 0 {
		fmt.Fprintln(errOut, "tail does not accept positional arguments")
		return 2
	}
	if *count < 0 || *count > tailMaxCount {
		fmt.Fprintf(errOut, "invalid count %d: expected 0 to %d\n", *count, tailMaxCount)
		return 2
	}
	format, err := normalizeTextJSONFormat("tail", *rawFormat, "text")
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
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
	if !cfg.Buffer.Enabled {
		fmt.Fprintln(errOut, "tail requires buffer.enabled in the configuration")
		return 1
	}

	redisClient := cache.NewRedisClient(cache.RedisConfig{
		Addr:      cfg.Cache.Addr,
		Password:  cfg.Cache.Password,
		DB:        cfg.Cache.DB,
		OpTimeout: tailOpTimeout,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close key-value client: %v\n", err)
		}
	}()

	reader := buffer.NewTailReader(redisClient, cfg.Buffer.Stream, tailBlockTimeout)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entries, err := reader.Recent(ctx, *count)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read traffic buffer: %v\n", err)
		return 1
	}
	lastID := ""
	for _, entry := range entries {
		if err := writeTailEntry(out, format, entry); err != nil {
			fmt.Fprintf(errOut, "failed to write entry: %v\n", err)
			return 1
		}
		lastID = entry.ID
	}
	if !*follow {
		return 0
	}

	err = reader.Follow(ctx, lastID, func(entry buffer.Entry) error {
		return writeTailEntry(out, format, entry)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(errOut, "failed to follow traffic buffer: %v\n", err)
		return 1
	}
	return 0
}

func writeTailEntry(w io.Writer, format string, entry buffer.Entry) error {
	if format == "json" {
		doc := struct {
			ID     string            `json:"id"`
			Fields map[string]string `json:"fields"`
		}{ID: entry.ID, Fields: entry.Fields}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fields := entry.Fields
	parts := []string{
		valueOr(fields["timestamp"], entry.ID),
		valueOr(fields["state"], "?"),
		valueOr(fields["method"], "?"),
		fields["host"] + fields["path"],
		"status=" + valueOr(fields["status_code"], "-"),
		"latency_ms=" + valueOr(fields["latency_ms"], "-"),
	}
	if fields["model"] != "" {
		parts = append(parts, "model="+fields["model"])
	}
	if fields["error"] != "" {
		parts = append(parts, "error="+fields["error"])
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}

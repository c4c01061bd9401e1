package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/flowscribe/flowscribe/internal/store"
)

// reportSchema versions the JSON document so downstream tooling can
// detect shape changes.
const reportSchema = "flow-report.v1"

const (
	defaultReportLimit = 10
	maxReportLimit     = 200

	reportQueryTimeout = 30 * time.Second
)

type reportParams struct {
	From     time.Time
	To       time.Time
	Provider string
	Model    string
	Limit    int
}

type reportDocument struct {
	Schema      string            `json:"schema"`
	GeneratedAt time.Time         `json:"generated_at"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	Summary     reportSummaryInfo `json:"summary"`
	Providers   []reportGroupInfo `json:"providers"`
	Models      []reportGroupInfo `json:"models"`
	RecentFlows []reportFlowInfo  `json:"recent_flows"`
}

type reportSummaryInfo struct {
	FlowCount        int64   `json:"flow_count"`
	LLMCallCount     int64   `json:"llm_call_count"`
	ErrorCount       int64   `json:"error_count"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	SpanCount        int64   `json:"span_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TopModel         string  `json:"top_model,omitempty"`
}

type reportGroupInfo struct {
	Name             string `json:"name"`
	CallCount        int64  `json:"call_count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

type reportFlowInfo struct {
	FlowID      string `json:"flow_id"`
	StartedAt   string `json:"started_at"`
	State       string `json:"state"`
	Method      string `json:"method"`
	Host        string `json:"host"`
	Path        string `json:"path"`
	StatusCode  int    `json:"status_code"`
	LatencyMS   int64  `json:"latency_ms"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	TotalTokens int64  `json:"total_tokens,omitempty"`
	Error       string `json:"error,omitempty"`
}

func runReport(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("report", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", defaultConfigPath, "path to configuration file")
	rawFormat := flags.String("format", "text", "output format: text or json")
	fromRaw := flags.String("from", "", "window start (RFC3339 or YYYY-MM-DD)")
	toRaw := flags.String("to", "", "window end (RFC3339 or YYYY-MM-DD)")
	provider := flags.String("provider", "", "restrict to one provider")
	model := flags.String("model", "", "restrict to one model")
	limit := flags.Int("limit", defaultReportLimit, "recent flows to include")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("report", *rawFormat, "text")
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "invalid limit %d: expected 1 to %d\n", *limit, maxReportLimit)
		return 2
	}

	var from, to time.Time
	if strings.TrimSpace(*fromRaw) != "" {
		from, err = parseReportTime(*fromRaw, false)
		if err != nil {
			fmt.Fprintf(errOut, "invalid from: %v\n", err)
			return 2
		}
	}
	if strings.TrimSpace(*toRaw) != "" {
		to, err = parseReportTime(*toRaw, true)
		if err != nil {
			fmt.Fprintf(errOut, "invalid to: %v\n", err)
			return 2
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
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

	st, err := openFlowStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open storage: %v\n", err)
		return 1
	}
	defer closeFlowStoreWithWarning(st, errOut)

	doc, err := buildReport(context.Background(), st, reportParams{
		From:     from,
		To:       to,
		Provider: strings.TrimSpace(*provider),
		Model:    strings.TrimSpace(*model),
		Limit:    *limit,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	switch format {
	case "json":
		if err := writeReportJSON(out, doc); err != nil {
			fmt.Fprintf(errOut, "failed to write report: %v\n", err)
			return 1
		}
	default:
		writeReportText(out, doc)
	}
	return 0
}

// parseReportTime accepts timestamps or bare dates. A bare date used as
// a window end covers that whole day.
func parseReportTime(raw string, end bool) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.Parse("2006-01-02", trimmed); err == nil {
		ts = ts.UTC()
		if end {
			return ts.Add(24*time.Hour - time.Nanosecond), nil
		}
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: expected RFC3339 or YYYY-MM-DD", raw)
}

func buildReport(ctx context.Context, st store.FlowStore, params reportParams) (reportDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, reportQueryTimeout)
	defer cancel()

	usageFilter := store.UsageFilter{
		Provider: params.Provider,
		Model:    params.Model,
		Since:    params.From,
		Until:    params.To,
	}
	flowFilter := store.FlowFilter{
		Provider: params.Provider,
		Since:    params.From,
		Until:    params.To,
		Limit:    params.Limit,
	}
	if params.Model != "" {
		// The flow query cannot express a model restriction, so
		// over-fetch LLM rows and trim after the fact.
		flowFilter.LLMOnly = true
		flowFilter.Limit = maxReportLimit
	}

	var (
		summary    *store.UsageSummary
		byProvider []store.UsagePoint
		byModel    []store.UsagePoint
		page       *store.FlowPage

		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	runQuery := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	runQuery(func() error {
		var err error
		summary, err = st.GetUsageSummary(ctx, usageFilter)
		return err
	})
	runQuery(func() error {
		var err error
		byProvider, err = st.GetUsageSeries(ctx, usageFilter, "provider", "day")
		return err
	})
	runQuery(func() error {
		var err error
		byModel, err = st.GetUsageSeries(ctx, usageFilter, "model", "day")
		return err
	})
	runQuery(func() error {
		var err error
		page, err = st.QueryFlows(ctx, flowFilter)
		return err
	})
	wg.Wait()
	if firstErr != nil {
		return reportDocument{}, firstErr
	}

	doc := reportDocument{
		Schema:      reportSchema,
		GeneratedAt: time.Now().UTC(),
		From:        timeOr(params.From, ""),
		To:          timeOr(params.To, ""),
		Provider:    params.Provider,
		Model:       params.Model,
		Providers:   aggregateUsageGroups(byProvider),
		Models:      aggregateUsageGroups(byModel),
	}
	if summary != nil {
		doc.Summary = reportSummaryInfo{
			FlowCount:        summary.FlowCount,
			LLMCallCount:     summary.LLMCallCount,
			ErrorCount:       summary.ErrorCount,
			AvgLatencyMS:     summary.AvgLatencyMS,
			SpanCount:        summary.SpanCount,
			PromptTokens:     summary.PromptTokens,
			CompletionTokens: summary.CompletionTokens,
			TotalTokens:      summary.TotalTokens,
		}
	}
	doc.Summary.TopModel = topGroupName(doc.Models)
	doc.RecentFlows = recentFlowRows(page, params.Model, params.Limit)
	return doc, nil
}

func aggregateUsageGroups(points []store.UsagePoint) []reportGroupInfo {
	totals := make(map[string]*reportGroupInfo)
	order := make([]string, 0)
	for _, point := range points {
		name := point.Group
		if name == "" {
			name = "(unknown)"
		}
		info, ok := totals[name]
		if !ok {
			info = &reportGroupInfo{Name: name}
			totals[name] = info
			order = append(order, name)
		}
		info.CallCount += point.CallCount
		info.PromptTokens += point.PromptTokens
		info.CompletionTokens += point.CompletionTokens
		info.TotalTokens += point.TotalTokens
	}
	out := make([]reportGroupInfo, 0, len(order))
	for _, name := range order {
		out = append(out, *totals[name])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CallCount != out[j].CallCount {
			return out[i].CallCount > out[j].CallCount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func topGroupName(groups []reportGroupInfo) string {
	if len(groups) == 0 {
		return ""
	}
	return groups[0].Name
}

func recentFlowRows(page *store.FlowPage, model string, limit int) []reportFlowInfo {
	if page == nil {
		return nil
	}
	rows := make([]reportFlowInfo, 0, limit)
	for _, item := range page.Items {
		if item == nil {
			continue
		}
		rec := item.Flow
		if model != "" && rec.Model != model {
			continue
		}
		rows = append(rows, reportFlowInfo{
			FlowID:      rec.FlowID,
			StartedAt:   timeOr(rec.StartedAt, ""),
			State:       string(rec.State),
			Method:      rec.Method,
			Host:        rec.Host,
			Path:        rec.Path,
			StatusCode:  rec.StatusCode,
			LatencyMS:   rec.LatencyMS,
			Provider:    rec.Provider,
			Model:       rec.Model,
			TotalTokens: int64(rec.PromptTokens + rec.CompletionTokens + rec.CacheReadTokens + rec.CacheCreationTokens),
			Error:       rec.Error,
		})
		if len(rows) == limit {
			break
		}
	}
	return rows
}

func writeReportText(w io.Writer, doc reportDocument) {
	fmt.Fprintln(w, "Flowscribe Report")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Generated at:\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Window:\t%s .. %s\n", valueOr(doc.From, "(open)"), valueOr(doc.To, "(open)"))
	if doc.Provider != "" {
		fmt.Fprintf(tw, "Provider:\t%s\n", doc.Provider)
	}
	if doc.Model != "" {
		fmt.Fprintf(tw, "Model:\t%s\n", doc.Model)
	}
	tw.Flush()

	fmt.Fprintln(w, "\nSummary")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Flows:\t%d\n", doc.Summary.FlowCount)
	fmt.Fprintf(tw, "LLM calls:\t%d\n", doc.Summary.LLMCallCount)
	fmt.Fprintf(tw, "Errors:\t%d\n", doc.Summary.ErrorCount)
	fmt.Fprintf(tw, "Avg latency ms:\t%.1f\n", doc.Summary.AvgLatencyMS)
	fmt.Fprintf(tw, "Spans:\t%d\n", doc.Summary.SpanCount)
	fmt.Fprintf(tw, "Prompt tokens:\t%d\n", doc.Summary.PromptTokens)
	fmt.Fprintf(tw, "Completion tokens:\t%d\n", doc.Summary.CompletionTokens)
	fmt.Fprintf(tw, "Total tokens:\t%d\n", doc.Summary.TotalTokens)
	if doc.Summary.TopModel != "" {
		fmt.Fprintf(tw, "Top model:\t%s\n", doc.Summary.TopModel)
	}
	tw.Flush()

	writeReportGroups(w, "Providers", doc.Providers)
	writeReportGroups(w, "Models", doc.Models)

	fmt.Fprintln(w, "\nRecent Flows")
	if len(doc.RecentFlows) == 0 {
		fmt.Fprintln(w, "(no flow data)")
		return
	}
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATE\tMETHOD\tHOST\tPATH\tSTATUS\tLATENCY MS\tMODEL")
	for _, row := range doc.RecentFlows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			row.StartedAt, row.State, row.Method, row.Host, row.Path, row.StatusCode, row.LatencyMS, valueOr(row.Model, "-"))
	}
	tw.Flush()
}

func writeReportGroups(w io.Writer, title string, groups []reportGroupInfo) {
	fmt.Fprintf(w, "\n%s\n", title)
	if len(groups) == 0 {
		fmt.Fprintf(w, "(no %s data)\n", strings.ToLower(title))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCALLS\tPROMPT\tCOMPLETION\tTOTAL")
	for _, group := range groups {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", group.Name, group.CallCount, group.PromptTokens, group.CompletionTokens, group.TotalTokens)
	}
	tw.Flush()
}

func writeReportJSON(w io.Writer, doc reportDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"text/tabwriter"

	json "github.com/goccy/go-json"

	"github.com/byte4ever/resilix"
	"github.com/byte4ever/resilix/internal/cliconfig"
)

// setup loads settings and the policy registry shared by every command.
func setup(args []string, stderr io.Writer) (*cliconfig.Settings, *slog.Logger, *resilix.Registry, bool) {
	s, err := cliconfig.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "resilixctl: %v\n", err)
		return nil, nil, nil, false
	}

	logger := s.Logger(stderr)

	reg, err := resilix.LoadConfig(s.Config)
	if err != nil {
		logger.Error("config load failed", slog.String("path", s.Config), slog.String("error", err.Error()))
		return nil, nil, nil, false
	}

	logger.Info("config loaded",
		slog.String("path", s.Config),
		slog.Int("targets", len(reg.Targets())),
	)

	return s, logger, reg, true
}

func analyze(args []string, stdout, stderr io.Writer) int {
	s, logger, reg, ok := setup(args, stderr)
	if !ok {
		return exitConfig
	}

	floor, err := resilix.ParseSeverity(s.FailOn)
	if err != nil {
		logger.Error("invalid fail_on", slog.String("error", err.Error()))
		return exitConfig
	}

	var graph resilix.DependencyGraph

	if s.Graph != "" {
		if graph, err = resilix.LoadGraph(s.Graph); err != nil {
			logger.Error("graph load failed", slog.String("error", err.Error()))
			return exitConfig
		}
	}

	eng := resilix.NewEngine(reg,
		resilix.WithLogger(logger),
		resilix.WithDependencyGraph(graph),
		resilix.WithAnalyzerConfig(resilix.AnalyzerConfig{
			MinRetryInterval:   s.Analyzer.MinRetryInterval,
			MaxRetryAttempts:   s.Analyzer.MaxRetryAttempts,
			MinExternalTimeout: s.Analyzer.MinExternalTimeout,
		}),
	)
	defer eng.Close()

	report := eng.Analyze()

	if err := writeReport(stdout, s.Output, report, func(w io.Writer) {
		printAnalysis(w, report)
	}); err != nil {
		logger.Error("write report", slog.String("error", err.Error()))
	}

	if report.HasIssues(floor) {
		return exitIssues
	}

	return exitOK
}

func chaos(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	s, logger, reg, ok := setup(args, stderr)
	if !ok {
		return exitConfig
	}

	cfg, err := chaosConfig(s.Chaos)
	if err != nil {
		logger.Error("invalid chaos settings", slog.String("error", err.Error()))
		return exitConfig
	}

	opts := []resilix.TesterOption{
		resilix.WithTimeoutTolerance(s.Chaos.Tolerance),
		resilix.WithMaxSoakCalls(s.Chaos.MaxCalls),
	}

	if s.Chaos.Seed != 0 {
		opts = append(opts, resilix.WithTesterSeed(s.Chaos.Seed))
	}

	eng := resilix.NewEngine(reg, resilix.WithLogger(logger))
	defer eng.Close()

	report, err := eng.RunChaosTest(ctx, s.Chaos.Target, s.Chaos.Duration, cfg, opts...)
	if err != nil && len(report.Results) == 0 {
		logger.Error("chaos test could not run", slog.String("error", err.Error()))
		return exitConfig
	}

	if err := writeReport(stdout, s.Output, report, func(w io.Writer) {
		printChaos(w, report)
	}); err != nil {
		logger.Error("write report", slog.String("error", err.Error()))
	}

	if err != nil || !report.Passed() {
		return exitChaosFailed
	}

	return exitOK
}

func chaosConfig(f cliconfig.ChaosFlags) (resilix.ChaosConfig, error) {
	if f.Target == "" {
		return resilix.ChaosConfig{}, fmt.Errorf("chaos.target is required")
	}

	kind, err := resilix.ParseErrorKind(f.Kind)
	if err != nil {
		return resilix.ChaosConfig{}, err
	}

	cfg := resilix.ChaosConfig{FailureRate: f.FailureRate, InjectedKind: kind}

	if f.LatencyMax > 0 {
		cfg.Latency = &resilix.LatencyRange{Min: f.LatencyMin, Max: f.LatencyMax}
	}

	return cfg, cfg.Validate()
}

func writeReport(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	}

	text(w)

	return nil
}

func printAnalysis(w io.Writer, r resilix.Report) {
	if len(r.Issues) == 0 {
		fmt.Fprintln(w, "no issues")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tCODE\tTARGET\tMESSAGE")

	for _, is := range r.Issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", is.Severity, is.Code, is.Target, is.Message)
	}

	_ = tw.Flush()

	fmt.Fprintf(w, "\n%d critical, %d warning, %d info\n",
		r.Count(resilix.SeverityCritical),
		r.Count(resilix.SeverityWarning),
		r.Count(resilix.SeverityInfo),
	)
}

func printChaos(w io.Writer, r resilix.TestReport) {
	fmt.Fprintf(w, "chaos run %s against %q (%v)\n\n", r.RunID, r.Target, r.Duration)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tRESULT\tDETAIL")

	for _, res := range r.Results {
		verdict := "PASS"

		switch {
		case res.Skipped:
			verdict = "SKIP"
		case !res.Passed:
			verdict = "FAIL"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Category, verdict, res.Message)
	}

	_ = tw.Flush()

	kinds := make([]string, 0, len(r.Chaos.ByType))
	for typ, n := range r.Chaos.ByType {
		kinds = append(kinds, fmt.Sprintf("%s=%d", typ, n))
	}

	slices.Sort(kinds)

	fmt.Fprintf(w, "\n%d faults injected %s\n", r.Chaos.Total, strings.Join(kinds, " "))
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/kmnops/kmn-agent/internal/audit"
	"github.com/kmnops/kmn-agent/internal/decision"
	"github.com/kmnops/kmn-agent/internal/observability"
	"github.com/kmnops/kmn-agent/internal/reflection"
	"github.com/kmnops/kmn-agent/internal/tuning"
)

var (
	applyRunID       string
	applyMinInterval time.Duration
	applyPrompts     []string
)

// applyResult is the JSON document apply prints on success.
type applyResult struct {
	RunID              string                                        `json:"run_id"`
	Status             string                                        `json:"status"`
	Message            string                                        `json:"message,omitempty"`
	HeuristicsApplied  int                                           `json:"heuristics_applied"`
	HeuristicsRejected int                                           `json:"heuristics_rejected"`
	PromptsApplied     int                                           `json:"prompts_applied"`
	PromptsRejected    int                                           `json:"prompts_rejected"`
	Heuristics         map[string]tuning.Snapshot[map[string]interface{}] `json:"heuristics"`
}

var applyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Apply a reflection payload to the tuning stores.",
	Long: `Apply parses a reflection payload (a file argument, or stdin when omitted),
seeds the default fallback_rules heuristic, routes every proposed update to the
matching store, and prints the apply report. Every attempt is recorded in the
audit trail configured under audit.log_file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readPayload(args)
		if err != nil {
			return err
		}

		logger := observability.GetLogger()
		sink := audit.NewSink(cfg.Audit.LogFile, logger, cfg.Audit.MaxSize, cfg.Audit.MaxBackups, cfg.Audit.MaxAge)
		defer sink.Close()

		interval := applyMinInterval
		if interval == 0 {
			// A one-shot process has no second update to throttle.
			interval = -1
		}
		opts := tuning.Options{
			MinUpdateInterval: interval,
			MaxHistorySize:    cfg.Tuning.MaxHistorySize,
		}

		heuristics := tuning.NewHeuristicStore(logger, sink, opts)
		prompts := tuning.NewPromptStore(logger, sink, opts)
		heuristics.Register(tuning.FallbackRulesID, decision.DefaultFallbackRules(), 1)
		if err := registerPrompts(prompts); err != nil {
			return err
		}

		out := reflection.NewParser(logger).Parse(string(raw), applyRunID)
		report := tuning.NewDispatcher(logger, heuristics, prompts).Apply(out)

		result := applyResult{
			RunID:              out.RunID,
			Status:             string(out.Status),
			Message:            out.Message,
			HeuristicsApplied:  report.HeuristicsApplied,
			HeuristicsRejected: report.HeuristicsRejected,
			PromptsApplied:     report.PromptsApplied,
			PromptsRejected:    report.PromptsRejected,
			Heuristics:         heuristics.ListAll(),
		}
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode apply report: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return nil
	},
}

// readPayload reads the reflection payload from the file argument or stdin.
func readPayload(args []string) ([]byte, error) {
	if len(args) == 1 {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return raw, nil
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	return raw, nil
}

// registerPrompts registers the templates named by --prompt id=path flags at
// version 1.
func registerPrompts(store *tuning.PromptStore) error {
	for _, spec := range applyPrompts {
		id, path, ok := strings.Cut(spec, "=")
		if !ok || id == "" || path == "" {
			return fmt.Errorf("invalid --prompt %q, expected id=path", spec)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read prompt template %s: %w", path, err)
		}
		if !store.Register(id, string(content), 1) {
			return fmt.Errorf("failed to register prompt template %q", id)
		}
	}
	return nil
}

func init() {
	applyCmd.Flags().StringVar(&applyRunID, "run-id", uuid.NewString(), "run identifier stamped on the applied reflection")
	applyCmd.Flags().DurationVar(&applyMinInterval, "min-interval", 0, "minimum interval between updates of the same entry (0 disables for this invocation)")
	applyCmd.Flags().StringArrayVar(&applyPrompts, "prompt", nil, "prompt template to register before applying, as id=path (repeatable)")
	rootCmd.AddCommand(applyCmd)
}

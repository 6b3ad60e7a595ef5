package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skypro1111/command-smoother/internal/config"
	"github.com/skypro1111/command-smoother/internal/recognize"
)

// Longest accepted input line
const maxReplayLine = 4 << 20

var (
	replayInput   string
	replayOnlyNew bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a JSON-lines score file through one engine",
	Long: `replay reads one JSON object per line, {"timestamp_ms": 120, "scores": [...]},
runs every line through a single smoothing engine built from the recognition
section of the configuration and prints each result as a JSON line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Results own stdout
		cfg.Logging.Output = "stderr"
		logger := initLogger(cfg.Logging)

		vocab, err := cfg.Recognition.Vocabulary()
		if err != nil {
			return fmt.Errorf("failed to load label vocabulary: %w", err)
		}

		engine, err := recognize.NewEngine(cfg.Recognition.EngineConfig(vocab))
		if err != nil {
			return err
		}

		in := cmd.InOrStdin()
		if replayInput != "-" {
			f, err := os.Open(replayInput)
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			in = f
		}

		summary, err := runReplay(engine, in, cmd.OutOrStdout(), replayOnlyNew, logger)
		if err != nil {
			return err
		}

		logger.Info("Replay finished",
			slog.Int("lines", summary.Lines),
			slog.Int("rejected", summary.Rejected),
			slog.Int("detections", summary.Detections),
			slog.Int64("total_quiet_ms", summary.TotalQuietMs),
		)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "-", "Input file with one score frame per line, - for stdin")
	replayCmd.Flags().BoolVar(&replayOnlyNew, "only-new", false, "Print only confirmed detections")
}

// replayFrame is one input line
type replayFrame struct {
	TimestampMs int64     `json:"timestamp_ms"`
	Scores      []float64 `json:"scores"`
}

// replayOutput is one output line
type replayOutput struct {
	TimestampMs int64 `json:"timestamp_ms"`
	recognize.Result
}

type replaySummary struct {
	Lines        int
	Rejected     int
	Detections   int
	TotalQuietMs int64
}

// runReplay feeds every frame read from r through engine and writes results to w.
// Frames the engine rejects are logged and skipped; malformed JSON stops the replay.
func runReplay(engine *recognize.Engine, r io.Reader, w io.Writer, onlyNew bool, logger *slog.Logger) (replaySummary, error) {
	var summary replaySummary

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)

	enc := json.NewEncoder(w)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		summary.Lines++

		var frame replayFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return summary, fmt.Errorf("line %d: %w", lineNo, err)
		}

		result, err := engine.Process(frame.Scores, frame.TimestampMs)
		if err != nil {
			if errors.Is(err, recognize.ErrInvalidInput) {
				summary.Rejected++
				logger.Warn("Skipping rejected frame",
					slog.Int("line", lineNo),
					slog.String("kind", recognize.ErrorKind(err)),
					slog.String("error", err.Error()),
				)
				continue
			}
			return summary, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if result.IsNewCommand {
			summary.Detections++
		}
		if onlyNew && !result.IsNewCommand {
			continue
		}

		if err := enc.Encode(replayOutput{TimestampMs: frame.TimestampMs, Result: result}); err != nil {
			return summary, fmt.Errorf("failed to write result: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read input: %w", err)
	}

	summary.TotalQuietMs = engine.TotalQuietMs()
	return summary, nil
}

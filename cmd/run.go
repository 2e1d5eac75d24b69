package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/spigell/hh-sourcer/internal/ai/gemini"
	"github.com/spigell/hh-sourcer/internal/cache"
	"github.com/spigell/hh-sourcer/internal/headhunter"
	"github.com/spigell/hh-sourcer/internal/logger"
	"github.com/spigell/hh-sourcer/internal/pipeline"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PromptYes                  = "Yes"
	PromptNo                   = "No"
	PromptReportByOrganization = "Report by organization"
	PromptPreviewToFile        = "Dump preview to file"

	defaultPageSize = 50
)

var errExit = errors.New("exit requested")

var prompt = promptui.Select{
	Label: "Collect full records? Every cache miss costs one contact credit",
	Items: []string{PromptYes, PromptNo, PromptReportByOrganization, PromptPreviewToFile},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sourcing pipeline: discovery, preview, collection, evaluation",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("auto-approve", "y", false, "do not ask for confirmation before paid collection")
	runCmd.Flags().Bool("bypass-cache", false, "ignore cached records and fetch everything fresh")
	runCmd.Flags().IntP("count", "c", defaultPageSize, "collection page size")
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := logger.New(logger.Options{
		JSON:  viper.GetBool("json"),
		Debug: viper.GetBool("debug"),
		File:  viper.GetString("log-file"),
	})
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the hh-sourcer", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if config == nil {
		logger.Fatal("config is required")
	}

	if len(config.Targets) == 0 {
		logger.Fatal("at least one target organization is required under targets")
	}

	bypassCache, _ := cmd.Flags().GetBool("bypass-cache")

	rt, err := newRuntime(ctx, logger, config, bypassCache)
	if err != nil {
		logger.Fatal("setting up", zap.Error(err))
	}
	defer rt.Close()

	state, err := rt.pipe.Start(ctx, "", config.Targets)
	if err != nil {
		logger.Fatal("discovery failed", zap.Error(err))
	}

	preview, err := rt.pipe.Preview(ctx, state.ID, rt.filters())
	if err != nil {
		rt.pipe.Fail(state.ID, err.Error())
		logger.Fatal("preview failed", zap.Error(err))
	}

	if preview.TotalFound == 0 {
		logger.Info("exiting", zap.String("reason", "no candidates found in preview"))
		return
	}

	logger.Info("preview ready",
		zap.String("session_id", state.ID),
		zap.Int("found", preview.TotalFound),
		zap.Int("surfaced", preview.Previews.Len()),
	)

	pageSize, _ := cmd.Flags().GetInt("count")
	autoApprove, _ := cmd.Flags().GetBool("auto-approve")

	action := PromptYes
	for {
		var err error
		if !autoApprove {
			_, action, err = prompt.Run()
			if err != nil {
				logger.Fatal("exiting", zap.Error(err))
			}
		}

		if err := handleAction(ctx, action, rt, state.ID, pageSize); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}

		if action == PromptYes {
			return
		}
	}
}

func handleAction(ctx context.Context, action string, rt *runtime, sessionID string, pageSize int) error {
	switch action {
	case PromptYes:
		if err := collectAll(ctx, rt, sessionID, pageSize); err != nil {
			return err
		}
		return evaluate(ctx, rt, sessionID)
	case PromptNo:
		rt.logger.Info("exiting", zap.String("reason", "got no from prompt"),
			zap.String("hint", fmt.Sprintf("resume later with: %s collect --session %s", app, sessionID)),
		)
		return errExit
	case PromptReportByOrganization:
		state, err := rt.sessions.Read(sessionID)
		if err != nil {
			return err
		}
		report := previewsFromCache(rt, state.CandidateIDs).ReportByOrganization()
		pretty, _ := json.MarshalIndent(report, "", "  ")
		rt.logger.Info(string(pretty), zap.Int("candidate_total", len(state.CandidateIDs)))
		return nil
	case PromptPreviewToFile:
		filename, err := dumpPreview(rt, sessionID)
		if err != nil {
			return fmt.Errorf("dump preview to file: %w", err)
		}
		rt.logger.Info("dumping preview to file", zap.String("filename", filename))
		return nil
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

// collectAll pages through the remaining candidate ids from the
// persisted offset, accumulating the credit ledger.
func collectAll(ctx context.Context, rt *runtime, sessionID string, pageSize int) error {
	var ledger pipeline.Ledger
	var collected, failed int

	for {
		state, err := rt.sessions.Read(sessionID)
		if err != nil {
			return err
		}
		if state.Remaining() == 0 {
			break
		}

		result, err := rt.pipe.Collect(ctx, sessionID, state.Offset, pageSize)
		if err != nil {
			return err
		}

		ledger.Add(result.Ledger)
		collected += len(result.Records)
		failed += len(result.Failed)

		for _, failure := range result.Failed {
			rt.logger.Warn("candidate skipped",
				zap.String("candidate_id", failure.ID),
				zap.String("error", failure.Err),
			)
		}

		if result.Done {
			break
		}
	}

	rt.logger.Info(
		fmt.Sprintf("collection finished: %d collected, %d failed", collected, failed),
		ledger.Fields()...,
	)

	return nil
}

func evaluate(ctx context.Context, rt *runtime, sessionID string) error {
	if rt.scorer == nil {
		rt.logger.Info("skipping evaluation", zap.String("reason", "no ai scorer configured"))
		return nil
	}

	if scorer, ok := rt.scorer.(*gemini.Scorer); ok {
		scorer.SetRun(sessionID)
	}

	result, err := rt.pipe.Evaluate(ctx, sessionID, rt.config.Requirements)
	if err != nil {
		return err
	}

	for i, scored := range result.Ranked {
		rt.logger.Info("ranked candidate",
			zap.Int("rank", i+1),
			zap.String("candidate_id", scored.ID),
			zap.Float64("score", scored.Score),
			zap.String("reason", scored.Reason),
		)
	}

	if len(result.Failed) > 0 {
		rt.logger.Warn("some records could not be evaluated", zap.Int("count", len(result.Failed)))
	}

	return nil
}

func dumpPreview(rt *runtime, sessionID string) (string, error) {
	state, err := rt.sessions.Read(sessionID)
	if err != nil {
		return "", err
	}

	previews := previewsFromCache(rt, state.CandidateIDs)
	return previews.DumpToTmpFile()
}

// previewsFromCache reassembles the preview list of a session from the
// cache tier. Missing or undecodable entries are skipped.
func previewsFromCache(rt *runtime, ids []string) *headhunter.ResumePreviews {
	staleDays := 0
	if rt.config.Sourcing != nil {
		staleDays = rt.config.Sourcing.StaleDays
	}
	staleness := days(staleDays, 90)

	previews := &headhunter.ResumePreviews{}
	for _, id := range ids {
		hit, outcome := rt.cache.Get("resume:preview:"+id, staleness, staleness)
		if outcome == cache.Miss {
			continue
		}

		var preview headhunter.ResumePreview
		if err := json.Unmarshal(hit.Payload, &preview); err != nil {
			continue
		}
		previews.Items = append(previews.Items, &preview)
	}

	return previews
}

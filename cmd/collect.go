package cmd

import (
	"context"
	"log"

	"github.com/spigell/hh-sourcer/internal/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Resume collection for an existing session from its persisted offset",
	Run: func(cmd *cobra.Command, _ []string) {
		collect(cmd)
	},
}

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringP("session", "s", "", "session id to resume")
	collectCmd.Flags().IntP("count", "c", defaultPageSize, "collection page size")
	collectCmd.Flags().Int("start", -1, "collect a single page from this offset instead of resuming")
	collectCmd.Flags().Bool("bypass-cache", false, "ignore cached records and fetch everything fresh")

	if err := collectCmd.MarkFlagRequired("session"); err != nil {
		log.Fatalf("marking the session flag required: %v", err)
	}
}

// collect picks up an interrupted session. With --start it fetches a
// single page at that offset, otherwise it pages through the remaining
// ids and finishes with evaluation.
func collect(cmd *cobra.Command) {
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

	sessionID, _ := cmd.Flags().GetString("session")
	pageSize, _ := cmd.Flags().GetInt("count")
	start, _ := cmd.Flags().GetInt("start")
	bypassCache, _ := cmd.Flags().GetBool("bypass-cache")

	rt, err := newRuntime(ctx, logger, config, bypassCache)
	if err != nil {
		logger.Fatal("setting up", zap.Error(err))
	}
	defer rt.Close()

	state, err := rt.sessions.Read(sessionID)
	if err != nil {
		logger.Fatal("reading the session", zap.String("session_id", sessionID), zap.Error(err))
	}

	logger.Info("resuming session",
		zap.String("session_id", state.ID),
		zap.String("stage", string(state.Stage)),
		zap.Int("offset", state.Offset),
		zap.Int("remaining", state.Remaining()),
	)

	if start >= 0 {
		result, err := rt.pipe.Collect(ctx, sessionID, start, pageSize)
		if err != nil {
			logger.Fatal("collection failed", zap.Error(err))
		}
		logger.Info("collection page done", append(result.Ledger.Fields(),
			zap.Int("collected", len(result.Records)),
			zap.Int("failed", len(result.Failed)),
			zap.Int("next_offset", result.NextOffset),
			zap.Bool("done", result.Done),
		)...)
		return
	}

	if err := collectAll(ctx, rt, sessionID, pageSize); err != nil {
		logger.Fatal("collection failed", zap.Error(err))
	}

	if err := evaluate(ctx, rt, sessionID); err != nil {
		logger.Fatal("evaluation failed", zap.Error(err))
	}
}

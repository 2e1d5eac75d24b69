package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spigell/hh-sourcer/internal/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions or show the ranking of one",
	Run: func(cmd *cobra.Command, _ []string) {
		sessions(cmd)
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringP("session", "s", "", "show the stored evaluation ranking for this session")
}

func sessions(cmd *cobra.Command) {
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

	rt, err := newRuntime(ctx, logger, config, false)
	if err != nil {
		logger.Fatal("setting up", zap.Error(err))
	}
	defer rt.Close()

	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID != "" {
		showRanking(rt, sessionID)
		return
	}

	states, err := rt.sessions.List()
	if err != nil {
		logger.Fatal("listing sessions", zap.Error(err))
	}

	if len(states) == 0 {
		fmt.Println("no sessions found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTAGE\tCANDIDATES\tCOLLECTED\tUPDATED")
	for _, state := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			state.ID,
			state.Stage,
			len(state.CandidateIDs),
			state.Offset,
			state.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}

func showRanking(rt *runtime, sessionID string) {
	state, err := rt.sessions.Read(sessionID)
	if err != nil {
		rt.logger.Fatal("reading the session", zap.String("session_id", sessionID), zap.Error(err))
	}

	evals, err := rt.sessions.ListEvaluations(sessionID)
	if err != nil {
		rt.logger.Fatal("listing evaluations", zap.Error(err))
	}

	if len(evals) == 0 {
		fmt.Printf("session %s is in %q and has no stored evaluations\n", state.ID, state.Stage)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tCANDIDATE\tSCORE\tREASON")
	for i, eval := range evals {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\n", i+1, eval.CandidateID, eval.Score, eval.Reason)
	}
	w.Flush()
}

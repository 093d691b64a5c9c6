package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var replayFlags struct {
	output  string
	workers int
}

var replayCmd = &cobra.Command{
	Use:   "replay [input]",
	Short: "Replay a request file against the loaded rules",
	Long: `Evaluate every record of a JSON Lines request file once and write the
matched requests to the alert file. The input defaults to pipeline.input
from the config file. Statistics are printed when the file is exhausted.

Examples:
  waf_detector replay requests.jsonl
  waf_detector replay requests.jsonl --output alerts.jsonl --workers 8`,
	Args: cobra.MaximumNArgs(1),
	RunE: replayRequests,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replayFlags.output, "output", "o", "", "alert file (overrides output.filename)")
	replayCmd.Flags().IntVarP(&replayFlags.workers, "workers", "w", 0, "evaluation workers (overrides pipeline.worker_count)")
}

func replayRequests(cmd *cobra.Command, args []string) error {
	cfg, m, collector, err := setup()
	if err != nil {
		return err
	}
	defer m.Close()

	if len(args) == 1 {
		cfg.Pipeline.Input = args[0]
	}
	if cfg.Pipeline.Input == "" {
		return fmt.Errorf("no input file: pass one as argument or set pipeline.input")
	}
	if replayFlags.output != "" {
		cfg.Output.Filename = replayFlags.output
	}
	if replayFlags.workers > 0 {
		cfg.Pipeline.WorkerCount = replayFlags.workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := startReplay(ctx, cfg, m, collector)
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case sig := <-sigChan:
		logrus.Infof("Received signal %v, stopping replay...", sig)
	case <-done:
	}

	cancel()
	if err := p.Stop(); err != nil {
		logrus.Errorf("Error stopping pipeline: %v", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(p.GetStats())
}

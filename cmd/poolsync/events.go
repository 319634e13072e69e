package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolsync/internal/storage"
)

func newEventsCmd() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Export a persisted stream as JSONL",
		RunE:  runEvents,
	}
	addStoreFlags(eventsCmd.Flags())
	eventsCmd.Flags().String("stream", "", "stream name")
	eventsCmd.Flags().String("out", "", "output JSONL path (default ./data/<stream>.export.jsonl)")
	eventsCmd.Flags().Uint64("from-block", 0, "only export events at or after this block")
	eventsCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	return eventsCmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	name, _ := cmd.Flags().GetString("stream")
	out, _ := cmd.Flags().GetString("out")
	fromBlock, _ := cmd.Flags().GetUint64("from-block")
	if _, err := findStream(cfg, name); err != nil {
		return err
	}
	if out == "" {
		out = fmt.Sprintf("./data/%s.export.jsonl", name)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	set, ok, err := store.LoadStream(ctx, name)
	if err != nil {
		return fmt.Errorf("load stream: %w", err)
	}
	if !ok {
		return fmt.Errorf("stream %s has not been synced", name)
	}

	// events are ordered by block, so the first match marks the suffix
	start := sort.Search(len(set.Events), func(i int) bool {
		return set.Events[i].BlockNumber >= fromBlock
	})
	records := set.Events[start:]

	if err := storage.NewJSONLWriter(out).Append(records); err != nil {
		return err
	}
	cursor, _ := set.Cursor()
	logger.Info("events exported",
		zap.String("stream", name),
		zap.Int("events", len(records)),
		zap.Uint64("cursor", cursor),
		zap.String("out", out),
	)
	return nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/nbexec/internal/history"
)

var (
	flagHistDoc   string
	flagHistChunk string
	flagHistLimit int
	flagHistJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history --doc DOC --chunk CHUNK",
	Short: "history lists past runs of a chunk",
	RunE:  doHistory,
}

func init() {
	historyCmd.Flags().StringVar(&flagHistDoc, "doc", "", "document id")
	historyCmd.Flags().StringVar(&flagHistChunk, "chunk", "", "chunk id")
	historyCmd.Flags().IntVar(&flagHistLimit, "limit", 20, "max number of runs, 0 lists all")
	historyCmd.Flags().BoolVar(&flagHistJSON, "json", false, "print runs as JSON lines")
	_ = historyCmd.MarkFlagRequired("doc")
	_ = historyCmd.MarkFlagRequired("chunk")
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := openHistory(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return errors.New("history is disabled in " + configPath)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := history.List(ctx, db, flagHistDoc, flagHistChunk, flagHistLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for _, row := range rows {
		if flagHistJSON {
			if err := enc.Encode(row); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(out, "%s %s\n", row.Started.Format("2006-01-02T15:04:05Z"), row); err != nil {
			return err
		}
	}
	return nil
}

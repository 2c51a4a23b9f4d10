package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/nbexec/internal/chunkout"
	"github.com/CZERTAINLY/nbexec/internal/model"
)

var (
	flagTailDoc   string
	flagTailChunk string
)

var tailCmd = &cobra.Command{
	Use:   "tail --doc DOC --chunk CHUNK",
	Short: "tail prints chunk output as it is recorded",
	RunE:  doTail,
}

func init() {
	tailCmd.Flags().StringVar(&flagTailDoc, "doc", "", "document id")
	tailCmd.Flags().StringVar(&flagTailChunk, "chunk", "", "chunk id")
	_ = tailCmd.MarkFlagRequired("doc")
	_ = tailCmd.MarkFlagRequired("chunk")
}

func doTail(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if err := chunkout.ValidateID(flagTailDoc); err != nil {
		return err
	}
	if err := chunkout.ValidateID(flagTailChunk); err != nil {
		return err
	}
	store, err := newStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	return chunkout.Follow(ctx, store.OutputFile(flagTailDoc, flagTailChunk, model.OutputText), func(r chunkout.Record) {
		writeRecord(out, flagTailChunk, r)
	})
}

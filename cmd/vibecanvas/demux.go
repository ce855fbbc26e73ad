package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vibecanvas/internal/demux"
)

// demuxOutput is the JSON shape printed by the demux command.
type demuxOutput struct {
	SpokenText string   `json:"spoken_text"`
	Codes      []string `json:"codes"`
}

func newDemuxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demux",
		Short: "Split an agent response read from stdin into speech and code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			p := demux.Parse(string(raw))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(demuxOutput{SpokenText: p.SpokenText, Codes: p.Codes})
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"annostore/internal/matchid"
)

func newMatchCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Work with search-result match ids",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decode <match-id>...",
		Short: "Break match ids into their parts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]matchid.ID, 0, len(args))
			for _, arg := range args {
				id, err := matchid.Decode(arg)
				if err != nil {
					return fmt.Errorf("%q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, ids)
			}
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				rows = append(rows, []string{
					id.TranscriptID,
					interval(id),
					id.ParticipantID,
					id.UtteranceID,
					id.TargetID,
					id.Prefix,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Transcript", "Interval", "Participant", "Utterance", "Target", "Prefix"},
				rows,
				nil,
			))
			return nil
		},
	})
	return cmd
}

func interval(id matchid.ID) string {
	switch {
	case id.HasAnchors():
		return id.StartAnchorID + " - " + id.EndAnchorID
	case id.HasOffsets():
		return formatOffset(id.StartOffset) + " - " + formatOffset(id.EndOffset)
	default:
		return ""
	}
}

func formatOffset(f *float64) string {
	if f == nil {
		return "?"
	}
	return fmt.Sprintf("%.3f", *f)
}

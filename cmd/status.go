package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/poacher/internal/discovery"
	"github.com/JakeFAU/poacher/internal/id/uuid"
	"github.com/JakeFAU/poacher/internal/poacher"
	"github.com/JakeFAU/poacher/internal/server"
)

const timeLayout = "2006-01-02 15:04:05 MST"

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the saved checkpoint and discovery averages",
		Args:  cobra.NoArgs,
		RunE:  runStatusCommand,
	}
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	store, err := server.OpenCheckpointStore(cmd.Context(), rt.cfg.Checkpoint)
	if err != nil {
		return err
	}
	if c, ok := store.(interface{ Close() }); ok {
		defer c.Close()
	}

	marker, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	stats := discovery.StatsFor(marker)

	checkpointed := "never"
	if !marker.CheckpointedAt.IsZero() {
		checkpointed = fmt.Sprintf("%s (%s)", marker.CheckpointedAt.Format(timeLayout), humanize.Time(marker.CheckpointedAt))
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "last known id:\t%s\n", humanize.Comma(marker.LastKnownID))
	fmt.Fprintf(w, "last session:\t%s\n", orNone(marker.SessionID))
	fmt.Fprintf(w, "  started:\t%s\n", sessionStart(marker))
	fmt.Fprintf(w, "  new ids:\t%s\n", humanize.Comma(stats.NewIDs))
	fmt.Fprintf(w, "  repos observed:\t%s\n", humanize.Comma(stats.ReposObserved))
	fmt.Fprintf(w, "  duration:\t%s\n", stats.Duration)
	fmt.Fprintf(w, "  average:\t%.2f ids/min\n", stats.SessionAverage)
	fmt.Fprintf(w, "sessions:\t%d\n", stats.Sessions)
	fmt.Fprintf(w, "running average:\t%.2f ids/min\n", stats.RunningAverage)
	fmt.Fprintf(w, "checkpointed:\t%s\n", checkpointed)
	return w.Flush()
}

// sessionStart prefers the recorded start and falls back to the time
// embedded in the session id for markers saved without one.
func sessionStart(m poacher.Marker) string {
	start := m.SessionStart
	if start.IsZero() {
		var ok bool
		if start, ok = uuid.StartedAt(m.SessionID); !ok {
			return "unknown"
		}
	}
	return start.Format(timeLayout)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

package tui

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

// RenderPlain writes a snapshot as plain text for non-interactive output.
func RenderPlain(w io.Writer, snap Snapshot) error {
	if !snap.Online {
		_, err := fmt.Fprintln(w, "API offline")
		return err
	}
	if snap.Stats != nil {
		s := snap.Stats.Stats
		fmt.Fprintf(w, "Bills: %d/%d completed (%.1f%%), %d in queue\n",
			s.BillsCompleted, s.TotalBills, s.CompletionRate*100, s.BillsInQueue)
		for _, ch := range models.AllChannels() {
			d := snap.Stats.Queues[ch]
			fmt.Fprintf(w, "  %-20s visible=%d in_flight=%d\n", ch, d.Visible, d.InFlight)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nITEM\tSTATUS\tANSWERS\tARTICLE")
	for _, it := range snap.Items {
		status := string(it.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", it.ItemID, status, it.Stored, models.SubTaskCount, yesNo(it.Artifact))
	}
	if len(snap.Workers) > 0 {
		fmt.Fprintln(tw, "\nWORKER\tKIND\tSTATUS\tDONE\tERRORS\tHEARTBEAT")
		for _, ws := range snap.Workers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", ws.WorkerID, ws.Kind, ws.Status,
				ws.TasksProcessed, ws.ErrorsCount, since(snap.FetchedAt, ws.LastHeartbeat))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if snap.Progress != nil {
		_, err := fmt.Fprintln(w, "\n"+snap.Progress.String())
		return err
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"agentmesh/pkg/registry"
)

// printStatusTable renders the operator status listing: name, status, pid,
// uptime, peer-port.
func printStatusTable(records []registry.Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tPID\tUPTIME\tPEER-PORT")
	for _, rec := range records {
		uptime := "-"
		if rec.Status == registry.StatusRunning || rec.Status == registry.StatusUnhealthy {
			uptime = time.Since(rec.StartedAt).Truncate(time.Second).String()
		}
		pid := "-"
		if rec.PID > 0 {
			pid = fmt.Sprintf("%d", rec.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", rec.Name, rec.Status, pid, uptime, rec.Descriptor.PeerPort)
	}
	_ = w.Flush()
}

// tailFile prints a log file, optionally following appended output the way
// tail -f does.
func tailFile(path string, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(os.Stdout, f); err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if !follow {
		return nil
	}

	for {
		time.Sleep(500 * time.Millisecond)
		if _, err := io.Copy(os.Stdout, f); err != nil {
			return fmt.Errorf("read log: %w", err)
		}
	}
}

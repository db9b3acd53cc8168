package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"tabasco/shared/types"
	"tabasco/shared/utils"
)

var (
	commitColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed, color.Bold)

	added    = color.New(color.FgGreen).SprintFunc()
	removed  = color.New(color.FgRed).SprintFunc()
	modified = color.New(color.FgYellow).SprintFunc()
	hunk     = color.New(color.FgCyan).SprintFunc()
	faint    = color.New(color.Faint).SprintFunc()
)

func describeFrequency(d time.Duration) string {
	if d <= 0 {
		return "default interval"
	}
	return d.String()
}

func changeMarker(kind string) string {
	switch kind {
	case types.ChangeAdded:
		return added(kind)
	case types.ChangeRemoved:
		return removed(kind)
	default:
		return modified(kind)
	}
}

func printLog(w io.Writer, entries []types.LogEntry, patch bool) {
	for i, e := range entries {
		if i > 0 {
			fmt.Fprintln(w)
		}
		commitColor.Fprintf(w, "commit %s", e.ID)
		if e.Corrupt {
			fmt.Fprint(w, " ", removed("(corrupt)"))
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Directory: %s\n", e.Directory)
		if e.ParentID != "" {
			fmt.Fprintf(w, "Parent:    %s\n", utils.ShortID(e.ParentID))
		}
		fmt.Fprintf(w, "Date:      %s\n", e.Timestamp.Local().Format(time.RFC1123))
		fmt.Fprintln(w)

		if len(e.Changes) == 0 {
			fmt.Fprintf(w, "\t%s\n", faint("(no changes)"))
		}
		for _, ch := range e.Changes {
			fmt.Fprintf(w, "\t%s %s\n", changeMarker(ch.Type), ch.Path)
			if patch && ch.Diff != "" {
				printColoredDiff(w, ch.Diff)
			}
		}
	}
}

func printColoredDiff(w io.Writer, diff string) {
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			fmt.Fprintln(w, "\t"+hunk(line))
		case strings.HasPrefix(line, "+"):
			fmt.Fprintln(w, "\t"+added(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprintln(w, "\t"+removed(line))
		case strings.HasPrefix(line, "("):
			fmt.Fprintln(w, "\t"+faint(line))
		default:
			fmt.Fprintln(w, "\t"+line)
		}
	}
}

func printApply(w io.Writer, res *types.ApplyResult) {
	if res.Snapshot != "" {
		fmt.Fprintf(w, "Saved pending edits as %s\n", utils.ShortID(res.Snapshot))
	}
	if res.Forward == "" {
		fmt.Fprintf(w, "Already at %s, nothing to restore\n", utils.ShortID(res.Target))
		return
	}
	fmt.Fprintf(w, "Restored %s as commit %s\n", utils.ShortID(res.Target), utils.ShortID(res.Forward))
	for _, ch := range res.Changes {
		fmt.Fprintf(w, "\t%s %s\n", changeMarker(ch.Type), ch.Path)
	}
}

func printStatus(w io.Writer, st *types.Status) {
	fmt.Fprintf(w, "Daemon running (PID %d, version %s)\n", st.PID, st.Version)
	fmt.Fprintf(w, "Started %s, default interval %s\n", humanize.Time(st.StartedAt), describeFrequency(st.Frequency))
	fmt.Fprintf(w, "Blobs: %s in %s (%s stored)\n",
		humanize.Comma(int64(st.Blobs.Blobs)),
		humanize.IBytes(uint64(st.Blobs.Size)),
		humanize.IBytes(uint64(st.Blobs.StoredSize)))

	if len(st.Monitors) == 0 {
		fmt.Fprintln(w, "\nNo monitored directories")
		return
	}
	fmt.Fprintln(w)
	for _, m := range st.Monitors {
		state := m.State
		switch m.State {
		case "disabled", "stopped":
			state = faint(m.State)
		case "committing":
			state = added(m.State)
		}
		head := "-"
		if m.Head != "" {
			head = utils.ShortID(m.Head)
		}
		fmt.Fprintf(w, "%-10s %s\n", state, m.Path)
		fmt.Fprintf(w, "           every %s, %d commits, head %s\n",
			describeFrequency(m.Frequency), m.Commits, head)
	}
}

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// StatusSymbol returns a terminal-friendly symbol for a job status.
func StatusSymbol(status string) string {
	switch status {
	case "Completed":
		return "\033[32m✓\033[0m" // green check
	case "Failed":
		return "\033[31m✗\033[0m" // red X
	case "Running":
		return "\033[33m●\033[0m" // yellow dot
	case "Pending":
		return "\033[90m○\033[0m" // gray circle
	case "Cancelled":
		return "\033[90m⊘\033[0m" // gray cancel
	default:
		return "?"
	}
}

// FormatDuration formats a duration nicely.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// RelativeTime formats a time as relative to now.
func RelativeTime(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

// jobDuration renders how long a job ran, or has been running.
func jobDuration(j Job) string {
	if j.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return FormatDuration(end.Sub(*j.StartedAt))
}

// PrintJobs renders a job table.
func PrintJobs(w io.Writer, jobs []Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tSPEC\tSTATUS\tPROGRESS\tQUEUE\tWORKER\tDURATION\tCREATED")
	for _, j := range jobs {
		worker := j.AssignedWorkerName
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(tw, "%s %d\t%s\t%s\t%d%%\t%s\t%s\t%s\t%s\n",
			StatusSymbol(j.Status), j.ID, j.Name, j.Status, j.Progress,
			j.QueueName, worker, jobDuration(j), RelativeTime(j.CreatedAt))
	}
	tw.Flush()
}

// PrintSpecs renders a specification table.
func PrintSpecs(w io.Writer, specs []Spec) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tCOMMAND")
	for _, s := range specs {
		active := "yes"
		if !s.IsActive {
			active = "no"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.ID, s.Name, active, s.Command)
	}
	tw.Flush()
}

// PrintQueues renders a queue table.
func PrintQueues(w io.Writer, queues []Queue) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPRIORITY\tSTRATEGY\tDEFAULT")
	for _, q := range queues {
		def := ""
		if q.IsDefault {
			def = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", q.ID, q.Name, q.State, q.Priority, q.Strategy, def)
	}
	tw.Flush()
}

// PrintWorkers renders a worker table.
func PrintWorkers(w io.Writer, workers []Worker) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tADDR\tSTATE\tSTATUS\tMAX JOBS")
	for _, wk := range workers {
		addr := wk.IPAddress
		if addr == "" {
			addr = wk.Hostname
		}
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			wk.ID, wk.Name, wk.WorkerType, addr, wk.State, wk.Status, wk.MaxJobs)
	}
	tw.Flush()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/dispatch/internal/cli"
	"github.com/ehrlich-b/dispatch/internal/version"
)

func main() {
	var serverURL string

	rootCmd := &cobra.Command{
		Use:     "dispatch",
		Short:   "Job dispatcher for local and remote workers",
		Version: version.Version,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "Backend API URL")

	client := func() *cli.Client { return cli.NewClient(serverURL) }

	rootCmd.AddCommand(
		serverCmd(),
		agentCmd(),
		jobCmd(client),
		specCmd(client),
		queueCmd(client),
		workerCmd(client),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultServerURL() string {
	if url := os.Getenv("DISPATCH_SERVER"); url != "" {
		return url
	}
	return "http://127.0.0.1:8080"
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serverCmd() *cobra.Command {
	var opts cli.ServerOptions
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return cli.RunServer(ctx, opts, slog.Default())
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "Address to listen on (default from config, :8080)")
	cmd.Flags().StringVar(&opts.ConfigDir, "config", "", "Directory containing dispatch.{toml,yaml,json}")
	return cmd
}

func agentCmd() *cobra.Command {
	var opts cli.AgentOptions
	cmd := &cobra.Command{
		Use:    "agent",
		Short:  "Run a worker agent (normally launched by the backend)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return cli.RunAgent(ctx, opts, slog.Default())
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "Worker name")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Port to listen on")
	cmd.Flags().IntVar(&opts.MaxJobs, "max-jobs", 1, "Max concurrent executions")
	cmd.Flags().StringVar(&opts.BrokerHost, "broker-host", "127.0.0.1", "Redis broker host")
	cmd.Flags().IntVar(&opts.BrokerPort, "broker-port", 6379, "Redis broker port")
	cmd.Flags().IntVar(&opts.BrokerDB, "broker-db", 0, "Redis broker database")
	cmd.Flags().StringVar(&opts.Backend, "backend", "http://127.0.0.1:8080", "Backend URL for status callbacks")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("port")
	return cmd
}

func jobCmd(client func() *cli.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage jobs",
	}

	var queueName, createdBy string
	var jobArgs []string
	var maxRetries int
	submit := &cobra.Command{
		Use:   "submit <spec>",
		Short: "Submit a job for a named specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimeArgs, err := parseArgs(jobArgs)
			if err != nil {
				return err
			}
			job, err := client().SubmitJob(cmd.Context(), cli.SubmitJobRequest{
				SpecName:    args[0],
				QueueName:   queueName,
				CreatedBy:   createdBy,
				RuntimeArgs: runtimeArgs,
				MaxRetries:  maxRetries,
			})
			if err != nil {
				return err
			}
			fmt.Printf("job %d submitted to queue %s\n", job.ID, job.QueueName)
			return nil
		},
	}
	submit.Flags().StringVar(&queueName, "queue", "", "Queue to submit to (default queue when empty)")
	submit.Flags().StringVar(&createdBy, "created-by", "", "Submitter recorded on the job")
	submit.Flags().StringArrayVar(&jobArgs, "arg", nil, "Runtime argument key=value (repeatable)")
	submit.Flags().IntVar(&maxRetries, "retries", 0, "Max retries")

	var listStatus, listQueue string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := client().ListJobs(cmd.Context(), listStatus, listQueue, listLimit)
			if err != nil {
				return err
			}
			cli.PrintJobs(os.Stdout, jobs)
			return nil
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	list.Flags().StringVar(&listQueue, "queue", "", "Filter by queue")
	list.Flags().IntVarP(&listLimit, "limit", "n", 20, "Max jobs to list")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			job, err := client().GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%s job %d  %s\n", cli.StatusSymbol(job.Status), job.ID, job.Name)
			fmt.Printf("  status:   %s (%d%%)\n", job.Status, job.Progress)
			fmt.Printf("  queue:    %s\n", job.QueueName)
			if job.AssignedWorkerName != "" {
				fmt.Printf("  worker:   %s\n", job.AssignedWorkerName)
			}
			if job.ErrorMessage != "" {
				fmt.Printf("  error:    %s\n", job.ErrorMessage)
			}
			if len(job.Result) > 0 {
				fmt.Printf("  result:   %s\n", job.Result)
			}
			fmt.Printf("  created:  %s\n", cli.RelativeTime(job.CreatedAt))
			return nil
		},
	}

	cancel := jobAction(client, "cancel", "Cancel a job", (*cli.Client).CancelJob)
	retry := jobAction(client, "retry", "Retry a failed job as a new job", (*cli.Client).RetryJob)

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a finished job and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := client().DeleteJob(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("job %d deleted\n", id)
			return nil
		},
	}

	var follow bool
	logs := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print a job's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if follow {
				ctx, stop := signalContext()
				defer stop()
				return client().FollowJobLogs(ctx, id, os.Stdout)
			}
			content, err := client().JobLogs(cmd.Context(), id)
			if err != nil {
				return err
			}
			os.Stdout.Write(content)
			return nil
		},
	}
	logs.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the job finishes")

	var statsDays int
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := client().Statistics(cmd.Context(), statsDays)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s: %v\n", k, stats[k])
			}
			return nil
		},
	}
	stats.Flags().IntVar(&statsDays, "days", 30, "Window in days")

	cmd.AddCommand(submit, list, show, cancel, retry, rm, logs, stats)
	return cmd
}

func jobAction(client func() *cli.Client, name, short string, action func(*cli.Client, context.Context, int64) (*cli.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			job, err := action(client(), cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("job %d is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func specCmd(client func() *cli.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Manage job specifications",
	}

	var description, createdBy string
	add := &cobra.Command{
		Use:   "add <name> <command>",
		Short: "Register a specification",
		Long: `Register a named command template. Placeholders like {{key}} are
filled from job runtime arguments at dispatch time.

Example:
  dispatch spec add backup "tar czf /backups/{{name}}.tgz {{path}}"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := client().CreateSpec(cmd.Context(), args[0], args[1], description, createdBy)
			if err != nil {
				return err
			}
			fmt.Printf("spec %d (%s) created\n", spec.ID, spec.Name)
			return nil
		},
	}
	add.Flags().StringVar(&description, "description", "", "Human-readable description")
	add.Flags().StringVar(&createdBy, "created-by", "", "Author recorded on the spec")

	list := &cobra.Command{
		Use:   "list",
		Short: "List specifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := client().ListSpecs(cmd.Context())
			if err != nil {
				return err
			}
			cli.PrintSpecs(os.Stdout, specs)
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Deactivate a specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := client().DeleteSpec(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("spec %d deactivated\n", id)
			return nil
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func queueCmd(client func() *cli.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage dispatch queues",
	}

	var priority, strategy string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := client().CreateQueue(cmd.Context(), args[0], priority, strategy)
			if err != nil {
				return err
			}
			fmt.Printf("queue %d (%s) created, %s\n", queue.ID, queue.Name, queue.State)
			return nil
		},
	}
	add.Flags().StringVar(&priority, "priority", "normal", "Priority: critical, high, normal or low")
	add.Flags().StringVar(&strategy, "strategy", "round_robin", "Worker selection: round_robin, least_loaded, random or priority")

	list := &cobra.Command{
		Use:   "list",
		Short: "List queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := client().ListQueues(cmd.Context())
			if err != nil {
				return err
			}
			cli.PrintQueues(os.Stdout, queues)
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an empty, non-default queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := client().DeleteQueue(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("queue %d deleted\n", id)
			return nil
		},
	}

	assign := &cobra.Command{
		Use:   "assign <queue-id> <worker-id>",
		Short: "Assign a worker to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueID, workerID, err := parseIDPair(args)
			if err != nil {
				return err
			}
			if err := client().AssignWorker(cmd.Context(), queueID, workerID); err != nil {
				return err
			}
			fmt.Printf("worker %d assigned to queue %d\n", workerID, queueID)
			return nil
		},
	}

	unassign := &cobra.Command{
		Use:   "unassign <queue-id> <worker-id>",
		Short: "Remove a worker from a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueID, workerID, err := parseIDPair(args)
			if err != nil {
				return err
			}
			if err := client().UnassignWorker(cmd.Context(), queueID, workerID); err != nil {
				return err
			}
			fmt.Printf("worker %d unassigned from queue %d\n", workerID, queueID)
			return nil
		},
	}

	cmd.AddCommand(add, list, rm, assign, unassign)
	for _, action := range []string{"start", "stop", "pause"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <id>",
			Short: titleCase(action) + " a queue",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				queue, err := client().QueueAction(cmd.Context(), id, action)
				if err != nil {
					return err
				}
				fmt.Printf("queue %s is %s\n", queue.Name, queue.State)
				return nil
			},
		})
	}
	return cmd
}

func workerCmd(client func() *cli.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
	}

	var req cli.CreateWorkerRequest
	var remote, askPassword bool
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a worker",
		Long: `Register a local worker (an agent subprocess on this host) or, with
--remote, an SSH-reachable host. --provision deploys the agent over SSH;
--ask-password prompts for the SSH password instead of taking it on the
command line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			req.WorkerType = "local"
			if remote {
				req.WorkerType = "remote"
			}
			if askPassword {
				fmt.Fprintf(os.Stderr, "SSH password for %s@%s: ", req.SSHUser, req.Hostname)
				pw, err := term.ReadPassword(int(syscall.Stdin))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				req.Password = string(pw)
				req.AuthMethod = "password"
			}
			worker, err := client().CreateWorker(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("worker %d (%s) created, %s\n", worker.ID, worker.Name, worker.Status)
			if remote && req.Provision {
				fmt.Printf("provisioning in progress; check with: dispatch worker deployment %d\n", worker.ID)
			}
			return nil
		},
	}
	add.Flags().BoolVar(&remote, "remote", false, "Worker is a remote SSH host")
	add.Flags().StringVar(&req.Hostname, "host", "", "Remote hostname")
	add.Flags().StringVar(&req.IPAddress, "ip", "", "Remote IP address")
	add.Flags().IntVar(&req.Port, "port", 0, "Agent port")
	add.Flags().StringVar(&req.SSHUser, "ssh-user", "", "SSH user for remote workers")
	add.Flags().BoolVar(&askPassword, "ask-password", false, "Prompt for the SSH password")
	add.Flags().BoolVar(&req.Provision, "provision", false, "Deploy the agent over SSH")
	add.Flags().IntVar(&req.MaxJobs, "max-jobs", 1, "Max concurrent jobs")

	list := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := client().ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			cli.PrintWorkers(os.Stdout, workers)
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a stopped worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := client().DeleteWorker(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("worker %d deleted\n", id)
			return nil
		},
	}

	deployment := &cobra.Command{
		Use:   "deployment <id>",
		Short: "Show provisioning progress for a remote worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := client().WorkerDeployment(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("status: %v\n", d["status"])
			if steps, ok := d["steps"].([]any); ok {
				for _, s := range steps {
					step, _ := s.(map[string]any)
					fmt.Printf("  [%v] %v\n", step["status"], step["name"])
				}
			}
			return nil
		},
	}

	cmd.AddCommand(add, list, rm, deployment)
	for _, action := range []string{"start", "stop", "pause", "resume"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <id>",
			Short: titleCase(action) + " a worker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				worker, err := client().WorkerAction(cmd.Context(), id, action)
				if err != nil {
					return err
				}
				fmt.Printf("worker %s is %s (%s)\n", worker.Name, worker.State, worker.Status)
				return nil
			},
		})
	}
	return cmd
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseIDPair(args []string) (int64, int64, error) {
	a, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// parseArgs turns repeated key=value flags into a runtime argument map.
func parseArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

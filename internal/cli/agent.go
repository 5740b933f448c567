package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ehrlich-b/dispatch/internal/agent"
	"github.com/ehrlich-b/dispatch/internal/broker"
)

// AgentOptions mirror the flags the worker manager passes when it launches
// an agent process.
type AgentOptions struct {
	Name       string
	Port       int
	MaxJobs    int
	BrokerHost string
	BrokerPort int
	BrokerDB   int
	Backend    string
}

// RunAgent is the worker-agent entrypoint. The broker password arrives via
// DISPATCH_BROKER_PASSWORD so it never shows up in process listings.
func RunAgent(ctx context.Context, opts AgentOptions, log *slog.Logger) error {
	if opts.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if opts.Port <= 0 {
		return fmt.Errorf("agent port is required")
	}

	a := agent.New(agent.Config{
		Name:    opts.Name,
		Port:    opts.Port,
		MaxJobs: opts.MaxJobs,
		Broker: broker.Options{
			Host:     opts.BrokerHost,
			Port:     opts.BrokerPort,
			DB:       opts.BrokerDB,
			Password: os.Getenv("DISPATCH_BROKER_PASSWORD"),
		},
		BackendURL: opts.Backend,
	}, log)

	return a.Run(ctx)
}

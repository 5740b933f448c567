// Package broker manages the Redis list used as the log transport between
// worker agents and the backend: client construction, the shared password
// file, and an optionally self-managed redis-server process.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ehrlich-b/dispatch/internal/crypto"
	"github.com/ehrlich-b/dispatch/internal/protocol"
)

// Options describe how to reach (and possibly launch) the broker.
type Options struct {
	Host     string
	Port     int
	DB       int
	Password string
}

func (o Options) addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// NewClient returns a go-redis client for the broker.
func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.addr(),
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// LoadOrCreatePassword reads the shared broker password from path, creating
// it with a fresh random secret (mode 0600) when absent.
func LoadOrCreatePassword(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return string(b), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read broker password: %w", err)
	}
	secret, err := crypto.GenerateSecret(32)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("write broker password: %w", err)
	}
	return secret, nil
}

// ServerFiles are the on-disk paths a managed redis-server uses.
type ServerFiles struct {
	LogFile string
	PIDFile string
}

// EnsureServer makes sure a broker is reachable at opts. If the initial ping
// fails it launches redis-server bound to localhost with the shared password
// and probes again. The spawned server outlives us; the pid file is there so
// an operator can find it.
func EnsureServer(ctx context.Context, opts Options, files ServerFiles, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := ping(ctx, opts); err == nil {
		return nil
	}

	logger.Info("broker not reachable, starting redis-server", "addr", opts.addr())
	cmd := exec.Command("redis-server",
		"--bind", opts.Host,
		"--port", strconv.Itoa(opts.Port),
		"--protected-mode", "yes",
		"--requirepass", opts.Password,
		"--daemonize", "yes",
		"--logfile", files.LogFile,
		"--pidfile", files.PIDFile,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("start redis-server: %w: %s", err, out)
	}

	var lastErr error
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if lastErr = ping(ctx, opts); lastErr == nil {
			logger.Info("broker started", "addr", opts.addr())
			return nil
		}
	}
	return fmt.Errorf("broker did not come up at %s: %w", opts.addr(), lastErr)
}

func ping(ctx context.Context, opts Options) error {
	client := NewClient(opts)
	defer client.Close()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// PushLog encodes a log message and pushes it onto the logs list.
func PushLog(ctx context.Context, client *redis.Client, m protocol.LogMessage) error {
	enc, err := protocol.EncodeLogMessage(m)
	if err != nil {
		return err
	}
	if err := client.LPush(ctx, protocol.LogsKey, enc).Err(); err != nil {
		return fmt.Errorf("push log: %w", err)
	}
	return nil
}

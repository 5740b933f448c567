// Package ingest drains the broker's log list into per-job and per-worker
// log files, applying in-band keywords to job state as lines pass through.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ehrlich-b/dispatch/internal/broker"
	"github.com/ehrlich-b/dispatch/internal/protocol"
	"github.com/ehrlich-b/dispatch/internal/storage"
)

// JobSink is the slice of the job service the consumer mutates while
// parsing output lines.
type JobSink interface {
	Get(ctx context.Context, id int64) (*storage.Job, error)
	UpdateProgress(ctx context.Context, id int64, progress int) error
	UpdateResult(ctx context.Context, id int64, result json.RawMessage) error
	UpdateError(ctx context.Context, id int64, message string) error
}

// Consumer pulls log messages off the broker list and files them.
type Consumer struct {
	opts         broker.Options
	jobs         JobSink
	workerLogDir string
	archiver     *Archiver // optional
	logger       *slog.Logger

	// Lines, when set before Start, counts every ingested line.
	Lines prometheus.Counter

	redis *redis.Client
	sink  *fileSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer builds a log consumer. archiver may be nil.
func NewConsumer(opts broker.Options, jobs JobSink, workerLogDir string, archiver *Archiver, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		opts:         opts,
		jobs:         jobs,
		workerLogDir: workerLogDir,
		archiver:     archiver,
		logger:       logger,
		redis:        broker.NewClient(opts),
		sink:         newFileSink(),
	}
}

// Start launches the consume loop.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop halts the loop and closes every open log handle.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.sink.CloseAll()
	c.redis.Close()
}

// run is the consume loop. Broker errors back off exponentially; after ten
// consecutive failures the client is rebuilt from scratch, which recovers
// from a restarted broker with a changed connection state.
func (c *Consumer) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 16 * time.Second
	bo.MaxElapsedTime = 0
	consecutive := 0

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := c.redis.BRPop(ctx, 0, protocol.LogsKey).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			consecutive++
			wait := bo.NextBackOff()
			c.logger.Warn("broker read failed", "error", err, "consecutive", consecutive, "backoff", wait)
			if consecutive >= 10 {
				c.logger.Warn("rebuilding broker client")
				c.redis.Close()
				c.redis = broker.NewClient(c.opts)
				consecutive = 0
				bo.Reset()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		consecutive = 0
		bo.Reset()

		// BRPop returns [key, element].
		if len(res) != 2 {
			continue
		}
		c.handle(ctx, res[1])
	}
}

// handle files one raw broker element.
func (c *Consumer) handle(ctx context.Context, raw string) {
	m, err := protocol.DecodeLogMessage(raw)
	if err != nil {
		c.logger.Warn("dropping undecodable log element", "error", err)
		return
	}
	if c.Lines != nil {
		c.Lines.Inc()
	}

	switch {
	case m.ExecutionID != "":
		c.handleJobLine(ctx, m)
	case m.WorkerName != "":
		c.handleWorkerLine(m)
	default:
		c.logger.Warn("dropping unroutable log message", "message", m.Message)
	}
}

func (c *Consumer) handleJobLine(ctx context.Context, m protocol.LogMessage) {
	_, jobID, err := protocol.SplitExecutionID(m.ExecutionID)
	if err != nil {
		c.logger.Warn("dropping log line with bad execution id", "execution_id", m.ExecutionID)
		return
	}
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		c.logger.Warn("dropping log line for unknown job", "job_id", jobID)
		return
	}
	if job.LogFilePath != "" {
		if err := c.sink.WriteLine(job.LogFilePath, m.Message); err != nil {
			c.logger.Error("write job log", "job_id", jobID, "error", err)
		}
	}

	ev := ParseLine(m.Message, c.logger)
	if ev.Progress != nil {
		if err := c.jobs.UpdateProgress(ctx, jobID, *ev.Progress); err != nil {
			c.logger.Error("apply progress", "job_id", jobID, "error", err)
		}
	}
	if ev.Result != nil {
		if err := c.jobs.UpdateResult(ctx, jobID, ev.Result); err != nil {
			c.logger.Error("apply result", "job_id", jobID, "error", err)
		}
	}
	if ev.HasError {
		if err := c.jobs.UpdateError(ctx, jobID, ev.Error); err != nil {
			c.logger.Error("apply error", "job_id", jobID, "error", err)
		}
	}
}

func (c *Consumer) handleWorkerLine(m protocol.LogMessage) {
	path := filepath.Join(c.workerLogDir, strings.ToLower(m.WorkerName)+".log")
	if err := c.sink.WriteLine(path, workerLinePrefix(m)); err != nil {
		c.logger.Error("write worker log", "worker", m.WorkerName, "error", err)
	}
}

// CloseLog releases the handle for a finished job's log and hands the file
// to the archiver. Safe to call more than once.
func (c *Consumer) CloseLog(ctx context.Context, jobID int64) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil || job.LogFilePath == "" {
		return
	}
	c.sink.Close(job.LogFilePath)
	if c.archiver != nil {
		go c.archiver.Archive(jobID, job.LogFilePath)
	}
}

// Package consumer pulls jobs of one kind off their queue, runs them through
// a Processor under a concurrency cap and publishes every terminal result.
//
// Each consumer cycles WAIT_FOR_JOB -> PROCESSING -> PUBLISH_RESULT. An empty
// poll just loops. Errors of the loop itself (queue outages, undecodable
// payloads) are logged and followed by a fixed back-off so a persistent
// failure cannot spin the process.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kiranshivaraju/docpipe/internal/clock"
	"github.com/kiranshivaraju/docpipe/internal/queue"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const (
	DefaultConcurrency  = 5
	DefaultPollTimeout  = 10 * time.Second
	DefaultErrorBackoff = 5 * time.Second
)

// Processor runs one job to its terminal result.
type Processor interface {
	Process(ctx context.Context, job models.Job) models.TaskResult
}

type Options struct {
	Concurrency  int
	PollTimeout  time.Duration
	ErrorBackoff time.Duration
	Sleeper      clock.Sleeper
}

type Consumer struct {
	kind    models.JobKind
	channel queue.Channel
	queue   queue.Queue
	proc    Processor
	sleeper clock.Sleeper

	concurrency  int
	pollTimeout  time.Duration
	errorBackoff time.Duration

	slots    *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New returns a consumer for the queue that serves kind.
func New(kind models.JobKind, q queue.Queue, proc Processor, opts Options) (*Consumer, error) {
	channel, err := queue.ChannelFor(kind)
	if err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.Sleeper == nil {
		opts.Sleeper = clock.Real{}
	}
	return &Consumer{
		kind:         kind,
		channel:      channel,
		queue:        q,
		proc:         proc,
		sleeper:      opts.Sleeper,
		concurrency:  opts.Concurrency,
		pollTimeout:  opts.PollTimeout,
		errorBackoff: opts.ErrorBackoff,
		slots:        semaphore.NewWeighted(int64(opts.Concurrency)),
	}, nil
}

func (c *Consumer) Kind() models.JobKind { return c.kind }

// InFlight is the number of jobs currently being processed.
func (c *Consumer) InFlight() int { return int(c.inFlight.Load()) }

// Run consumes until ctx is done, then waits for in-flight jobs to publish
// their results. Jobs are not cancelled by ctx.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer started",
		"kind", c.kind,
		"queue", c.channel.Queue,
		"concurrency", c.concurrency,
	)
	defer func() {
		c.wg.Wait()
		slog.Info("consumer stopped", "kind", c.kind)
	}()

	for ctx.Err() == nil {
		if err := c.next(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("consumer loop failed",
				"kind", c.kind,
				"error", err,
				"backoff", c.errorBackoff,
			)
			if err := c.sleeper.Sleep(ctx, c.errorBackoff); err != nil {
				break
			}
		}
	}
	return nil
}

// next waits for a free slot, then for a job, and starts it. A slot is taken
// before dequeuing so a job never waits in this process while another
// worker could run it.
func (c *Consumer) next(ctx context.Context) error {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}

	payload, err := c.queue.Dequeue(ctx, c.channel.Queue, c.pollTimeout)
	if err != nil {
		c.slots.Release(1)
		return fmt.Errorf("dequeue %s: %w", c.channel.Queue, err)
	}
	if payload == nil {
		c.slots.Release(1)
		return nil
	}

	var job models.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		c.slots.Release(1)
		return fmt.Errorf("decoding job from %s: %w", c.channel.Queue, err)
	}
	job.Kind = c.kind

	c.wg.Add(1)
	c.inFlight.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.slots.Release(1)
		defer c.inFlight.Add(-1)
		c.handle(context.WithoutCancel(ctx), job)
	}()
	return nil
}

func (c *Consumer) handle(ctx context.Context, job models.Job) {
	slog.Info("job received", "kind", c.kind, "request_id", job.RequestID, "use_remote", job.UseRemote)

	result := c.process(ctx, job)
	result.RequestID = job.RequestID

	payload, err := json.Marshal(result)
	if err != nil {
		slog.Error("encoding result failed", "request_id", job.RequestID, "error", err)
		payload, _ = json.Marshal(models.Failed(job.RequestID, "encoding result failed"))
	}
	if err := c.queue.PushResult(ctx, c.channel.ResultKey(job.RequestID), payload); err != nil {
		slog.Error("publishing result failed", "kind", c.kind, "request_id", job.RequestID, "error", err)
		return
	}
	slog.Info("result published", "kind", c.kind, "request_id", job.RequestID, "status", result.Status)
}

func (c *Consumer) process(ctx context.Context, job models.Job) (result models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job",
				"kind", c.kind,
				"request_id", job.RequestID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = models.Failed(job.RequestID, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return c.proc.Process(ctx, job)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job models.Job) models.TaskResult

func (f ProcessorFunc) Process(ctx context.Context, job models.Job) models.TaskResult {
	return f(ctx, job)
}

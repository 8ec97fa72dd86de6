package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrInvalidJobMessage is returned when a job message cannot be decoded
	ErrInvalidJobMessage = errors.New("invalid job message")

	// ErrProcessorRunning is returned when starting a processor twice
	ErrProcessorRunning = errors.New("processor already running")
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of deliveries of a job before it is dead-lettered
	DefaultMaxRetries = 3

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 60 * time.Second
)

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	// Stream name for the job queue
	Stream string

	// Consumer group name
	ConsumerGroup string

	// Consumer name (unique per instance)
	ConsumerName string

	BatchSize    int64
	BlockTimeout time.Duration

	// Deliveries of a failing job before it moves to the DLQ
	MaxRetries int

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	WorkerCount int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "fern:jobs",
		ConsumerGroup: "fern-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// Handler runs one job. Returning a PermanentError dead-letters the job at once;
// any other error leaves it pending for redelivery.
type Handler func(ctx context.Context, job *redis.JobMessage) error

// PermanentError marks a job that will never succeed.
type PermanentError struct {
	Reason models.DeadLetterReason
	Err    error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the processor dead-letters the job with reason.
func Permanent(reason models.DeadLetterReason, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// JobResult holds the result of processing a job
type JobResult struct {
	JobID     string
	MessageID string
	Success   bool
	Error     error
	Duration  time.Duration
}

// Processor processes jobs from a Redis Streams queue
type Processor struct {
	streams  *redis.Streams
	dlq      *redis.DeadLetterQueue
	handlers map[string]Handler
	config   ProcessorConfig
	logger   ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan jobItem

	running bool
	mu      sync.RWMutex
}

type jobItem struct {
	message    redis.StreamMessage
	job        *redis.JobMessage
	deliveries int
}

// NewProcessor creates a new job processor
func NewProcessor(streams *redis.Streams, dlq *redis.DeadLetterQueue, config ProcessorConfig, logger ectologger.Logger) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		dlq:      dlq,
		handlers: map[string]Handler{},
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan jobItem, config.BatchSize*2),
	}
}

// Handle registers the handler for a job type. Call before Start.
func (p *Processor) Handle(jobType string, handler Handler) {
	p.handlers[jobType] = handler
}

// Start creates the consumer group and starts the workers
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrProcessorRunning
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	// workers outlive the caller's ctx; Stop ends them
	runCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(runCtx, &wg, i)
	}

	var producers sync.WaitGroup
	producers.Add(2)
	go p.consumeLoop(runCtx, &producers)
	go p.claimLoop(runCtx, &producers)

	go func() {
		<-p.stopCh
		producers.Wait()
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Job processor started")
	return nil
}

// Stop stops the processor and waits for in-flight jobs
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			if !p.dispatch(ctx, msg, 1) {
				return
			}
		}
	}
}

// dispatch hands a message to the workers. It returns false once the processor is stopping.
func (p *Processor) dispatch(ctx context.Context, msg redis.StreamMessage, deliveries int) bool {
	job, err := parseJobMessage(msg)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to parse job message %s", msg.ID)
		p.deadLetter(ctx, msg.ID, nil, deliveries, models.DLQReasonInvalidJob, err.Error())
		return true
	}

	select {
	case p.jobsCh <- jobItem{message: msg, job: job, deliveries: deliveries}:
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages reclaims jobs whose worker failed or died, and
// dead-letters those delivered too many times
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	deliveries := map[string]int{}
	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount >= int64(p.config.MaxRetries) {
			p.logger.WithContext(ctx).Warnf("Message %s exceeded max retries (%d), moving to DLQ", msg.ID, msg.RetryCount)
			p.deadLetterByID(ctx, msg.ID, int(msg.RetryCount), models.DLQReasonMaxRetries, "exceeded maximum retry count")
			continue
		}
		deliveries[msg.ID] = int(msg.RetryCount) + 1
		staleIDs = append(staleIDs, msg.ID)
	}

	if len(staleIDs) == 0 {
		return
	}

	p.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}

	for _, msg := range claimed {
		if !p.dispatch(ctx, msg, deliveries[msg.ID]) {
			return
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for item := range p.jobsCh {
		result := p.processJob(ctx, item)
		if result.Success {
			if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, item.message.ID); err != nil {
				p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", item.message.ID)
			}
			continue
		}

		var permanent *PermanentError
		if errors.As(result.Error, &permanent) {
			p.deadLetter(ctx, item.message.ID, item.job, item.deliveries, permanent.Reason, permanent.Error())
			continue
		}
		// left pending; the claim loop redelivers it after ClaimMinIdle
		p.logger.WithContext(ctx).WithError(result.Error).Warnf("Job %s failed, will be retried", result.JobID)
	}

	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

func (p *Processor) processJob(ctx context.Context, item jobItem) (result *JobResult) {
	ctx, span := tracing.StartSpan(ctx, "Processor.processJob")
	defer span.End()

	start := time.Now()
	result = &JobResult{
		JobID:     item.job.ID,
		MessageID: item.message.ID,
	}

	ctx = appctx.SetTenantID(ctx, item.job.OrganizationID)
	ctx = appctx.SetRequestID(ctx, item.job.ID)

	metrics.QueueJobsInFlight.Inc()
	defer func() {
		metrics.QueueJobsInFlight.Dec()
		if r := recover(); r != nil {
			result.Success = false
			result.Error = Permanent(models.DLQReasonPanic, fmt.Errorf("panic: %v", r))
		}
		result.Duration = time.Since(start)

		status := "success"
		if !result.Success {
			status = "error"
			p.logger.WithContext(ctx).WithError(result.Error).Warnf("Job %s failed after %s", item.job.ID, result.Duration)
		} else {
			p.logger.WithContext(ctx).Debugf("Job %s completed in %s", item.job.ID, result.Duration)
		}
		metrics.QueueJobsProcessed.WithLabelValues(item.job.Type, status).Inc()
	}()

	handler, ok := p.handlers[item.job.Type]
	if !ok {
		result.Error = Permanent(models.DLQReasonUnknownType, fmt.Errorf("unknown job type: %s", item.job.Type))
		return result
	}

	item.job.Attempts = item.deliveries
	if err := handler(ctx, item.job); err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	return result
}

func parseJobMessage(msg redis.StreamMessage) (*redis.JobMessage, error) {
	var job redis.JobMessage
	if err := json.Unmarshal([]byte(msg.Data), &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobMessage, err)
	}
	if job.ID == "" || job.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrInvalidJobMessage)
	}
	return &job, nil
}

// deadLetterByID loads the message so the DLQ entry carries the original job
func (p *Processor) deadLetterByID(ctx context.Context, messageID string, retryCount int, reason models.DeadLetterReason, errorMsg string) {
	var job *redis.JobMessage
	messages, err := p.streams.Range(ctx, p.config.Stream, messageID, messageID)
	if err == nil && len(messages) > 0 {
		job, _ = parseJobMessage(messages[0])
	}
	p.deadLetter(ctx, messageID, job, retryCount, reason, errorMsg)
}

// deadLetter records the job in the DLQ and acks it so it is not redelivered
func (p *Processor) deadLetter(ctx context.Context, messageID string, job *redis.JobMessage, retryCount int, reason models.DeadLetterReason, errorMsg string) {
	ctx, span := tracing.StartSpan(ctx, "Processor.deadLetter")
	defer span.End()

	if p.dlq != nil {
		entry := &redis.DLQEntry{
			OriginalJob:  job,
			Reason:       reason,
			ErrorMessage: errorMsg,
			RetryCount:   retryCount,
		}
		if job != nil {
			entry.OrganizationID = job.OrganizationID
			entry.JobType = job.Type
		}
		if _, err := p.dlq.Add(ctx, entry); err != nil {
			p.logger.WithContext(ctx).WithError(err).Errorf("Failed to add message %s to DLQ", messageID)
		}
	}

	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, messageID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s after DLQ", messageID)
	}
}

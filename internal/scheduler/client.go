package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"nald_import/internal/pipeline"
	"nald_import/platform/config"
	"nald_import/platform/logger"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// defaultExpireIn applies when a publish carries no expiry; asynq's unique
// lock needs a positive TTL.
const defaultExpireIn = 2 * time.Hour

// maxRetryDelay caps the pause before a failed stage attempt is retried.
const maxRetryDelay = time.Minute

// Queue implements pipeline.Queue on asynq. Each stage gets its own asynq
// queue named "<prefix>:<stage>".
type Queue struct {
	client      *asynq.Client
	inspector   *asynq.Inspector
	opt         asynq.RedisClientOpt
	prefix      string
	concurrency int
	log         *logger.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
	hooks         map[string][]pipeline.CompletionHook
}

var _ pipeline.Queue = (*Queue)(nil)

func NewQueue(cfg config.SchedulerConfig, log *logger.Logger) (*Queue, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return newQueue(opt, cfg.GetAsynqQueuePrefix(), cfg.GetAsynqConcurrency(), log), nil
}

func newQueue(opt asynq.RedisClientOpt, prefix string, concurrency int, log *logger.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 10
	}
	return &Queue{
		client:        asynq.NewClient(opt),
		inspector:     asynq.NewInspector(opt),
		opt:           opt,
		prefix:        prefix,
		concurrency:   concurrency,
		log:           log,
		subscriptions: make(map[string]*subscription),
		hooks:         make(map[string][]pipeline.CompletionHook),
	}
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return errors.Join(q.client.Close(), q.inspector.Close())
}

// Publish enqueues a stage job. A singleton key still held in Redis is
// reported as pipeline.ErrDuplicateJob.
func (q *Queue) Publish(ctx context.Context, job pipeline.Job, opts pipeline.PublishOptions) (string, error) {
	if opts.SingletonKey != "" {
		job.SingletonKey = opts.SingletonKey
	}

	task, err := NewStageTask(job)
	if err != nil {
		return "", err
	}

	info, err := q.client.EnqueueContext(ctx, task, q.taskOptions(job.Stage, opts)...)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return "", pipeline.ErrDuplicateJob
		}
		return "", fmt.Errorf("enqueue %s: %w", job.SingletonKey, err)
	}
	return info.ID, nil
}

func (q *Queue) taskOptions(stage string, opts pipeline.PublishOptions) []asynq.Option {
	expireIn := opts.ExpireIn
	if expireIn <= 0 {
		expireIn = defaultExpireIn
	}
	maxRetry := max(opts.MaxRetry, 0)
	return []asynq.Option{
		asynq.Queue(queueName(q.prefix, stage)),
		asynq.Unique(uniqueTTL(expireIn, maxRetry)),
		asynq.Timeout(expireIn),
		asynq.MaxRetry(maxRetry),
	}
}

// uniqueTTL keeps the lock for every attempt and the pauses between them. A
// completed task drops its lock earlier; the TTL only matters for a worker
// that dies mid-job.
func uniqueTTL(expireIn time.Duration, maxRetry int) time.Duration {
	return time.Duration(maxRetry+1) * (expireIn + maxRetryDelay)
}

// Ping checks the Redis connection behind the queue.
func (q *Queue) Ping(context.Context) error {
	return q.client.Ping()
}

// DeleteQueue removes a stage's queue including its pending tasks.
func (q *Queue) DeleteQueue(_ context.Context, stage string) error {
	err := q.inspector.DeleteQueue(queueName(q.prefix, stage), true)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}

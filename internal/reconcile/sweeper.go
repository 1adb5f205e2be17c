package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/edupay/payment-gateway/internal/model"
	"github.com/edupay/payment-gateway/internal/queue"
	"github.com/edupay/payment-gateway/pkg/logger"
	"github.com/edupay/payment-gateway/pkg/prom"
	"github.com/edupay/payment-gateway/pkg/redis"
	"github.com/edupay/payment-gateway/pkg/worker"
)

const recheckTimeout = 30 * time.Second

// RecheckJob is the queue payload for one stale transaction recheck.
type RecheckJob struct {
	MerchantRef string `json:"merchant_ref"`
	PaymentID   int64  `json:"payment_id"`
}

// StaleScanner finds PENDING transactions old enough to be suspect.
type StaleScanner interface {
	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error)
}

type SweeperConfig struct {
	// Interval between sweep scans.
	Interval time.Duration
	// StaleAge is how long a transaction may sit PENDING before it is
	// swept into a recheck.
	StaleAge time.Duration
	// BatchSize caps how many stale transactions one scan enqueues.
	BatchSize int
	// Consumers is the number of queue consumer instances.
	Consumers int
	// Workers is the size of the recheck worker pool.
	Workers int

	Queue queue.QueueConfig
}

// Sweeper closes the gap left when both the callback and the webhook are
// lost: it periodically scans for stale PENDING transactions, enqueues
// them on a redis stream, and a consumer pool rechecks each one against
// the gateway through the engine.
type Sweeper struct {
	engine  *Engine
	scanner StaleScanner
	guard   *RecheckGuard
	adapter redis.RedisAdapter
	config  SweeperConfig

	producer *queue.Queue
	queues   []*queue.Queue
	worker   *worker.WorkerManager
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewSweeper(engine *Engine, scanner StaleScanner, guard *RecheckGuard, adapter redis.RedisAdapter, config SweeperConfig) (*Sweeper, error) {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.StaleAge <= 0 {
		config.StaleAge = 15 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Consumers <= 0 {
		config.Consumers = 2
	}
	if config.Workers <= 0 {
		config.Workers = 10
	}

	producer, err := queue.NewQueue(adapter, config.Queue)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create recheck queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		engine:   engine,
		scanner:  scanner,
		guard:    guard,
		adapter:  adapter,
		config:   config,
		producer: producer,
		queues:   make([]*queue.Queue, 0, config.Consumers),
		worker:   worker.NewWorkerManager(10_000, config.Workers, nil),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the worker pool, the queue consumers and the scan loop.
func (s *Sweeper) Start() error {
	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("recheck worker pool stopped", "error", err)
		}
	}()

	for i := 0; i < s.config.Consumers; i++ {
		consumerConfig := s.config.Queue
		consumerConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", consumerConfig.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, consumerConfig)
		if err != nil {
			return errors.Wrapf(err, "failed to create consumer %d", i)
		}
		if err := q.Consume(s.messageHandler); err != nil {
			return errors.Wrapf(err, "failed to start consumer %d", i)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(1)
	go s.sweepLoop()

	logger.Info("sweeper started",
		"interval", s.config.Interval,
		"stale_age", s.config.StaleAge,
		"consumers", len(s.queues),
		"workers", s.config.Workers,
	)
	return nil
}

// Stop drains consumers and the worker pool.
func (s *Sweeper) Stop(timeout time.Duration) {
	s.cancel()

	for i, q := range s.queues {
		if err := q.Stop(timeout); err != nil {
			logger.Error("error stopping recheck consumer", "consumer", i, "error", err)
		}
	}
	s.worker.Exit()
	s.wg.Wait()

	logger.Info("sweeper stopped", "metrics", s.engine.Metrics().Snapshot())
}

func (s *Sweeper) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SweepOnce(s.ctx); err != nil {
				logger.Error("sweep failed", "error", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// SweepOnce scans for stale PENDING transactions and enqueues a recheck
// job for each one not in cooldown. Exported for the CLI's one-shot mode.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	olderThan := time.Now().Add(-s.config.StaleAge)
	stale, err := s.scanner.FindStalePending(ctx, olderThan, s.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "failed to scan stale transactions")
	}
	if len(stale) == 0 {
		return nil
	}

	enqueued := 0
	for _, txn := range stale {
		if s.guard.IsCoolingDown(txn.MerchantRef) {
			continue
		}
		job := RecheckJob{MerchantRef: txn.MerchantRef, PaymentID: txn.PaymentID}
		_, err := s.producer.PublishJSON(ctx, job, map[string]string{"reason": "stale"})
		if err != nil {
			logger.Error("failed to enqueue recheck", "merchant_ref", txn.MerchantRef, "error", err)
			continue
		}
		enqueued++
		s.engine.Metrics().recordSweptJob()
	}

	logger.Info("sweep completed", "stale", len(stale), "enqueued", enqueued)
	return nil
}

type recheckResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler hands the message to the worker pool and blocks for the
// result so the queue's ack semantics still apply.
func (s *Sweeper) messageHandler(ctx context.Context, msg *queue.Message) error {
	msgCtx, cancel := context.WithTimeout(ctx, recheckTimeout+time.Second)
	defer cancel()

	job := &recheckResult{
		msg:        msg,
		resultChan: make(chan error, 1),
		ctx:        msgCtx,
	}
	s.worker.Enqueue(job)

	select {
	case err := <-job.resultChan:
		return err
	case <-msgCtx.Done():
		return errors.Wrap(msgCtx.Err(), "timeout waiting for recheck worker")
	}
}

func (s *Sweeper) workerHandler(workerIndex int, job interface{}) {
	res, ok := job.(*recheckResult)
	if !ok {
		logger.Error("invalid job type in recheck worker", "worker", workerIndex)
		return
	}

	select {
	case <-res.ctx.Done():
		return
	default:
	}

	err := s.processRecheck(res.ctx, res.msg)

	// messageHandler may have timed out and gone away.
	select {
	case res.resultChan <- err:
	default:
	}
}

// processRecheck resolves one recheck job. A nil return acks the message;
// transient failures return an error so the queue retries.
func (s *Sweeper) processRecheck(ctx context.Context, msg *queue.Message) error {
	var job RecheckJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		logger.Error("malformed recheck job, dropping", "message_id", msg.ID, "error", err)
		return nil
	}

	if err := s.guard.Acquire(job.MerchantRef); err != nil {
		if errors.Is(err, ErrRecheckLockHeld) {
			return nil
		}
		return err
	}
	defer s.guard.Release(job.MerchantRef)

	outcome, err := s.engine.Recheck(ctx, job.MerchantRef)
	if err != nil {
		if errors.Is(err, ErrConflictingTerminalState) {
			// Logged by the engine; retrying cannot resolve it.
			prom.IncWithLabels(prom.SystemReconcile, prom.MetricSweepRechecksTotal, string(OutcomeConflict))
			return nil
		}
		return err
	}

	if outcome == OutcomeStillPending {
		s.guard.MarkCoolingDown(job.MerchantRef)
	}
	prom.IncWithLabels(prom.SystemReconcile, prom.MetricSweepRechecksTotal, string(outcome))

	logger.Debug("recheck resolved",
		"merchant_ref", job.MerchantRef,
		"payment_id", job.PaymentID,
		"outcome", outcome,
	)
	return nil
}

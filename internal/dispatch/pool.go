package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolClosed         = errors.New("worker pool closed")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrInvalidStatusShift = errors.New("invalid status transition")
)

// Job 在工作池中执行的函数
type Job func(ctx context.Context) (any, error)

// PoolOptions 工作池配置
type PoolOptions struct {
	Workers   int           // 并发worker数，默认4
	QueueSize int           // 等待队列长度，默认64
	Timeout   time.Duration // 单个任务超时，0表示不限
	Log       logrus.FieldLogger
}

type execution struct {
	id       string
	status   Status
	result   any
	err      error
	queued   time.Time
	started  time.Time
	finished time.Time
	done     chan struct{}
}

type queuedJob struct {
	exec *execution
	job  Job
}

// Pool 固定数量worker从缓冲队列中取任务执行，维护自己的执行id
type Pool struct {
	jobs    chan queuedJob
	timeout time.Duration
	workers int
	log     logrus.FieldLogger

	mu    sync.RWMutex
	execs map[string]*execution
	seq   atomic.Uint64

	// submitMu 保证Close排空队列后不再有任务入队
	submitMu sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func NewPool(opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan queuedJob, opts.QueueSize),
		timeout: opts.Timeout,
		workers: opts.Workers,
		log:     opts.Log,
		execs:   make(map[string]*execution),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Workers() int { return p.workers }

// Submit 提交任务，队列满时阻塞直到入队、ctx结束或工作池关闭
func (p *Pool) Submit(ctx context.Context, job Job) (string, error) {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.ctx.Err() != nil {
		return "", ErrPoolClosed
	}
	e := &execution{
		id:     fmt.Sprintf("exec-%d", p.seq.Add(1)),
		status: StatusQueued,
		queued: time.Now(),
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	p.execs[e.id] = e
	p.mu.Unlock()

	select {
	case p.jobs <- queuedJob{exec: e, job: job}:
		return e.id, nil
	case <-ctx.Done():
		p.forget(e.id)
		return "", ctx.Err()
	case <-p.ctx.Done():
		p.forget(e.id)
		return "", ErrPoolClosed
	}
}

// Status 执行状态
func (p *Pool) Status(execID string) (Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.execs[execID]
	if !ok {
		return 0, ErrExecutionNotFound
	}
	return e.status, nil
}

// Result 返回执行状态以及结束后的结果和错误
func (p *Pool) Result(execID string) (Status, any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.execs[execID]
	if !ok {
		return 0, nil, ErrExecutionNotFound
	}
	return e.status, e.result, e.err
}

// Wait 阻塞直到执行结束或ctx结束
func (p *Pool) Wait(ctx context.Context, execID string) (Status, any, error) {
	p.mu.RLock()
	e, ok := p.execs[execID]
	p.mu.RUnlock()
	if !ok {
		return 0, nil, ErrExecutionNotFound
	}
	select {
	case <-e.done:
		return p.Result(execID)
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Close 停止所有worker，未开始的任务标记为失败
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		p.submitMu.Lock()
		defer p.submitMu.Unlock()
		p.wg.Wait()
		for {
			select {
			case q := <-p.jobs:
				p.finish(q.exec, nil, ErrPoolClosed)
			default:
				return
			}
		}
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case q := <-p.jobs:
			p.run(q)
		}
	}
}

func (p *Pool) run(q queuedJob) {
	if err := p.transition(q.exec, StatusRunning); err != nil {
		p.log.WithError(err).WithField("exec", q.exec.id).Error("job not runnable")
		return
	}
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	result, err := safeRun(ctx, q.job)
	p.finish(q.exec, result, err)
}

func safeRun(ctx context.Context, job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}

func (p *Pool) finish(e *execution, result any, err error) {
	next := StatusDone
	if err != nil {
		next = StatusFailed
	}
	p.mu.Lock()
	if !e.status.CanMoveTo(next) {
		p.mu.Unlock()
		return
	}
	e.status = next
	e.result = result
	e.err = err
	e.finished = time.Now()
	p.mu.Unlock()
	close(e.done)

	entry := p.log.WithFields(logrus.Fields{"exec": e.id, "status": next})
	if !e.started.IsZero() {
		entry = entry.WithField("elapsed", e.finished.Sub(e.started).Round(time.Millisecond))
	}
	if err != nil {
		entry.WithError(err).Warn("job failed")
		return
	}
	entry.Debug("job done")
}

func (p *Pool) transition(e *execution, next Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !e.status.CanMoveTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusShift, e.status, next)
	}
	e.status = next
	if next == StatusRunning {
		e.started = time.Now()
	}
	return nil
}

func (p *Pool) forget(execID string) {
	p.mu.Lock()
	delete(p.execs, execID)
	p.mu.Unlock()
}

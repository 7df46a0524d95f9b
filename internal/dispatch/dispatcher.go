package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrUnboundTaskType = errors.New("task type has no operation")
	ErrTaskNotFound    = errors.New("task not found")
	ErrResultPending   = errors.New("task result pending")
	ErrTaskFailed      = errors.New("task failed")
	ErrMissingUser     = errors.New("user id is required")
)

// Operation 任务类型对应的执行函数
type Operation func(ctx context.Context, userID string, params json.RawMessage) (any, error)

// Operations 任务类型到执行函数的绑定
type Operations map[TaskType]Operation

// taskRecord 任务id到执行id的映射，同时记录归属用户
type taskRecord struct {
	userID   string
	execID   string
	taskType TaskType
	created  time.Time
}

// TaskInfo 任务概况
type TaskInfo struct {
	TaskID    string    `json:"task_id"`
	TaskType  TaskType  `json:"task_type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispatcher 把任务提交到工作池，并按用户隔离查询
type Dispatcher struct {
	pool *Pool
	ops  Operations
	log  logrus.FieldLogger

	mu    sync.RWMutex
	tasks map[string]taskRecord
}

// New 每种任务类型都必须绑定执行函数
func New(pool *Pool, ops Operations, log logrus.FieldLogger) (*Dispatcher, error) {
	for _, t := range TaskTypes {
		if ops[t] == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnboundTaskType, t)
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{pool: pool, ops: ops, log: log, tasks: make(map[string]taskRecord)}, nil
}

func (d *Dispatcher) Workers() int { return d.pool.Workers() }

// Enqueue 校验任务类型后提交，返回与执行id不同的任务id
func (d *Dispatcher) Enqueue(ctx context.Context, userID, taskType string, params json.RawMessage) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	t, err := ParseTaskType(taskType)
	if err != nil {
		return "", err
	}
	op := d.ops[t]
	payload := append(json.RawMessage(nil), params...)

	execID, err := d.pool.Submit(ctx, func(ctx context.Context) (any, error) {
		return op(ctx, userID, payload)
	})
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", t, err)
	}

	taskID := uuid.NewString()
	d.mu.Lock()
	d.tasks[taskID] = taskRecord{userID: userID, execID: execID, taskType: t, created: time.Now()}
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"task": taskID, "exec": execID, "type": t, "user": userID}).Info("task enqueued")
	return taskID, nil
}

// lookup 其他用户的任务与不存在的任务不可区分
func (d *Dispatcher) lookup(taskID, userID string) (taskRecord, error) {
	d.mu.RLock()
	rec, ok := d.tasks[taskID]
	d.mu.RUnlock()
	if !ok || rec.userID != userID {
		return taskRecord{}, ErrTaskNotFound
	}
	return rec, nil
}

func (d *Dispatcher) Status(taskID, userID string) (Status, error) {
	rec, err := d.lookup(taskID, userID)
	if err != nil {
		return 0, err
	}
	return d.pool.Status(rec.execID)
}

func (d *Dispatcher) Info(taskID, userID string) (TaskInfo, error) {
	rec, err := d.lookup(taskID, userID)
	if err != nil {
		return TaskInfo{}, err
	}
	st, err := d.pool.Status(rec.execID)
	if err != nil {
		return TaskInfo{}, err
	}
	return TaskInfo{TaskID: taskID, TaskType: rec.taskType, Status: st, CreatedAt: rec.created}, nil
}

// Result 完成前返回ErrResultPending，失败时返回包装了原因的ErrTaskFailed；
// 完成后每次调用返回同一结果
func (d *Dispatcher) Result(taskID, userID string) (any, error) {
	rec, err := d.lookup(taskID, userID)
	if err != nil {
		return nil, err
	}
	st, result, cause := d.pool.Result(rec.execID)
	return resultOf(st, result, cause)
}

// Wait 阻塞等待任务结束；ctx先结束时返回包装了ctx错误的ErrResultPending
func (d *Dispatcher) Wait(ctx context.Context, taskID, userID string) (any, error) {
	rec, err := d.lookup(taskID, userID)
	if err != nil {
		return nil, err
	}
	st, result, cause := d.pool.Wait(ctx, rec.execID)
	switch {
	case errors.Is(cause, ErrExecutionNotFound):
		return nil, ErrTaskNotFound
	case !st.Terminal() && cause != nil:
		return nil, fmt.Errorf("%w: %w", ErrResultPending, cause)
	}
	return resultOf(st, result, cause)
}

func resultOf(st Status, result any, cause error) (any, error) {
	switch st {
	case StatusDone:
		return result, nil
	case StatusFailed:
		return nil, fmt.Errorf("%w: %w", ErrTaskFailed, cause)
	default:
		if errors.Is(cause, ErrExecutionNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, ErrResultPending
	}
}

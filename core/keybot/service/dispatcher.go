package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/odpf/salt/log"
	"github.com/patrickmn/go-cache"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
	"github.com/odpf/kleidi/internal/keylock"
	"github.com/odpf/kleidi/internal/telemetry"
)

const (
	metricTaskTotal      = "keybot_task_total"
	metricTaskQueueDepth = "keybot_task_queue_depth"

	taskCleanupInterval = 10 * time.Minute
)

// TaskFunc is the work of a background task, it runs while holding the lock
// of the task's service
type TaskFunc func(ctx context.Context) error

type taskRequest struct {
	id        string
	serviceID string
	run       TaskFunc
}

// Dispatcher runs service tasks on a fixed set of workers. Tasks of the same
// service never run at the same time.
type Dispatcher struct {
	// wait group to synchronise on workers
	wg sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	requestQ chan taskRequest

	l      log.Logger
	config config.DispatcherConfig

	locks *keylock.KeyLock
	tasks *cache.Cache
	now   func() time.Time
}

// Submit queues fn for the service and returns the queued task record. It
// fails without blocking when the queue is full.
func (d *Dispatcher) Submit(kind keybot.TaskKind, serviceID string, fn TaskFunc) (keybot.Task, error) {
	task := keybot.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		ServiceID: serviceID,
		State:     keybot.TaskQueued,
		CreatedAt: d.now(),
	}
	d.tasks.SetDefault(task.ID, task)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.tasks.Delete(task.ID)
		return keybot.Task{}, errors.FailedPrecondition(keybot.EntityTask, "dispatcher is closed")
	}

	select {
	case d.requestQ <- taskRequest{id: task.ID, serviceID: serviceID, run: fn}:
		d.l.Debug("task queued", "task_id", task.ID, "kind", kind, "service_id", serviceID)
		telemetry.NewGauge(metricTaskQueueDepth, nil).Set(float64(len(d.requestQ)))
		return task, nil
	default:
		d.tasks.Delete(task.ID)
		telemetry.NewCounter(metricTaskTotal, map[string]string{"kind": kind.String(), "status": "rejected"}).Inc()
		return keybot.Task{}, errors.FailedPrecondition(keybot.EntityTask, "task queue is full")
	}
}

// Serialize runs fn while holding the lock of the service, the same lock
// workers hold while running its tasks
func (d *Dispatcher) Serialize(serviceID string, fn func() error) error {
	d.locks.Lock(serviceID)
	defer d.locks.Unlock(serviceID)
	return fn()
}

func (d *Dispatcher) TaskStatus(taskID string) (keybot.Task, error) {
	item, ok := d.tasks.Get(taskID)
	if !ok {
		return keybot.Task{}, errors.NotFound(keybot.EntityTask, "no task found for id "+taskID)
	}
	return item.(keybot.Task), nil
}

func (d *Dispatcher) init() {
	d.l.Info("starting task workers", "count", d.config.NumWorkers)
	for i := 0; i < d.config.NumWorkers; i++ {
		d.wg.Add(1)
		go d.spawnWorker()
	}
}

func (d *Dispatcher) spawnWorker() {
	defer d.wg.Done()
	for req := range d.requestQ {
		telemetry.NewGauge(metricTaskQueueDepth, nil).Set(float64(len(d.requestQ)))
		d.process(req)
	}
}

func (d *Dispatcher) process(req taskRequest) {
	task, err := d.TaskStatus(req.id)
	if err != nil {
		// record expired while queued, run it anyway
		task = keybot.Task{ID: req.id, ServiceID: req.serviceID}
	}

	d.locks.Lock(req.serviceID)
	defer d.locks.Unlock(req.serviceID)

	started := d.now()
	task.State = keybot.TaskInProgress
	task.StartedAt = &started
	d.tasks.SetDefault(task.ID, task)
	d.l.Info("worker picked up the task", "task_id", task.ID, "kind", task.Kind, "service_id", task.ServiceID)

	ctx, cancel := context.WithTimeout(context.Background(), d.config.WorkerTimeout)
	defer cancel()
	d.finish(task, d.run(ctx, req.run))
}

func (d *Dispatcher) run(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrInternalError, keybot.EntityTask, "task panicked")
			d.l.Error("task panicked", "panic", r)
		}
	}()
	return fn(ctx)
}

func (d *Dispatcher) finish(task keybot.Task, err error) {
	finished := d.now()
	task.FinishedAt = &finished
	task.State = keybot.TaskSucceeded
	if err != nil {
		task.State = keybot.TaskFailed
		task.Error = err.Error()
		d.l.Error("task failed", "task_id", task.ID, "kind", task.Kind, "service_id", task.ServiceID, "error", err)
	}
	d.tasks.SetDefault(task.ID, task)

	telemetry.NewCounter(metricTaskTotal, map[string]string{
		"kind":   task.Kind.String(),
		"status": string(task.State),
	}).Inc()
}

// Close stops accepting tasks and waits for the queued ones to finish
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.requestQ)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func NewDispatcher(l log.Logger, conf config.DispatcherConfig) *Dispatcher {
	if conf.NumWorkers < 1 {
		conf.NumWorkers = 1
	}
	if conf.WorkerTimeout <= 0 {
		conf.WorkerTimeout = 10 * time.Minute
	}
	if conf.QueueCapacity < 0 {
		conf.QueueCapacity = 0
	}
	if conf.TaskRetention <= 0 {
		conf.TaskRetention = 24 * time.Hour
	}

	d := &Dispatcher{
		requestQ: make(chan taskRequest, conf.QueueCapacity),
		l:        l,
		config:   conf,
		locks:    keylock.New(),
		tasks:    cache.New(conf.TaskRetention, taskCleanupInterval),
		now:      time.Now,
	}
	d.init()
	return d
}

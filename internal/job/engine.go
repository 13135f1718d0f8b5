package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/procutil"
	"github.com/neuraworks/neurareport/internal/state"
)

// ErrCancelled is raised at cooperative poll points when the job has been
// cancelled. The tracker maps it to terminal status=cancelled.
var ErrCancelled = errors.New("job cancelled")

// Handler executes one job type. The RunContext carries the cooperative poll
// and the child-process registry.
type Handler func(ctx context.Context, rc *RunContext) (json.RawMessage, error)

// RunContext is what a handler sees while executing a job.
type RunContext struct {
	Job     *state.Job
	Tracker *Tracker

	engine *Engine
}

// Poll is the cooperative cancellation point: call it between stages,
// between SELECTs, and before each renderer call.
func (rc *RunContext) Poll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
	}
	if rc.engine.isCancelRequested(rc.Job.ID) {
		return ErrCancelled
	}
	return nil
}

// RegisterChild records a spawned subprocess PID against the job so a forced
// cancel can terminate the tree. Returns an unregister func for defer.
func (rc *RunContext) RegisterChild(pid int) func() {
	rc.engine.registerChild(rc.Job.ID, pid)
	return func() { rc.engine.unregisterChild(rc.Job.ID, pid) }
}

type runningJob struct {
	cancel          context.CancelFunc
	cancelRequested bool
	childPIDs       map[int]bool
}

// Engine is the bounded worker pool. Submission returns immediately with a
// queued job id; workers pull in FIFO order.
type Engine struct {
	state    *state.Store
	workers  int
	handlers map[state.JobType]Handler
	log      *logrus.Entry

	mu      sync.Mutex
	running map[string]*runningJob

	queue chan string
	wg    sync.WaitGroup
	base  context.Context
	stop  context.CancelFunc
}

func NewEngine(st *state.Store, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		state:    st,
		workers:  workers,
		handlers: map[state.JobType]Handler{},
		log:      logrus.WithField("component", "jobs"),
		running:  map[string]*runningJob{},
		queue:    make(chan string, 1024),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (e *Engine) Register(typ state.JobType, h Handler) {
	e.handlers[typ] = h
}

// Start launches the worker goroutines. Idempotent per engine.
func (e *Engine) Start(ctx context.Context) {
	e.base, e.stop = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.log.WithField("workers", e.workers).Info("job engine started")
}

// Shutdown stops intake and waits for in-flight jobs to finish.
func (e *Engine) Shutdown() {
	if e.stop != nil {
		e.stop()
	}
	close(e.queue)
	e.wg.Wait()
}

// Submit persists a queued job and hands it to the pool.
func (e *Engine) Submit(typ state.JobType, templateID, connectionID, correlationID string, steps []string, meta map[string]string, payload json.RawMessage) (*state.Job, error) {
	if _, ok := e.handlers[typ]; !ok {
		return nil, fmt.Errorf("no handler registered for job type %s", typ)
	}
	j, err := e.state.CreateJob(typ, templateID, connectionID, correlationID, steps, meta, payload)
	if err != nil {
		return nil, err
	}
	select {
	case e.queue <- j.ID:
	default:
		// Queue full: fail the job rather than block the submitter.
		_ = e.state.RecordJobCompletion(j.ID, state.JobFailed, "job queue is full", nil)
		return nil, fmt.Errorf("job queue is full")
	}
	return j, nil
}

// Cancel cancels a job. Queued jobs flip straight to cancelled; running jobs
// get a cancel request that cooperative polls observe. With force=true the
// job context is cancelled outright and tracked child processes are
// terminated.
func (e *Engine) Cancel(id string, force bool) error {
	if cancelled, err := e.state.CancelQueuedJob(id); err != nil {
		return err
	} else if cancelled {
		e.log.WithField("job_id", id).Info("queued job cancelled")
		return nil
	}

	e.mu.Lock()
	rj, ok := e.running[id]
	if ok {
		rj.cancelRequested = true
	}
	var pids []int
	if ok && force {
		rj.cancel()
		for pid := range rj.childPIDs {
			pids = append(pids, pid)
		}
	}
	e.mu.Unlock()

	if !ok {
		j, err := e.state.GetJob(id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("job %s is %s but not tracked by this process", id, j.Status)
	}
	for _, pid := range pids {
		procutil.TerminateTree(pid, 3*time.Second)
	}
	return nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for id := range e.queue {
		e.execute(id)
	}
}

func (e *Engine) execute(id string) {
	j, err := e.state.GetJob(id)
	if err != nil {
		e.log.WithError(err).WithField("job_id", id).Error("job vanished before execution")
		return
	}
	if j.Status != state.JobQueued {
		// Cancelled (or otherwise resolved) while waiting in the channel.
		return
	}
	h := e.handlers[j.Type]

	ctx, cancel := context.WithCancel(e.base)
	e.mu.Lock()
	e.running[id] = &runningJob{cancel: cancel, childPIDs: map[int]bool{}}
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}()

	if err := e.state.RecordJobStart(id); err != nil {
		e.log.WithError(err).WithField("job_id", id).Error("record start failed")
		return
	}

	rc := &RunContext{
		Job:     j,
		Tracker: NewTracker(e.state, id),
		engine:  e,
	}
	log := e.log.WithFields(logrus.Fields{"job_id": id, "type": j.Type, "correlation_id": j.CorrelationID})
	log.Info("job started")

	result, err := h(ctx, rc)
	switch {
	case err == nil:
		_ = e.state.RecordJobCompletion(id, state.JobSucceeded, "", result)
		log.Info("job succeeded")
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		_ = e.state.RecordJobCompletion(id, state.JobCancelled, ErrCancelled.Error(), nil)
		log.Info("job cancelled")
	default:
		_ = e.state.RecordJobCompletion(id, state.JobFailed, err.Error(), nil)
		log.WithError(err).Warn("job failed")
	}
}

func (e *Engine) isCancelRequested(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rj, ok := e.running[id]
	return ok && rj.cancelRequested
}

func (e *Engine) registerChild(id string, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rj, ok := e.running[id]; ok {
		rj.childPIDs[pid] = true
	}
}

func (e *Engine) unregisterChild(id string, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rj, ok := e.running[id]; ok {
		delete(rj.childPIDs, pid)
	}
}

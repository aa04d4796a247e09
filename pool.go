// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/vanadium-labs/gospawn/internal/consts"
	"github.com/vanadium-labs/gospawn/internal/ipc"
	"github.com/vanadium-labs/gospawn/internal/timekeeper"
)

// ScheduledTask is a handle to one submitted-but-not-yet-necessarily-run
// unit of work inside a Pool. It is returned alongside PoolJoinHandle so a
// caller can cancel work that is still sitting in the queue.
type ScheduledTask struct {
	cancelled atomic.Bool

	mu    sync.Mutex
	state *processHandleState // the worker presently executing this task, if any
}

// Cancel marks the task cancelled. A worker that pulls a cancelled task off
// the queue drops it without dispatching to a child process; a task already
// dispatched runs to completion regardless.
func (t *ScheduledTask) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *ScheduledTask) Cancelled() bool { return t.cancelled.Load() }

// Pid returns the pid of the worker currently executing this task, or 0 if
// it has not yet been dispatched.
func (t *ScheduledTask) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return 0
	}
	return int(t.state.pid.Load())
}

func (t *ScheduledTask) setState(s *processHandleState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// queuedJob is the internal, type-erased unit a Pool's shared queue carries.
// run performs the actual typed send/receive against a worker and delivers
// the outcome through whatever channel Submit closed over; it returns a
// non-nil error only when the failure indicates the worker process itself
// is no longer usable, which tells the dispatcher to respawn it.
type queuedJob struct {
	task     *ScheduledTask
	run      func(w *poolWorker) error
	onCancel func()
}

// PoolJoinHandle is the pool analogue of JoinHandle: a reference to one
// submitted call's eventual result, without a single dedicated process.
type PoolJoinHandle[R any] struct {
	pool      *Pool
	task      *ScheduledTask
	resultCh  chan joinResult[R]
	delivered atomic.Bool
	tk        timekeeper.TimeKeeper
}

// Cancel marks the underlying task cancelled (see ScheduledTask.Cancel).
func (h *PoolJoinHandle[R]) Cancel() { h.task.Cancel() }

// Pid returns the pid of the worker currently executing this call, or 0.
func (h *PoolJoinHandle[R]) Pid() int { return h.task.Pid() }

// Join blocks until the call completes, was cancelled before dispatch, or
// the worker that was running it failed. At most one of Join/JoinTimeout
// ever yields a result.
func (h *PoolJoinHandle[R]) Join() (R, error) {
	var zero R
	if h.delivered.Load() {
		return zero, verror.New(ErrConsumed, nil)
	}
	r := <-h.resultCh
	h.delivered.Store(true)
	return r.value, r.err
}

// JoinTimeout is JoinHandle.JoinTimeout's pool counterpart: exponential
// backoff from 1ms, capped by the remaining deadline. Unlike the one-shot
// form, the pool owns its workers and must reclaim them promptly: on
// deadline elapse, JoinTimeout kills the worker process currently running
// the task (if any has been dispatched yet) before returning ErrTimeout.
// The dispatcher observes the resulting transport error and respawns the
// worker, so the pool's size is unaffected, but any other call in flight
// on that same worker is aborted too — see DESIGN.md's pool.go entry
// about this tradeoff.
func (h *PoolJoinHandle[R]) JoinTimeout(timeout time.Duration) (R, error) {
	var zero R
	if h.delivered.Load() {
		return zero, verror.New(ErrConsumed, nil)
	}
	deadline := h.tk.Now().Add(timeout)
	backoff := time.Millisecond
	for {
		remaining := deadline.Sub(h.tk.Now())
		if remaining <= 0 {
			select {
			case r := <-h.resultCh:
				h.delivered.Store(true)
				return r.value, r.err
			default:
				h.pool.killWorkerByPid(h.task.Pid())
				return zero, verror.New(ErrTimeout, nil)
			}
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}
		select {
		case r := <-h.resultCh:
			h.delivered.Store(true)
			return r.value, r.err
		case <-h.tk.After(wait):
			backoff *= 2
		}
	}
}

// poolWorker is one persistent child process plus the dispatcher goroutine
// that feeds it. The goroutine and the *poolWorker pointer both outlive any
// number of respawns: a crash replaces the struct's fields in place so
// anything holding the pointer (Pool.workers) keeps observing the current
// worker.
type poolWorker struct {
	pool        *Pool
	idx         int
	cmd         *exec.Cmd
	state       *processHandleState
	controlSend *ipc.Sender[CallDescriptor]
	done        chan struct{}
}

func spawnPoolWorker(p *Pool, idx int) (*poolWorker, error) {
	if !sharedLibraryPolicyOK() {
		return nil, verror.New(ErrSharedLibraryUnsafe, nil)
	}
	rv, err := ipc.Publish(uuid.NewString())
	if err != nil {
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("publishing pool worker rendezvous: %v", err))
	}
	defer rv.Close()

	cmd, err := buildCmd(rv.Name(), spawnOptions{stdin: StdioInherit, stdout: StdioInherit, stderr: StdioInherit})
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("starting pool worker: %v", err))
	}

	state := &processHandleState{}
	state.pid.Store(int64(cmd.Process.Pid))
	go func() {
		_ = cmd.Wait()
		state.exited.Store(true)
	}()

	bootEP, err := rv.Accept()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("accepting pool worker bootstrap connection: %v", err))
	}
	bootSendRaw, err := bootEP.Sender()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}
	defer bootSendRaw.Close()
	bootSend := ipc.NewSender[bootstrapMessage](bootSendRaw)

	controlParentEP, controlChildEP, err := ipc.NewChannel()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}
	if err := bootSend.Send(bootstrapMessage{Kind: bootstrapPoolWorker, Control: controlChildEP}); err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("sending pool worker bootstrap message: %v", err))
	}
	controlSendRaw, err := controlParentEP.Sender()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}

	return &poolWorker{
		pool:        p,
		idx:         idx,
		cmd:         cmd,
		state:       state,
		controlSend: ipc.NewSender[CallDescriptor](controlSendRaw),
		done:        make(chan struct{}),
	}, nil
}

func (w *poolWorker) respawn() error {
	_ = w.controlSend.Close()
	_ = w.cmd.Process.Kill()
	nw, err := spawnPoolWorker(w.pool, w.idx)
	if err != nil {
		return err
	}
	*w = *nw
	return nil
}

func (w *poolWorker) nextJob() *queuedJob {
	p := w.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.shuttingDown {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	p.active++
	return job
}

func (w *poolWorker) completeJob() {
	p := w.pool
	p.mu.Lock()
	p.active--
	p.cond.Broadcast()
	p.mu.Unlock()
}

// runLoop is the dispatcher: pull a job, skip it if cancelled, otherwise
// dispatch to this worker's child and wait for the result. This is the
// Go-native shape of the submission/dispatch algorithm: check cancellation,
// record pid, send the descriptor, block on the per-call result, clear the
// pid, and on a worker-level failure respawn unless the pool is shutting
// down.
func (w *poolWorker) runLoop() {
	defer func() { close(w.done) }()
	for {
		job := w.nextJob()
		if job == nil {
			_ = w.controlSend.Close()
			_ = w.cmd.Process.Kill()
			return
		}
		if job.task.Cancelled() {
			if job.onCancel != nil {
				job.onCancel()
			}
			w.completeJob()
			continue
		}
		job.task.setState(w.state)
		err := job.run(w)
		job.task.setState(nil)
		w.completeJob()
		if err != nil {
			if w.pool.isShuttingDown() {
				return
			}
			if rerr := w.respawn(); rerr != nil {
				vlog.Errorf("procspawn: pool worker %d failed to respawn: %v", w.idx, rerr)
				return
			}
		}
	}
}

// Pool is a fixed-size set of persistent worker processes, each running the
// same registered function surface as the parent, dispatched over a
// long-lived control channel instead of being spawned fresh per call.
type Pool struct {
	mu           sync.Mutex
	cond         *sync.Cond
	queue        []*queuedJob
	workers      []*poolWorker
	active       int
	shuttingDown bool
	dead         atomic.Bool
}

// NewPool starts size persistent worker processes and returns a Pool ready
// to accept work via Submit.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("procspawn: pool size must be positive, got %d", size)
	}
	if _, bootstrapping := os.LookupEnv(consts.ContentProcessIDVariable); bootstrapping {
		return nil, verror.New(ErrRecursiveBootstrap, nil)
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		w, err := spawnPoolWorker(p, i)
		if err != nil {
			for _, started := range p.workers {
				_ = started.cmd.Process.Kill()
			}
			return nil, fmt.Errorf("procspawn: starting pool worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		go w.runLoop()
	}
	return p, nil
}

func (p *Pool) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

func (p *Pool) submit(job *queuedJob) {
	p.mu.Lock()
	p.queue = append(p.queue, job)
	p.cond.Signal()
	p.mu.Unlock()
}

// Submit hands arg to the pool for execution by f in whichever worker picks
// it up next. Submit is a package-level function, not a Pool method,
// because Go methods cannot introduce additional type parameters beyond
// their receiver's.
func Submit[A, R any](p *Pool, f *Func[A, R], arg A) (*PoolJoinHandle[R], *ScheduledTask, error) {
	if p.dead.Load() {
		panic(verror.New(ErrPoolDead, nil))
	}
	task := &ScheduledTask{}
	resultCh := make(chan joinResult[R], 1)

	job := &queuedJob{
		task: task,
		run: func(w *poolWorker) error {
			argParentEP, argChildEP, err := ipc.NewChannel()
			if err != nil {
				resultCh <- joinResult[R]{err: err}
				return err
			}
			resultChildEP, resultParentEP, err := ipc.NewChannel()
			if err != nil {
				resultCh <- joinResult[R]{err: err}
				return err
			}
			desc := CallDescriptor{FuncName: f.Name(), ArgChannel: argChildEP, ResultChannel: resultChildEP}
			if err := w.controlSend.Send(desc); err != nil {
				resultCh <- joinResult[R]{err: remoteClosedError(err)}
				return err
			}
			argSendRaw, err := argParentEP.Sender()
			if err != nil {
				resultCh <- joinResult[R]{err: err}
				return err
			}
			if err := ipc.NewSender[A](argSendRaw).Send(arg); err != nil {
				resultCh <- joinResult[R]{err: remoteClosedError(err)}
				return err
			}
			resultRecvRaw, err := resultParentEP.Receiver()
			if err != nil {
				resultCh <- joinResult[R]{err: err}
				return err
			}
			env, err := ipc.NewReceiver[Envelope[R]](resultRecvRaw).Recv()
			if err != nil {
				resultCh <- joinResult[R]{err: remoteClosedError(err)}
				return err
			}
			if env.OK {
				resultCh <- joinResult[R]{value: env.Value}
			} else {
				resultCh <- joinResult[R]{err: newPanicError(env.Panic)}
			}
			return nil
		},
		onCancel: func() {
			resultCh <- joinResult[R]{err: verror.New(ErrCancelled, nil)}
		},
	}
	p.submit(job)
	return &PoolJoinHandle[R]{pool: p, task: task, resultCh: resultCh, tk: timekeeper.RealTime()}, task, nil
}

// killWorkerByPid sends SIGKILL to whichever pool worker currently has the
// given pid, if any. Used by PoolJoinHandle.JoinTimeout to reclaim a worker
// stuck on a call that has overrun its deadline; a pid of 0 (task not yet
// dispatched) is a no-op.
func (p *Pool) killWorkerByPid(pid int) {
	if pid == 0 {
		return
	}
	p.mu.Lock()
	workers := append([]*poolWorker(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		if int(w.state.pid.Load()) == pid && w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
			return
		}
	}
}

// Size returns the number of worker processes.
func (p *Pool) Size() int { return len(p.workers) }

// Queued returns the number of submitted tasks not yet picked up by a
// worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active returns the number of tasks currently being executed.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Join blocks until the queue is empty and no worker is executing a task.
// It does not stop the pool from accepting further work.
func (p *Pool) Join() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 || p.active > 0 {
		p.cond.Wait()
	}
}

// Shutdown stops accepting new submissions, lets already-queued and
// in-flight tasks drain, then terminates every worker process. It is
// idempotent; a second call is a no-op.
func (p *Pool) Shutdown() error {
	if !p.dead.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	p.shuttingDown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *poolWorker) {
			defer wg.Done()
			<-w.done
		}(w)
	}
	wg.Wait()
	return nil
}

// Kill cancels every queued task and terminates every worker process
// immediately, not waiting for in-flight tasks. It is idempotent.
func (p *Pool) Kill() error {
	if !p.dead.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	p.shuttingDown = true
	for _, job := range p.queue {
		job.task.Cancel()
		if job.onCancel != nil {
			job.onCancel()
		}
	}
	p.queue = nil
	p.cond.Broadcast()
	workers := append([]*poolWorker(nil), p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
	return nil
}

// runPoolWorkerLoop is the child side of a pool worker: after the
// bootstrap handoff, loop reading CallDescriptors off the control channel
// and invoking each one. Panic handling for an individual call is governed
// by cfg exactly as in a one-shot spawn; there is no additional recover
// around this loop itself, so a bug in runDescriptor's own plumbing (as
// opposed to the user function it invokes) still crashes the worker, which
// the parent observes and respawns.
func runPoolWorkerLoop(control *ipc.RawEndpoint, cfg invokeConfig) {
	recvRaw, err := control.Receiver()
	if err != nil {
		vlog.Errorf("procspawn: pool worker failed to open control receiver: %v", err)
		return
	}
	defer recvRaw.Close()
	recv := ipc.NewReceiver[CallDescriptor](recvRaw)
	for {
		d, err := recv.Recv()
		if err != nil {
			return
		}
		if err := runDescriptor(&d, cfg); err != nil {
			vlog.Errorf("procspawn: pool worker invocation failed: %v", err)
		}
	}
}

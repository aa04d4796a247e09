// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"v.io/v23/verror"

	"github.com/vanadium-labs/gospawn/internal/consts"
	"github.com/vanadium-labs/gospawn/internal/envutil"
	"github.com/vanadium-labs/gospawn/internal/ipc"
	"github.com/vanadium-labs/gospawn/internal/timekeeper"
)

// StdioMode selects how a spawned child's stdin/stdout/stderr is wired.
type StdioMode int

const (
	// StdioInherit shares the parent's stream with the child (the default).
	StdioInherit StdioMode = iota
	// StdioNull discards (or never produces) data on the stream.
	StdioNull
	// StdioPiped gives the parent a pipe, exposed via JoinHandle's
	// Stdin/Stdout/Stderr accessors.
	StdioPiped
)

// SpawnOption configures a single call to Spawn. Each option is a small
// marker type with an unexported method, the same functional-option shape
// v.io/x/ref/lib/exec uses for ParentHandleOpt.
type SpawnOption interface {
	applySpawn(*spawnOptions)
}

type spawnOptions struct {
	env      []string
	unsetEnv []string
	clearEnv bool
	uid      *uint32
	gid      *uint32
	setsid   bool
	chroot   string
	stdin    StdioMode
	stdout   StdioMode
	stderr   StdioMode
}

type envOpt struct{ key, value string }

func (o envOpt) applySpawn(so *spawnOptions) { so.env = envutil.Setenv(so.env, o.key, o.value) }

// Env sets an additional environment variable in the child.
func Env(key, value string) SpawnOption { return envOpt{key, value} }

type unsetEnvOpt string

func (o unsetEnvOpt) applySpawn(so *spawnOptions) { so.unsetEnv = append(so.unsetEnv, string(o)) }

// UnsetEnv removes a variable from the child's inherited environment.
func UnsetEnv(key string) SpawnOption { return unsetEnvOpt(key) }

type clearEnvOpt struct{}

func (clearEnvOpt) applySpawn(so *spawnOptions) { so.clearEnv = true }

// ClearEnv starts the child's environment empty instead of inheriting the
// parent's, before any Env options are applied.
func ClearEnv() SpawnOption { return clearEnvOpt{} }

type uidOpt uint32

func (o uidOpt) applySpawn(so *spawnOptions) { v := uint32(o); so.uid = &v }

// UID runs the child under a different user ID (privilege separation).
// Root only; see syscall.Credential.
func UID(uid uint32) SpawnOption { return uidOpt(uid) }

type gidOpt uint32

func (o gidOpt) applySpawn(so *spawnOptions) { v := uint32(o); so.gid = &v }

// GID runs the child under a different group ID.
func GID(gid uint32) SpawnOption { return gidOpt(gid) }

type setsidOpt struct{}

func (setsidOpt) applySpawn(so *spawnOptions) { so.setsid = true }

// Setsid puts the child in a new session, detaching it from the parent's
// controlling terminal. This is the safe, Go-idiomatic stand-in for the
// arbitrary pre-exec hook some languages expose between fork and exec: Go's
// runtime is not fork-safe, so running arbitrary Go code in that window
// would risk deadlocking on a lock held by a goroutine that no longer
// exists in the child. syscall.SysProcAttr's fields (Setsid, Chroot,
// Credential) cover the privilege-separation and isolation use cases
// without that hazard; see DESIGN.md.
func Setsid() SpawnOption { return setsidOpt{} }

type chrootOpt string

func (o chrootOpt) applySpawn(so *spawnOptions) { so.chroot = string(o) }

// Chroot changes the child's root directory before exec.
func Chroot(path string) SpawnOption { return chrootOpt(path) }

type stdinOpt StdioMode

func (o stdinOpt) applySpawn(so *spawnOptions) { so.stdin = StdioMode(o) }

// Stdin selects how the child's stdin is wired.
func Stdin(mode StdioMode) SpawnOption { return stdinOpt(mode) }

type stdoutOpt StdioMode

func (o stdoutOpt) applySpawn(so *spawnOptions) { so.stdout = StdioMode(o) }

// Stdout selects how the child's stdout is wired.
func Stdout(mode StdioMode) SpawnOption { return stdoutOpt(mode) }

type stderrOpt StdioMode

func (o stderrOpt) applySpawn(so *spawnOptions) { so.stderr = StdioMode(o) }

// Stderr selects how the child's stderr is wired.
func Stderr(mode StdioMode) SpawnOption { return stderrOpt(mode) }

// processHandleState is the mutable, concurrently-read state a JoinHandle
// shares with anything observing the underlying OS process (a pool's
// dispatcher loop reads the pid to report via its observability getters).
type processHandleState struct {
	pid    atomic.Int64
	exited atomic.Bool
}

// selfExecutablePath resolves the path to exec when spawning a child that
// runs this same binary. /proc/self/exe is preferred on Linux because it
// keeps working even if the original binary has since been moved or
// replaced on disk (os.Executable's path is resolved once at a point in
// time and can go stale).
func selfExecutablePath() (string, error) {
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/proc/self/exe"); err == nil {
			return "/proc/self/exe", nil
		}
	}
	return os.Executable()
}

func buildSysProcAttr(so spawnOptions) *syscall.SysProcAttr {
	if so.uid == nil && so.gid == nil && !so.setsid && so.chroot == "" {
		return nil
	}
	attr := &syscall.SysProcAttr{}
	if so.uid != nil || so.gid != nil {
		cred := &syscall.Credential{}
		if so.uid != nil {
			cred.Uid = *so.uid
		}
		if so.gid != nil {
			cred.Gid = *so.gid
		}
		attr.Credential = cred
	}
	if so.setsid {
		attr.Setsid = true
	}
	if so.chroot != "" {
		attr.Chroot = so.chroot
	}
	return attr
}

func applyStdio(cmd *exec.Cmd, so spawnOptions) (stdin *os.File, stdout, stderr *os.File, err error) {
	switch so.stdin {
	case StdioInherit:
		cmd.Stdin = os.Stdin
	case StdioNull:
		cmd.Stdin = nil
	case StdioPiped:
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, nil, nil, perr
		}
		cmd.Stdin = r
		stdin = w
	}
	switch so.stdout {
	case StdioInherit:
		cmd.Stdout = os.Stdout
	case StdioNull:
		cmd.Stdout = nil
	case StdioPiped:
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, nil, nil, perr
		}
		cmd.Stdout = w
		stdout = r
	}
	switch so.stderr {
	case StdioInherit:
		cmd.Stderr = os.Stderr
	case StdioNull:
		cmd.Stderr = nil
	case StdioPiped:
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, nil, nil, perr
		}
		cmd.Stderr = w
		stderr = r
	}
	return stdin, stdout, stderr, nil
}

func buildCmd(rendezvousName string, so spawnOptions) (*exec.Cmd, error) {
	exePath, err := selfExecutablePath()
	if err != nil {
		return nil, fmt.Errorf("procspawn: resolving own executable: %w", err)
	}

	var args []string
	if currentGlobalConfig().PassArgs && len(os.Args) > 1 {
		args = append(args, os.Args[1:]...)
	}
	cmd := exec.Command(exePath, args...)

	var env []string
	if so.clearEnv {
		env = nil
	} else {
		env = envutil.Unsetenv(append([]string(nil), os.Environ()...), consts.ContentProcessIDVariable)
	}
	for _, k := range so.unsetEnv {
		env = envutil.Unsetenv(env, k)
	}
	env = envutil.Mergeenv(env, so.env)
	env = envutil.Setenv(env, consts.ContentProcessIDVariable, rendezvousName)
	cmd.Env = env
	cmd.SysProcAttr = buildSysProcAttr(so)

	return cmd, nil
}

// JoinHandle is a reference to a single spawned call, returned by Spawn.
// Join/JoinTimeout yield the call's result at most once.
type JoinHandle[R any] struct {
	cmd   *exec.Cmd
	state *processHandleState
	tk    timekeeper.TimeKeeper

	resultRecv *ipc.Receiver[Envelope[R]]

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error

	delivered atomic.Bool
	once      sync.Once
	resultCh  chan joinResult[R]

	stdinW  *os.File
	stdoutR *os.File
	stderrR *os.File
}

type joinResult[R any] struct {
	value R
	err   error
}

// Pid returns the child's process ID.
func (h *JoinHandle[R]) Pid() int { return int(h.state.pid.Load()) }

// Exited reports whether the child has been observed to exit.
func (h *JoinHandle[R]) Exited() bool { return h.state.exited.Load() }

// Stdin returns the child's stdin pipe, or nil unless Stdin(StdioPiped) was
// passed to Spawn.
func (h *JoinHandle[R]) Stdin() *os.File { return h.stdinW }

// Stdout returns the child's stdout pipe, or nil unless Stdout(StdioPiped)
// was passed to Spawn.
func (h *JoinHandle[R]) Stdout() *os.File { return h.stdoutR }

// Stderr returns the child's stderr pipe, or nil unless Stderr(StdioPiped)
// was passed to Spawn.
func (h *JoinHandle[R]) Stderr() *os.File { return h.stderrR }

func (h *JoinHandle[R]) wait() error {
	h.waitOnce.Do(func() {
		h.waitDone = make(chan struct{})
		go func() {
			h.waitErr = h.cmd.Wait()
			h.state.exited.Store(true)
			close(h.waitDone)
		}()
	})
	<-h.waitDone
	return h.waitErr
}

func (h *JoinHandle[R]) startRecv() {
	h.once.Do(func() {
		h.resultCh = make(chan joinResult[R], 1)
		go func() {
			env, err := h.resultRecv.Recv()
			// The child exits right after replying (or has already died), so
			// reap it here; this also marks the handle as exited.
			_ = h.wait()
			if err != nil {
				h.resultCh <- joinResult[R]{err: remoteClosedError(err)}
				return
			}
			if env.OK {
				h.resultCh <- joinResult[R]{value: env.Value}
				return
			}
			h.resultCh <- joinResult[R]{err: newPanicError(env.Panic)}
		}()
	})
}

// remoteClosedError reports a transport-level failure (the child crashed,
// or the result channel closed before sending anything) as ErrRemoteClosed,
// distinct from a caught panic's ErrPanic.
func remoteClosedError(cause error) error {
	return verror.New(ErrRemoteClosed, nil, cause.Error())
}

// Join blocks until the call completes, returning its value or the caught
// panic/transport error. A JoinHandle yields a result at most once: a
// second call (after either Join or JoinTimeout has already delivered one)
// returns ErrConsumed.
func (h *JoinHandle[R]) Join() (R, error) {
	var zero R
	if h.delivered.Load() {
		return zero, verror.New(ErrConsumed, nil)
	}
	h.startRecv()
	r := <-h.resultCh
	h.delivered.Store(true)
	return r.value, r.err
}

// JoinTimeout blocks until the call completes or timeout elapses, whichever
// comes first. On elapse it returns ErrTimeout without consuming the
// handle — a later Join or JoinTimeout call can still observe the eventual
// result. It does not kill the child; see Kill.
//
// Polling uses exponential backoff starting at 1ms and doubling, capped by
// the remaining time until the deadline, so a call that finishes quickly is
// observed quickly without busy-waiting for calls that run long.
func (h *JoinHandle[R]) JoinTimeout(timeout time.Duration) (R, error) {
	var zero R
	if h.delivered.Load() {
		return zero, verror.New(ErrConsumed, nil)
	}
	h.startRecv()
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

// Kill sends SIGKILL to the child and reaps it. Idempotent: calling it on
// an already-exited child is a no-op.
func (h *JoinHandle[R]) Kill() error {
	if h.state.exited.Load() {
		return nil
	}
	if h.cmd.Process == nil {
		return fmt.Errorf("procspawn: child was never started")
	}
	_ = h.cmd.Process.Kill()
	_ = h.wait()
	h.state.exited.Store(true)
	return nil
}

// Spawn runs f(arg) in a new child process built from the same executable
// and returns a handle to its eventual result. f must have been produced by
// Register or MustRegister.
func Spawn[A, R any](f *Func[A, R], arg A, opts ...SpawnOption) (*JoinHandle[R], error) {
	if !sharedLibraryPolicyOK() {
		return nil, verror.New(ErrSharedLibraryUnsafe, nil, f.Name())
	}
	if _, bootstrapping := os.LookupEnv(consts.ContentProcessIDVariable); bootstrapping {
		return nil, verror.New(ErrRecursiveBootstrap, nil)
	}

	so := spawnOptions{}
	for _, o := range opts {
		o.applySpawn(&so)
	}

	rv, err := ipc.Publish(uuid.NewString())
	if err != nil {
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("publishing rendezvous: %v", err))
	}
	defer rv.Close()

	cmd, err := buildCmd(rv.Name(), so)
	if err != nil {
		return nil, err
	}
	stdinW, stdoutR, stderrR, err := applyStdio(cmd, so)
	if err != nil {
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("building stdio pipes: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("starting child: %v", err))
	}

	state := &processHandleState{}
	state.pid.Store(int64(cmd.Process.Pid))

	bootEP, err := rv.Accept()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("accepting bootstrap connection: %v", err))
	}
	bootSendRaw, err := bootEP.Sender()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}
	defer bootSendRaw.Close()
	bootSend := ipc.NewSender[bootstrapMessage](bootSendRaw)

	argParentEP, argChildEP, err := ipc.NewChannel()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}
	resultChildEP, resultParentEP, err := ipc.NewChannel()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}

	descriptor := &CallDescriptor{FuncName: f.Name(), ArgChannel: argChildEP, ResultChannel: resultChildEP}
	if err := bootSend.Send(bootstrapMessage{Kind: bootstrapOneShot, Call: descriptor}); err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, fmt.Sprintf("sending bootstrap message: %v", err))
	}

	argSendRaw, err := argParentEP.Sender()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}
	argSend := ipc.NewSender[A](argSendRaw)
	if err := argSend.Send(arg); err != nil {
		_ = cmd.Process.Kill()
		// Unlike a result that fails to serialize in the child (which
		// surfaces only as ErrRemoteClosed — see ErrSerialization's doc
		// comment), the argument is encoded right here in the parent, so a
		// gob failure is directly attributable and reported distinctly
		// rather than folded into a generic transport error.
		return nil, verror.New(ErrSerialization, nil, fmt.Sprintf("sending argument: %v", err))
	}
	argSend.Close()

	resultRecvRaw, err := resultParentEP.Receiver()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, verror.New(ErrIO, nil, err.Error())
	}

	return &JoinHandle[R]{
		cmd:        cmd,
		state:      state,
		tk:         timekeeper.RealTime(),
		resultRecv: ipc.NewReceiver[Envelope[R]](resultRecvRaw),
		stdinW:     stdinW,
		stdoutR:    stdoutR,
		stderrR:    stderrR,
	}, nil
}

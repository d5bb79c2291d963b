package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Stream sentinels emitted by the scientific executables. Both mark a
// successful run that produces no product.
const (
	sentinelTooCloudy = "Too cloudy !"
	sentinelNoLand    = "no intersection with land"
)

// Command describes one external tool invocation.
type Command struct {
	// Subtool names the invocation for logging; stream captures land in
	// logs/{subtool}/.
	Subtool string

	Path string
	Args []string
	Dir  string
	Env  []string

	// MaxProcessingTime bounds the wall clock; zero means unbounded.
	MaxProcessingTime time.Duration
}

// ExecResult is what one invocation left behind. Stream tails and the
// exit code are persisted regardless of outcome.
type ExecResult struct {
	ExitCode   int
	Duration   time.Duration
	TimedOut   bool
	StdoutTail []string
	StderrTail []string

	// ErrorTokens holds stream lines carrying an error marker even when
	// the tool exited zero.
	ErrorTokens []string

	// TooCloudy and NoLandIntersection report the no-product sentinels.
	TooCloudy          bool
	NoLandIntersection bool
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// LogRoot receives logs/{subtool}/stdout.log, stderr.log and
	// result.yaml per invocation.
	LogRoot string

	// TailLines bounds the in-memory stream tails. Default 100.
	TailLines int

	// Grace is the delay between the soft and hard kill on timeout or
	// cancellation. Default 1s.
	Grace time.Duration

	Logger *zap.Logger
}

// Executor runs external tools in their own process group, consuming both
// streams on dedicated readers so a chatty child never blocks the runner.
type Executor struct {
	logRoot   string
	tailLines int
	grace     time.Duration
	log       *zap.Logger
}

// NewExecutor builds an Executor, backfilling defaults.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.LogRoot == "" {
		return nil, fmt.Errorf("executor requires a log root")
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 100
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Executor{
		logRoot:   cfg.LogRoot,
		tailLines: cfg.TailLines,
		grace:     cfg.Grace,
		log:       cfg.Logger,
	}, nil
}

// Run executes cmd. A non-zero exit or a timeout returns both the result
// and a ChildProcessError; callers inspect the result's sentinel flags
// before treating the error as a failure.
func (e *Executor) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	if cmd.Subtool == "" {
		return nil, fmt.Errorf("command requires a subtool name")
	}
	logDir := filepath.Join(e.logRoot, "logs", cmd.Subtool)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	proc := exec.Command(cmd.Path, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = cmd.Env
	// Own process group so the kill reaches the tool's children too.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, err
	}

	res := &ExecResult{}
	outTail := newTailBuffer(e.tailLines)
	errTail := newTailBuffer(e.tailLines)

	start := time.Now()
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Subtool, err)
	}
	e.log.Info("tool started",
		zap.String("subtool", cmd.Subtool),
		zap.String("path", cmd.Path),
		zap.Int("pid", proc.Process.Pid))

	var mu sync.Mutex
	var wg sync.WaitGroup
	scan := func(name string, r *bufio.Scanner, tail *tailBuffer) {
		defer wg.Done()
		sink, ferr := os.Create(filepath.Join(logDir, name+".log"))
		if ferr != nil {
			e.log.Warn("stream log unavailable", zap.Error(ferr))
		} else {
			defer sink.Close()
		}
		for r.Scan() {
			line := r.Text()
			tail.push(line)
			if sink != nil {
				fmt.Fprintln(sink, line)
			}
			mu.Lock()
			if strings.Contains(line, "ERROR") || strings.Contains(line, "ERR]") {
				res.ErrorTokens = append(res.ErrorTokens, line)
			}
			if strings.Contains(line, sentinelTooCloudy) {
				res.TooCloudy = true
			}
			if strings.Contains(line, sentinelNoLand) {
				res.NoLandIntersection = true
			}
			mu.Unlock()
		}
	}
	wg.Add(2)
	go scan("stdout", bufio.NewScanner(stdout), outTail)
	go scan("stderr", bufio.NewScanner(stderr), errTail)

	// Watch for cancellation and timeout; terminate the whole group.
	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.MaxProcessingTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.MaxProcessingTime)
		defer cancel()
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			mu.Lock()
			res.TimedOut = runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
			mu.Unlock()
			e.terminate(proc.Process.Pid, cmd.Subtool)
		case <-done:
		}
	}()

	// Drain both pipes before Wait: Wait closes them and would discard
	// unread output (see os/exec StdoutPipe docs).
	wg.Wait()
	waitErr := proc.Wait()
	close(done)

	res.Duration = time.Since(start)
	res.StdoutTail = outTail.lines()
	res.StderrTail = errTail.lines()
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		res.ExitCode = -1
	}

	e.persistResult(logDir, cmd, res)

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if res.TimedOut {
		return res, &ChildProcessError{
			Subtool:  cmd.Subtool,
			ExitCode: res.ExitCode,
			Timeout:  true,
			Tail:     res.StderrTail,
		}
	}
	if waitErr != nil {
		return res, &ChildProcessError{
			Subtool:  cmd.Subtool,
			ExitCode: res.ExitCode,
			Tail:     res.StderrTail,
		}
	}
	return res, nil
}

// terminate soft-kills the process group, waits the grace period, then
// hard-kills whatever is left.
func (e *Executor) terminate(pid int, subtool string) {
	e.log.Warn("terminating tool", zap.String("subtool", subtool), zap.Int("pid", pid))
	syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(e.grace)
	syscall.Kill(-pid, syscall.SIGKILL)
}

// persistResult writes the exit code and tails next to the stream logs.
func (e *Executor) persistResult(logDir string, cmd Command, res *ExecResult) {
	var b strings.Builder
	fmt.Fprintf(&b, "subtool: %s\nexit_code: %d\ntimed_out: %v\nduration: %s\n",
		cmd.Subtool, res.ExitCode, res.TimedOut, res.Duration)
	if len(res.StderrTail) > 0 {
		b.WriteString("stderr_tail:\n")
		for _, line := range res.StderrTail {
			fmt.Fprintf(&b, "  - %q\n", line)
		}
	}
	if err := os.WriteFile(filepath.Join(logDir, "result.yaml"), []byte(b.String()), 0644); err != nil {
		e.log.Warn("result file unavailable", zap.Error(err))
	}
}

// tailBuffer keeps the last n pushed lines.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []string
	next  int
	total int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{buf: make([]string, n)}
}

func (t *tailBuffer) push(line string) {
	t.mu.Lock()
	t.buf[t.next] = line
	t.next = (t.next + 1) % len(t.buf)
	t.total++
	t.mu.Unlock()
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return nil
	}
	n := t.total
	if n > len(t.buf) {
		n = len(t.buf)
	}
	out := make([]string, 0, n)
	start := (t.next - n + len(t.buf)) % len(t.buf)
	for i := 0; i < n; i++ {
		out = append(out, t.buf[(start+i)%len(t.buf)])
	}
	return out
}

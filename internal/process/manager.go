package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Default supervision timings.
const (
	defaultRestartDelay        = 5 * time.Second
	defaultMaxRestartDelay     = 5 * time.Minute
	defaultStableThreshold     = 2 * time.Minute
	defaultGracefulTimeout     = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second

	// healthCheckTimeout bounds a single HealthCheckFunc call.
	healthCheckTimeout = 5 * time.Second

	// maxHealthFailures consecutive failed checks kill the process.
	maxHealthFailures = 3

	// maxOutputLine caps one captured line of child output.
	maxOutputLine = 64 << 10
)

// Config describes a supervised child process, normally the mesh gateway
// daemon.
type Config struct {
	// Name identifies the process in logs.
	Name string

	// Binary is the executable path.
	Binary string

	Args []string

	// Env entries (KEY=value) are appended to the parent environment.
	Env []string

	// WorkDir defaults to the parent's working directory.
	WorkDir string

	// RestartOnFailure restarts the process after an unexpected exit.
	RestartOnFailure bool

	// RestartDelay is the first restart delay. Each further attempt
	// doubles it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a process must run before its restart
	// counter is reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is the wait between SIGTERM and SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc, when set, is polled every HealthCheckInterval.
	// Repeated failures kill the process so it can be restarted.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration

	OnStart   func()
	OnStop    func(err error)
	OnRestart func(attempt int)
}

// DefaultConfig returns a restarting Config for binary.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:                name,
		Binary:              binary,
		Args:                args,
		RestartOnFailure:    true,
		RestartDelay:        defaultRestartDelay,
		MaxRestartDelay:     defaultMaxRestartDelay,
		StableThreshold:     defaultStableThreshold,
		MaxRestartAttempts:  10,
		GracefulTimeout:     defaultGracefulTimeout,
		HealthCheckInterval: defaultHealthCheckInterval,
	}
}

// RecoverableError lets an exit error say whether a restart can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err permits a restart. Errors that do not
// implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// ExitError is returned for a child that exited with a non-zero code.
// Code 78 (EX_CONFIG) is treated as permanent: the daemon rejected its
// configuration and restarting it will not change that.
type ExitError struct {
	Name string
	Code int
	Err  error
}

// exitCodeConfig is sysexits.h EX_CONFIG.
const exitCodeConfig = 78

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// IsRecoverable is false for configuration errors.
func (e *ExitError) IsRecoverable() bool { return e.Code != exitCodeConfig }

// Logger is the logging surface the manager needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager starts, watches and restarts one child process.
//
// All methods are safe for concurrent use.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool
	stopCh        chan struct{}
	done          chan struct{}
}

// NewManager returns a stopped manager. Zero durations take defaults.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = defaultMaxRestartDelay
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process and its supervisor goroutine. It fails if
// the process is already running or cannot be spawned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.restartCount = 0
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.spawn(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.supervise(ctx)
	return nil
}

func (m *Manager) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // binary comes from the operator's config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	cmd.Dir = m.config.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	go m.logLines("stdout", stdout)
	go m.logLines("stderr", stderr)

	m.logger.Info("process started",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"pid", cmd.Process.Pid,
	)
	if m.config.OnStart != nil {
		m.config.OnStart()
	}
	return nil
}

// logLines forwards child output to the logger one line at a time.
func (m *Manager) logLines(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxOutputLine)
	for sc.Scan() {
		m.logger.Debug("process output", "name", m.config.Name, "stream", stream, "line", sc.Text())
	}
}

// wait blocks until the process exits, the context ends or the health
// check fails maxHealthFailures times in a row.
func (m *Manager) wait(ctx context.Context, cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- exitError(m.config.Name, cmd.Wait()) }()

	var tick <-chan time.Time
	if m.config.HealthCheckFunc != nil {
		ticker := time.NewTicker(m.config.HealthCheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	failures := 0
	for {
		select {
		case err := <-exited:
			return err
		case <-ctx.Done():
			return <-exited
		case <-tick:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := m.config.HealthCheckFunc(checkCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					m.logger.Info("health check recovered", "name", m.config.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			m.logger.Warn("health check failed", "name", m.config.Name, "error", err, "consecutive_failures", failures)
			if failures < maxHealthFailures {
				continue
			}

			m.logger.Error("process unhealthy, killing", "name", m.config.Name, "failures", failures)
			_ = cmd.Process.Kill() //nolint:errcheck // exit is observed below
			<-exited
			return fmt.Errorf("%s killed after %d failed health checks", m.config.Name, failures)
		}
	}
}

func exitError(name string, err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return &ExitError{Name: name, Code: ee.ExitCode(), Err: err}
	}
	return err
}

// supervise restarts the process until stopped, the context ends, the
// attempt limit is reached or the exit is not recoverable.
func (m *Manager) supervise(ctx context.Context) {
	m.mu.RLock()
	done := m.done
	stopCh := m.stopCh
	m.mu.RUnlock()
	defer close(done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()

		err := m.wait(ctx, cmd)

		m.mu.Lock()
		stopping := m.stopRequested
		ranFor := time.Since(m.startTime)
		if stopping {
			m.status = StatusStopped
		} else {
			m.status = StatusFailed
			m.lastError = err
			if ranFor >= m.config.StableThreshold {
				m.restartCount = 0
			}
		}
		m.mu.Unlock()

		if m.config.OnStop != nil {
			if stopping {
				m.config.OnStop(nil)
			} else {
				m.config.OnStop(err)
			}
		}
		if stopping {
			m.logger.Info("process stopped", "name", m.config.Name)
			return
		}

		m.logger.Warn("process exited", "name", m.config.Name, "error", err, "ran_for", ranFor.Round(time.Millisecond))

		if !m.shouldRestart(ctx, err) {
			return
		}

		m.mu.Lock()
		m.restartCount++
		attempt := m.restartCount
		m.mu.Unlock()

		if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
			m.logger.Error("restart limit reached", "name", m.config.Name, "attempts", attempt-1)
			return
		}

		delay := m.calculateBackoffDelay(attempt)
		m.logger.Info("restarting process", "name", m.config.Name, "attempt", attempt, "delay", delay)
		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt)
		}

		if !sleep(ctx, stopCh, delay) {
			return
		}

		for {
			err := m.spawn(ctx)
			if err == nil {
				break
			}
			m.logger.Error("restart failed", "name", m.config.Name, "error", err)

			m.mu.Lock()
			m.lastError = err
			m.restartCount++
			attempt = m.restartCount
			m.mu.Unlock()
			if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
				return
			}
			if !sleep(ctx, stopCh, m.calculateBackoffDelay(attempt)) {
				return
			}
		}
	}
}

func (m *Manager) shouldRestart(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case !m.config.RestartOnFailure:
		m.logger.Info("restart disabled", "name", m.config.Name)
		return false
	case !IsRecoverable(err):
		m.logger.Error("process failed permanently, not restarting", "name", m.config.Name, "error", err)
		return false
	}
	return true
}

// sleep waits d and reports whether supervision should continue.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// calculateBackoffDelay returns RestartDelay * 2^(attempt-1), capped at
// MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// Stop sends SIGTERM to the process group, escalating to SIGKILL after
// GracefulTimeout. It returns once supervision has ended.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.stopRequested && m.stopCh != nil {
		close(m.stopCh)
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	running := m.status == StatusRunning || m.status == StatusStarting
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	if !running || cmd == nil || cmd.Process == nil {
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("SIGTERM failed", "name", m.config.Name, "error", err)
	}

	timer := time.NewTimer(m.config.GracefulTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	m.logger.Warn("graceful stop timed out, killing", "name", m.config.Name, "timeout", m.config.GracefulTimeout)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}
	<-done
	return nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning reports whether the process is up.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the error of the most recent unexpected exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns consecutive restarts since the last stable run.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Uptime returns 0 unless the process is running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the current process id, or 0.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats is a point-in-time view of the supervised process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns the current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		RestartCount: m.restartCount,
	}
	if m.cmd != nil && m.cmd.Process != nil {
		s.PID = m.cmd.Process.Pid
	}
	if m.status == StatusRunning {
		s.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		s.LastError = m.lastError.Error()
	}
	return s
}

package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/events"
)

var (
	ErrAlreadyRunning = errors.New("capture already running")
	ErrNoInterfaces   = errors.New("no interfaces to monitor")
)

// Supervisor runs one capture process per interface and restarts it after
// RestartDelay when it exits while monitoring is active.
type Supervisor struct {
	command      string
	args         []string
	restartDelay time.Duration
	sink         *Sink
	emitter      events.Emitter
	logger       *slog.Logger
	now          func() time.Time

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	interfaces []string
	// wg belongs to the current run; Stop waits on the one it took.
	wg *sync.WaitGroup

	launches sync.Map // interface -> *atomic.Int64
}

func NewSupervisor(cfg config.CaptureConfig, sink *Sink, emitter events.Emitter, logger *slog.Logger) *Supervisor {
	if emitter == nil {
		emitter = events.Discard{}
	}
	args := cfg.Args
	if len(args) == 0 {
		args = config.DefaultCaptureArgs()
	}
	return &Supervisor{
		command:      cfg.Command,
		args:         args,
		restartDelay: cfg.RestartDelay,
		sink:         sink,
		emitter:      emitter,
		logger:       logger,
		now:          time.Now,
	}
}

// Available reports whether the capture command can be resolved.
func (s *Supervisor) Available() error {
	_, err := exec.LookPath(s.command)
	return err
}

func (s *Supervisor) Start(ctx context.Context, interfaces []string) error {
	if len(interfaces) == 0 {
		return ErrNoInterfaces
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	s.running = true
	s.cancel = cancel
	s.wg = wg
	s.interfaces = append([]string(nil), interfaces...)
	for _, iface := range s.interfaces {
		wg.Add(1)
		go s.supervise(runCtx, wg, iface)
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("monitoring started", "interfaces", interfaces, "command", s.command)
	}
	s.emitter.Emit(events.MonitoringStarted, events.InterfacePayload{Interfaces: interfaces})
	return nil
}

// Stop terminates every capture process and cancels pending restarts.
// Calling Stop when not running is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	wg := s.wg
	ifaces := s.interfaces
	s.interfaces = nil
	s.wg = nil
	s.mu.Unlock()

	wg.Wait()
	if s.logger != nil {
		s.logger.Info("monitoring stopped")
	}
	s.emitter.Emit(events.MonitoringStopped, events.InterfacePayload{Interfaces: ifaces})
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) Interfaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interfaces...)
}

// Launches returns how many times a capture process was started for iface.
func (s *Supervisor) Launches(iface string) int {
	v, ok := s.launches.Load(iface)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

func (s *Supervisor) countLaunch(iface string) {
	v, _ := s.launches.LoadOrStore(iface, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (s *Supervisor) supervise(ctx context.Context, wg *sync.WaitGroup, iface string) {
	defer wg.Done()
	for {
		err := s.runOnce(ctx, iface)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("capture process exited")
		}
		if s.logger != nil {
			s.logger.Warn("capture process ended, restarting", "interface", iface, "err", err, "delay", s.restartDelay)
		}
		s.emitter.Emit(events.InterfaceError, events.InterfaceErrorPayload{Interface: iface, Error: err.Error()})
		if !BackoffSleep(ctx, s.restartDelay) {
			return
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, iface string) error {
	args := make([]string, len(s.args))
	for i, a := range s.args {
		args[i] = strings.ReplaceAll(a, "{iface}", iface)
	}
	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	s.countLaunch(iface)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.command, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.drainStderr(stderr, iface)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rec := ParseLine(line, iface, s.now())
		if rec == nil {
			if s.logger != nil && strings.TrimSpace(line) != "" {
				s.logger.Debug("unparseable capture line", "interface", iface, "line", line)
			}
			continue
		}
		if s.sink != nil {
			s.sink.Deliver(ctx, *rec)
		}
	}
	if err := scanner.Err(); err != nil {
		// stdout is no longer read; kill so the restart loop takes over
		// instead of the process blocking on a full pipe.
		if s.logger != nil {
			s.logger.Warn("capture output unreadable, killing process", "interface", iface, "err", err)
		}
		_ = cmd.Process.Kill()
		_, _ = io.Copy(io.Discard, stdout)
	}
	<-done
	return cmd.Wait()
}

func (s *Supervisor) drainStderr(r io.Reader, iface string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if s.logger != nil {
			s.logger.Debug("capture stderr", "interface", iface, "line", sc.Text())
		}
	}
}

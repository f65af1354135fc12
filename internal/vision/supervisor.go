package vision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SupervisorConfig describes the classifier process. The process is expected
// to serve NDJSON results on the address the Client dials.
type SupervisorConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// A run longer than StableAfter resets the backoff.
	StableAfter time.Duration

	TailLines int
}

// Supervisor keeps the classifier process running, restarting it with
// exponential backoff when it exits.
type Supervisor struct {
	cfg SupervisorConfig

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	pid      int
	state    string
	lastErr  string
	restarts uint64
	tail     []string

	cancel context.CancelFunc
	done   chan struct{}
}

type SupervisorSnapshot struct {
	Command   string   `json:"command"`
	Running   bool     `json:"running"`
	PID       int      `json:"pid,omitempty"`
	State     string   `json:"state"`
	Restarts  uint64   `json:"restarts"`
	LastError string   `json:"last_error,omitempty"`
	Output    []string `json:"output_tail,omitempty"`
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Command == "" {
		return nil, fmt.Errorf("classifier command is required")
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = time.Minute
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 100
	}
	return &Supervisor{cfg: cfg, state: "stopped", done: make(chan struct{})}, nil
}

func (s *Supervisor) Start(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("classifier supervisor is closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("classifier supervisor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setState("starting", "")
	go s.runLoop(runCtx)
	return nil
}

// Close stops the process and waits for the supervisor to exit.
func (s *Supervisor) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.started.Load() {
		<-s.done
	}
}

func (s *Supervisor) Snapshot() SupervisorSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SupervisorSnapshot{
		Command:   s.cfg.Command,
		Running:   s.pid != 0 && s.state == "running",
		PID:       s.pid,
		State:     s.state,
		Restarts:  s.restarts,
		LastError: s.lastErr,
		Output:    append([]string(nil), s.tail...),
	}
}

func (s *Supervisor) runLoop(ctx context.Context) {
	defer close(s.done)

	backoff := s.cfg.BackoffInitial
	for {
		began := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return
		}
		if err == nil {
			err = errors.New("exited")
		}
		s.setState("exited", err.Error())

		if time.Since(began) > s.cfg.StableAfter {
			backoff = s.cfg.BackoffInitial
		}
		if !sleepCtx(ctx, backoff) {
			s.setState("stopped", "")
			return
		}
		backoff = min(backoff*2, s.cfg.BackoffMax)

		s.mu.Lock()
		s.restarts++
		s.state = "restarting"
		s.mu.Unlock()
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	if len(s.cfg.Env) > 0 {
		env := cmd.Environ()
		for k, v := range s.cfg.Env {
			if k = strings.TrimSpace(k); k != "" {
				env = append(env, k+"="+v)
			}
		}
		cmd.Env = env
	}

	// The classifier's stdout and stderr share one tail.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return fmt.Errorf("start: %w", err)
	}

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.state = "running"
	s.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readOutput(pr)
	}()

	waitErr := cmd.Wait()
	_ = pw.Close()
	<-readDone

	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()
	return waitErr
}

func (s *Supervisor) readOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 16*1024)
	for sc.Scan() {
		s.addTail(sc.Text())
	}
	if err := sc.Err(); err != nil {
		s.addTail("[output error] " + err.Error())
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) addTail(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, line)
	if over := len(s.tail) - s.cfg.TailLines; over > 0 {
		s.tail = append(s.tail[:0:0], s.tail[over:]...)
	}
}

func (s *Supervisor) setState(state, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	}
	s.mu.Unlock()
}

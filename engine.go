package zerofish

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// process is one UCI engine subprocess. A single goroutine owns its stdout: it forwards
// lines until EOF and then reaps the process.
type process struct {
	kind  Kind
	cmd   *exec.Cmd
	stdin io.WriteCloser

	lines   chan string
	readErr error // set before lines is closed

	exited  chan struct{}
	waitErr error // set before exited is closed

	closing   chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func startProcess(kind Kind, binaryPath string) (*process, error) {
	cmd := exec.Command(binaryPath)
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &OpError{Op: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &OpError{Op: "stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &OpError{Op: "start " + kind.String() + " engine", Err: err}
	}

	p := &process{
		kind:    kind,
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan string, 1024),
		exited:  make(chan struct{}),
		closing: make(chan struct{}),
	}
	go p.run(stdout)
	return p, nil
}

// run forwards output until EOF, then waits for the process. Wait closes stdout, so it
// must not start before the last read.
func (p *process) run(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case p.lines <- strings.TrimSpace(scanner.Text()):
		case <-p.closing:
		}
	}
	if err := scanner.Err(); err != nil {
		p.readErr = &OpError{Op: "read output", Err: err}
	}
	close(p.lines)

	if err := p.cmd.Wait(); err != nil {
		p.waitErr = &OpError{Op: "wait process", Err: err}
	}
	close(p.exited)
}

// bootstrap runs the uci handshake and applies the start-up options.
func (p *process) bootstrap(ctx context.Context, options []string) error {
	if err := p.send("uci"); err != nil {
		return err
	}
	if err := p.waitFor(ctx, "uciok"); err != nil {
		return &OpError{Op: "wait uciok", Err: err}
	}
	for _, option := range options {
		if err := p.send(option); err != nil {
			return err
		}
	}
	if err := p.send("isready"); err != nil {
		return err
	}
	if err := p.waitFor(ctx, "readyok"); err != nil {
		return &OpError{Op: "wait readyok", Err: err}
	}
	return nil
}

func (p *process) send(command string) error {
	select {
	case <-p.exited:
		return ErrEngineUnavailable
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := io.WriteString(p.stdin, command+"\n"); err != nil {
		return &OpError{Op: "write command", Err: err}
	}
	return nil
}

// waitFor discards output until a line equal to want arrives.
func (p *process) waitFor(ctx context.Context, want string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return p.failure()
			}
			if line == want {
				return nil
			}
		}
	}
}

// failure reports why the output stream ended. It blocks until the process is reaped.
func (p *process) failure() error {
	if p.readErr != nil {
		return p.readErr
	}
	<-p.exited
	if p.waitErr != nil {
		return p.waitErr
	}
	return fmt.Errorf("%s engine exited", p.kind)
}

// close asks the engine to quit and kills it if it is still running when ctx ends.
func (p *process) close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closing)
		_ = p.send("quit")
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-ctx.Done():
			if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = &OpError{Op: "kill process", Err: killErr}
			}
			<-p.exited
		}
	})
	return err
}

// processInstance hosts the primary and/or network-driven engine subprocesses of one worker.
type processInstance struct {
	index      int
	caps       Capabilities
	procs      [numKinds]*process
	weightsDir string

	out      chan Output
	pumps    sync.WaitGroup
	quitting atomic.Bool

	weightsMu   sync.Mutex
	weightsFile string
}

// processFactory starts the primary engine on worker 0 and a network-driven engine on
// every worker when a binary for it is configured.
func processFactory(cfg validatedConfig) Factory {
	return func(ctx context.Context, index int) (Instance, error) {
		inst := &processInstance{
			index:      index,
			weightsDir: cfg.weightsDir,
			out:        make(chan Output, 1024),
		}

		if index == 0 {
			options := []string{
				setOption("Threads", fmt.Sprint(cfg.perEngineThreads)),
				setOption("Hash", fmt.Sprint(cfg.perEngineHashMB)),
				setOption("Ponder", "false"),
				setOption("MultiPV", "1"),
			}
			if err := inst.start(ctx, KindPrimary, cfg.binaryPath, options); err != nil {
				inst.abort(cfg.shutdownTimeout)
				return nil, err
			}
			inst.caps |= CapPrimary
		}
		if cfg.zeroBinaryPath != "" {
			options := []string{setOption("Threads", fmt.Sprint(cfg.perEngineThreads))}
			if err := inst.start(ctx, KindResource, cfg.zeroBinaryPath, options); err != nil {
				inst.abort(cfg.shutdownTimeout)
				return nil, err
			}
			inst.caps |= CapResource
		}
		if inst.caps == 0 {
			return nil, fmt.Errorf("worker %d hosts no engine", index)
		}

		go func() {
			inst.pumps.Wait()
			close(inst.out)
		}()
		return inst, nil
	}
}

func (i *processInstance) start(ctx context.Context, kind Kind, binaryPath string, options []string) error {
	p, err := startProcess(kind, binaryPath)
	if err != nil {
		return err
	}
	i.procs[kind] = p
	if err := p.bootstrap(ctx, options); err != nil {
		return err
	}

	i.pumps.Add(1)
	go func() {
		defer i.pumps.Done()
		for line := range p.lines {
			i.out <- Output{Kind: kind, Line: line}
		}
		if !i.quitting.Load() {
			i.out <- Output{Kind: kind, Err: p.failure()}
		}
	}()
	return nil
}

func (i *processInstance) abort(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = i.Quit(ctx)
}

func (i *processInstance) Capabilities() Capabilities {
	return i.caps
}

func (i *processInstance) Send(kind Kind, command string) error {
	if kind < 0 || int(kind) >= numKinds || i.procs[kind] == nil {
		return fmt.Errorf("no %s engine on worker %d", kind, i.index)
	}
	return i.procs[kind].send(command)
}

// LoadResource writes the payload to a file and points the engine's WeightsFile option at it.
func (i *processInstance) LoadResource(data []byte) error {
	if i.procs[KindResource] == nil {
		return fmt.Errorf("no %s engine on worker %d", KindResource, i.index)
	}

	file, err := os.CreateTemp(i.weightsDir, fmt.Sprintf("zerofish-%d-*.weights", i.index))
	if err != nil {
		return &OpError{Op: "create weights file", Err: err}
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return &OpError{Op: "write weights file", Err: err}
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return &OpError{Op: "close weights file", Err: err}
	}

	if err := i.procs[KindResource].send(setOption("WeightsFile", file.Name())); err != nil {
		_ = os.Remove(file.Name())
		return err
	}

	i.weightsMu.Lock()
	previous := i.weightsFile
	i.weightsFile = file.Name()
	i.weightsMu.Unlock()
	if previous != "" {
		_ = os.Remove(previous)
	}
	return nil
}

func (i *processInstance) Output() <-chan Output {
	return i.out
}

func (i *processInstance) Quit(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	i.quitting.Store(true)

	var firstErr error
	for _, p := range i.procs {
		if p == nil {
			continue
		}
		if err := p.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	i.weightsMu.Lock()
	if i.weightsFile != "" {
		_ = os.Remove(i.weightsFile)
		i.weightsFile = ""
	}
	i.weightsMu.Unlock()
	return firstErr
}

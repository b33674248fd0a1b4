package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// gracefulStopTimeout bounds how long a stop waits after SIGTERM before
// escalating to SIGKILL.
const gracefulStopTimeout = 5 * time.Second

// process is the live subprocess handle owned by exactly one session.
// exited is closed once the process has been reaped; exitCode and exitErr
// are set before the close and immutable afterwards.
type process struct {
	cmd     *exec.Cmd
	pid     int
	console *os.File // pty master when the CLI kind needs a terminal

	exited   chan struct{}
	exitCode int
	exitErr  error
}

// launch spawns the resolved command with the merged environment, wires its
// output into the session's log ring and starts the reaper goroutine.
func launch(run RunCommand, dir string, env map[string]string, port int, sink *LogRing) (*process, error) {
	cmd := exec.Command(run.Command, run.Args...)
	cmd.Dir = dir
	cmd.Env = mergedEnv(env, port)

	p := &process{cmd: cmd, exited: make(chan struct{})}

	var readers sync.WaitGroup

	if run.NeedsTTY {
		console, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start with pty: %w", err)
		}
		p.console = console
		readers.Add(1)
		go func() {
			defer readers.Done()
			scanLines(console, sink, "console")
		}()
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			stdout.Close()
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			// Wait never runs on this path, so release the parent pipe
			// ends here.
			stdout.Close()
			stderr.Close()
			return nil, err
		}
		readers.Add(2)
		go func() {
			defer readers.Done()
			scanLines(stdout, sink, "stdout")
		}()
		go func() {
			defer readers.Done()
			scanLines(stderr, sink, "stderr")
		}()
	}

	p.pid = cmd.Process.Pid

	go func() {
		// Drain output before reaping; Wait closes the pipes.
		readers.Wait()
		err := cmd.Wait()
		p.exitCode = exitCodeOf(cmd, err)
		if err != nil && p.exitCode == 0 {
			p.exitErr = err
		}
		if p.console != nil {
			_ = p.console.Close()
		}
		close(p.exited)
	}()

	return p, nil
}

// terminate asks the process to exit gracefully, escalating to SIGKILL after
// gracefulStopTimeout. It returns once the process has been reaped.
func (p *process) terminate() {
	select {
	case <-p.exited:
		return
	default:
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.exited:
		return
	case <-time.After(gracefulStopTimeout):
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

// scanLines feeds each output line into the log ring. Lines longer than the
// scanner limit are truncated by bufio rather than dropped.
func scanLines(r io.Reader, sink *LogRing, source string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		level := "info"
		if source == "stderr" {
			level = "warn"
		}
		sink.Append(LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   line,
			Source:    source,
		})
	}
}

// mergedEnv builds the subprocess environment: process defaults, then session
// overrides, then the allocated PORT.
func mergedEnv(overrides map[string]string, port int) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	env = append(env, fmt.Sprintf("PORT=%d", port))
	return env
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if state := cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	return -1
}

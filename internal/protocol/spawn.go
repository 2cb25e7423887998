package protocol

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"

	"github.com/acplink/acplink/internal/logging"
)

// AgentCommand describes how to launch an agent process.
type AgentCommand struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs appended to the inherited environment
	Dir     string
}

// Spawn launches an agent process and attaches a Client to its stdio. The
// returned client owns the process: Close kills it, and Done is closed when
// it exits for any reason.
func Spawn(cmd AgentCommand, opts ...Option) (*Client, error) {
	proc := exec.Command(cmd.Command, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", cmd.Command, err)
	}

	log := logging.Component("protocol").With().Str("agentCmd", cmd.Command).Int("pid", proc.Process.Pid).Logger()

	c := &Client{
		in:      bufio.NewReaderSize(stdout, 1<<20),
		out:     stdin,
		pending: make(map[uint64]chan *rpcMessage),
		done:    make(chan struct{}),
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.kill = func() {
		_ = proc.Process.Kill()
	}

	// Agent stderr goes to our log at debug level.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			log.Debug().Str("stream", "stderr").Msg(scanner.Text())
		}
	}()

	// Reap the process and signal Done on out-of-band exit.
	go func() {
		err := proc.Wait()
		if err != nil {
			log.Debug().Err(err).Msg("agent process exited")
		}
		c.doneOnce.Do(func() { close(c.done) })
	}()

	go c.readLoop()

	log.Info().Msg("agent process started")
	return c, nil
}

package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// StreamEventType represents the type of stream event from the agent CLI.
type StreamEventType string

const (
	// StreamEventSystem indicates a system message.
	StreamEventSystem StreamEventType = "system"
	// StreamEventAssistant indicates an assistant message.
	StreamEventAssistant StreamEventType = "assistant"
	// StreamEventUser indicates a user message.
	StreamEventUser StreamEventType = "user"
	// StreamEventResult indicates a final result.
	StreamEventResult StreamEventType = "result"
	// StreamEventError indicates an error.
	StreamEventError StreamEventType = "error"
)

// StreamEvent represents a parsed event from the agent CLI's stream-json
// output.
type StreamEvent struct {
	// Type is the event type.
	Type StreamEventType `json:"type"`
	// Message contains the event content when applicable.
	Message string `json:"message,omitempty"`
	// Error contains error details when Type is StreamEventError.
	Error string `json:"error,omitempty"`
	// Raw contains the original JSON line.
	Raw json.RawMessage `json:"-"`
}

// Process is one running agent subprocess. The manager owns its
// lifecycle; tests substitute fakes through ProcessFactory.
type Process interface {
	Start(spec ProcessSpec) error
	Output() <-chan StreamEvent
	SendInput(text string) error
	Wait() error
	Kill() error
	PID() int
	Stderr() string
}

// ProcessSpec describes what to launch.
type ProcessSpec struct {
	// Command is the agent CLI binary.
	Command string
	// Args are passed before the prompt.
	Args []string
	// Prompt is the phase prompt handed to the agent.
	Prompt string
	// Dir is the working directory (the agent's git binding).
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// ProcessFactory builds a Process bound to a context. Cancelling the
// context kills the subprocess.
type ProcessFactory func(ctx context.Context) Process

// CLIProcess manages one agent CLI subprocess speaking stream-json on
// stdout.
type CLIProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser

	ctx       context.Context
	cancel    context.CancelFunc
	outputCh  chan StreamEvent
	stderrBuf []byte
	once      sync.Once
	mu        sync.Mutex
	started   bool
	done      chan struct{}
}

// NewCLIProcess creates a process handle. The context is used for kill
// and shutdown cancellation.
func NewCLIProcess(ctx context.Context) Process {
	ctx, cancel := context.WithCancel(ctx)
	return &CLIProcess{
		ctx:      ctx,
		cancel:   cancel,
		outputCh: make(chan StreamEvent, 100),
		done:     make(chan struct{}),
	}
}

// Start launches the subprocess and begins reading its output.
func (p *CLIProcess) Start(spec ProcessSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process already started")
	}

	args := append([]string{}, spec.Args...)
	args = append(args, "-p", spec.Prompt)

	p.cmd = exec.CommandContext(p.ctx, spec.Command, args...)
	if spec.Dir != "" {
		p.cmd.Dir = spec.Dir
	}
	p.cmd.Env = append(os.Environ(), spec.Env...)

	var err error
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	p.started = true

	go p.readOutput()
	go p.readStderr()

	return nil
}

// readOutput reads and parses JSON events from stdout.
func (p *CLIProcess) readOutput() {
	defer close(p.outputCh)
	defer close(p.done)

	scanner := bufio.NewScanner(p.stdout)
	// Increase buffer size for large JSON objects
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := parseStreamEvent(line)
		if err != nil {
			p.outputCh <- StreamEvent{
				Type:  StreamEventError,
				Error: fmt.Sprintf("parse error: %v", err),
				Raw:   append([]byte(nil), line...),
			}
			continue
		}

		select {
		case p.outputCh <- event:
		case <-p.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && p.ctx.Err() == nil {
		p.outputCh <- StreamEvent{
			Type:  StreamEventError,
			Error: fmt.Sprintf("read error: %v", err),
		}
	}
}

// readStderr captures stderr incrementally so startup failures are
// diagnosable even when stdout never produced a line.
func (p *CLIProcess) readStderr() {
	scanner := bufio.NewScanner(p.stderr)
	buf := make([]byte, 16*1024)
	scanner.Buffer(buf, 256*1024)

	var all []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		p.mu.Lock()
		all = append(all, line...)
		all = append(all, '\n')
		p.stderrBuf = all
		p.mu.Unlock()

		select {
		case p.outputCh <- StreamEvent{
			Type:  StreamEventError,
			Error: fmt.Sprintf("[stderr] %s", string(line)),
		}:
		case <-p.ctx.Done():
			return
		default:
			// Channel full; keep the buffer, skip the event.
		}
	}
}

// parseStreamEvent parses a JSON line into a StreamEvent.
func parseStreamEvent(data []byte) (StreamEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return StreamEvent{}, fmt.Errorf("unmarshal json: %w", err)
	}

	event := StreamEvent{Raw: append([]byte(nil), data...)}

	if t, ok := raw["type"].(string); ok {
		event.Type = StreamEventType(t)
	}

	switch event.Type {
	case StreamEventSystem, StreamEventAssistant, StreamEventUser:
		if msg, ok := raw["message"].(string); ok {
			event.Message = msg
		} else if content, ok := raw["content"].(string); ok {
			event.Message = content
		}
	case StreamEventResult:
		if result, ok := raw["result"].(string); ok {
			event.Message = result
		} else if content, ok := raw["content"].(string); ok {
			event.Message = content
		}
	case StreamEventError:
		if errMsg, ok := raw["error"].(string); ok {
			event.Error = errMsg
		} else if msg, ok := raw["message"].(string); ok {
			event.Error = msg
		}
	}

	return event, nil
}

// Output returns the event channel. It is closed when the process exits
// or is killed.
func (p *CLIProcess) Output() <-chan StreamEvent {
	return p.outputCh
}

// SendInput writes a line to the subprocess stdin.
func (p *CLIProcess) SendInput(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stdin == nil {
		return fmt.Errorf("process not started")
	}
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Wait blocks until the process exits and returns any exit error with
// captured stderr attached.
func (p *CLIProcess) Wait() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("process not started")
	}
	p.mu.Unlock()

	<-p.done

	err := p.cmd.Wait()
	if err != nil {
		p.mu.Lock()
		stderr := string(p.stderrBuf)
		p.mu.Unlock()

		errMsg := fmt.Sprintf("process exited with error: %v", err)
		if p.ctx.Err() != nil {
			errMsg += fmt.Sprintf(" (context: %v)", p.ctx.Err())
		}
		if stderr != "" {
			errMsg += fmt.Sprintf("; stderr: %s", stderr)
		}
		return fmt.Errorf("%s", errMsg)
	}
	return nil
}

// Kill terminates the process immediately.
func (p *CLIProcess) Kill() error {
	p.once.Do(func() {
		p.cancel()
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Stderr returns captured stderr output.
func (p *CLIProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stderrBuf)
}

// PID returns the subprocess pid, or 0 if not started.
func (p *CLIProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

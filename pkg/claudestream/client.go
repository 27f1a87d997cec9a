package claudestream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// MessageHandler receives each parsed stdout message.
type MessageHandler func(msg *WireMessage)

// Client speaks the stream-json protocol with a CLI child process: parsed
// messages come off stdout, prompts and control requests go to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	mu      sync.RWMutex
	handler MessageHandler
	done    chan struct{}
}

// NewClient wraps the child's pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudestream")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the stdout message callback.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start begins the stdout read loop. The returned channel closes once the
// loop is running.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop ends the read loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendUserMessage delivers a prompt over stdin.
func (c *Client) SendUserMessage(content string) error {
	return c.send(NewUserMessage(content))
}

// Interrupt asks the CLI to abandon the current turn.
func (c *Client) Interrupt() error {
	return c.send(&ControlRequest{
		Type:      TypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   ControlRequestBody{Subtype: SubtypeInterrupt},
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal stdin message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write stdin message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Tool results can be very large; allow lines up to 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("stream read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg WireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse stream line",
			zap.Error(err),
			zap.Int("length", len(line)))
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler != nil {
		msg.Raw = append(json.RawMessage(nil), line...)
		handler(&msg)
	}
}

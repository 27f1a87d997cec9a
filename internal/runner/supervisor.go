package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

const defaultStopGrace = 10 * time.Second

// supervisor owns the subprocess lifecycle shared by all adapters: spawn,
// log streams, init synthesis, result finalisation, stop escalation, and the
// idle watchdog. Adapters feed it translated messages via emit.
type supervisor struct {
	opts   Options
	logger *logger.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ptyFile *os.File

	messages  chan *AgentMessage
	history   []*AgentMessage
	historyMu sync.Mutex

	running atomic.Bool
	// stopRequested marks an explicit Stop so exit is treated as clean.
	stopRequested atomic.Bool

	initSeen   bool
	resultSeen bool
	// outstanding tracks tool calls awaiting their result, in arrival order.
	outstanding    map[string]*ToolUse
	outstandingIDs []string
	stateMu        sync.Mutex

	// procDone closes once cmd.Wait has returned.
	procDone chan struct{}

	providerSessionID atomic.Value // string
	lastAssistantText string

	ndjsonLog *os.File
	humanLog  *os.File

	idleTimer *time.Timer
	idleMu    sync.Mutex

	stderrTail *tailBuffer
}

func newSupervisor(opts Options, log *logger.Logger) *supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	s := &supervisor{
		opts:        opts,
		logger:      log.WithSessionID(opts.SessionKey),
		messages:    make(chan *AgentMessage, 256),
		stderrTail:  newTailBuffer(4096),
		outstanding: make(map[string]*ToolUse),
		procDone:    make(chan struct{}),
	}
	s.providerSessionID.Store("")
	return s
}

// spawn launches the subprocess and returns its stdout reader. The caller
// owns reading stdout; the supervisor owns everything else.
func (s *supervisor) spawn(ctx context.Context, name string, args []string) (io.Reader, error) {
	if err := s.openLogs(); err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = s.opts.WorkspacePath
	cmd.Env = append(os.Environ(), s.opts.Env...)
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout io.Reader
	if s.opts.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			s.closeLogs()
			return nil, fmt.Errorf("failed to start runner on pty: %w", err)
		}
		s.ptyFile = ptmx
		s.stdin = ptmx
		stdout = ptmx
	} else {
		stdinPipe, err := cmd.StdinPipe()
		if err != nil {
			s.closeLogs()
			return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			s.closeLogs()
			return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		cmd.Stderr = s.stderrTail

		if err := cmd.Start(); err != nil {
			s.closeLogs()
			return nil, fmt.Errorf("failed to start runner: %w", err)
		}
		s.stdin = stdinPipe
		stdout = stdoutPipe
	}

	s.cmd = cmd
	s.running.Store(true)
	s.logHuman("runner started: %s (pid %d)", name, cmd.Process.Pid)
	s.logger.Info("runner subprocess started",
		zap.String("executable", name),
		zap.Int("pid", cmd.Process.Pid))

	s.startIdleWatchdog()
	return stdout, nil
}

// emit delivers one canonical message: logs it, tracks init/result state,
// and pushes it onto the channel in arrival order.
func (s *supervisor) emit(ctx context.Context, msg *AgentMessage) {
	s.stateMu.Lock()
	if s.resultSeen {
		// Terminal state reached; late provider output is logged only.
		s.stateMu.Unlock()
		s.logRaw(msg)
		return
	}
	if msg.Type != MessageSystemInit && !s.initSeen {
		s.stateMu.Unlock()
		s.synthesizeInit(ctx)
		s.stateMu.Lock()
	}
	switch msg.Type {
	case MessageSystemInit:
		s.initSeen = true
		if msg.Init != nil && msg.Init.SessionID != "" {
			s.providerSessionID.Store(msg.Init.SessionID)
		}
	case MessageAssistant:
		if msg.Assistant != nil {
			if text := msg.Assistant.TextContent(); text != "" {
				s.lastAssistantText = text
			}
			for _, use := range msg.Assistant.ToolUses() {
				s.outstanding[use.ID] = use
				s.outstandingIDs = append(s.outstandingIDs, use.ID)
			}
		}
	case MessageToolResult:
		if msg.ToolResult != nil {
			delete(s.outstanding, msg.ToolResult.ToolUseID)
		}
	case MessageResultSuccess, MessageResultError:
		s.resultSeen = true
	}
	s.stateMu.Unlock()

	s.logRaw(msg)
	s.logHumanMessage(msg)
	s.touchIdle()

	s.historyMu.Lock()
	s.history = append(s.history, msg)
	s.historyMu.Unlock()

	select {
	case s.messages <- msg:
	case <-ctx.Done():
	}
}

// synthesizeInit fabricates the mandatory leading system.init.
func (s *supervisor) synthesizeInit(ctx context.Context) {
	sessionID := uuid.New().String()
	s.logger.Debug("synthesizing init message", zap.String("session_id", sessionID))
	s.emit(ctx, &AgentMessage{
		Type: MessageSystemInit,
		Init: &InitPayload{
			SessionID:   sessionID,
			CWD:         s.opts.WorkspacePath,
			Tools:       s.opts.AllowedTools,
			Model:       s.opts.Model,
			Synthesized: true,
		},
	})
}

// waitAndFinalize blocks on process exit, then emits a synthesized result
// if the provider never produced one, and closes the message channel.
func (s *supervisor) waitAndFinalize(ctx context.Context, started time.Time) {
	err := s.cmd.Wait()
	close(s.procDone)
	s.running.Store(false)
	s.stopIdleWatchdog()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.stateMu.Lock()
	resultSeen := s.resultSeen
	lastText := s.lastAssistantText
	s.stateMu.Unlock()

	if !resultSeen {
		duration := time.Since(started)
		clean := exitCode == 0 || s.stopRequested.Load()
		if clean {
			s.emit(ctx, &AgentMessage{
				Type:   MessageResultSuccess,
				Result: &ResultPayload{Duration: duration, LastText: lastText},
			})
		} else {
			s.resolveCrash(ctx, exitCode, duration)
		}
	}

	s.logHuman("runner exited with code %d", exitCode)
	s.logger.Info("runner subprocess exited", zap.Int("exit_code", exitCode))
	s.closeLogs()
	close(s.messages)
}

// resolveCrash pairs every tool call still awaiting a result with a
// synthesized error result, then emits the terminal result.error. Each
// tool_result lands on the stream and in the session logs before the result
// message.
func (s *supervisor) resolveCrash(ctx context.Context, exitCode int, duration time.Duration) {
	reason := fmt.Sprintf("runner exited with code %d", exitCode)
	for _, use := range s.takeOutstanding() {
		s.logger.Warn("synthesizing error result for outstanding tool call",
			zap.String("tool_use_id", use.ID),
			zap.String("tool", use.Name))
		s.emit(ctx, &AgentMessage{
			Type: MessageToolResult,
			ToolResult: &ToolResultPayload{
				ToolUseID: use.ID,
				ToolName:  use.Name,
				Content:   reason + " before the tool call returned",
				IsError:   true,
			},
		})
	}

	errs := []string{reason}
	if tail := s.stderrTail.String(); tail != "" {
		errs = append(errs, tail)
	}
	s.emit(ctx, &AgentMessage{
		Type:   MessageResultError,
		Result: &ResultPayload{Duration: duration, Errors: errs},
	})
}

// takeOutstanding drains the tool calls awaiting a result, in arrival order.
func (s *supervisor) takeOutstanding() []*ToolUse {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	var uses []*ToolUse
	for _, id := range s.outstandingIDs {
		if use, ok := s.outstanding[id]; ok {
			uses = append(uses, use)
			delete(s.outstanding, id)
		}
	}
	s.outstandingIDs = nil
	return uses
}

// stop signals the process group, waits for the grace period, then kills.
func (s *supervisor) stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	s.stopRequested.Store(true)
	// Late prompts must see a dead runner before the terminal message.
	s.running.Store(false)

	pid := s.cmd.Process.Pid
	s.logger.Info("stopping runner", zap.Int("pid", pid))
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-s.procDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.StopGrace):
		s.logger.Warn("runner ignored SIGTERM, killing", zap.Int("pid", pid))
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = s.cmd.Process.Kill()
		}
		select {
		case <-s.procDone:
		case <-ctx.Done():
		}
		return nil
	}
}

func (s *supervisor) isRunning() bool {
	return s.running.Load()
}

func (s *supervisor) sessionID() string {
	id, _ := s.providerSessionID.Load().(string)
	return id
}

func (s *supervisor) snapshotHistory() []*AgentMessage {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]*AgentMessage(nil), s.history...)
}

// startIdleWatchdog stops the runner after IdleTimeout of stream silence.
func (s *supervisor) startIdleWatchdog() {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, func() {
		s.logger.Warn("runner idle timeout reached, stopping",
			zap.Duration("idle_timeout", s.opts.IdleTimeout))
		s.logHuman("idle timeout after %s, stopping runner", s.opts.IdleTimeout)
		stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.StopGrace*2)
		defer cancel()
		_ = s.stop(stopCtx)
	})
}

func (s *supervisor) touchIdle() {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.opts.IdleTimeout)
	}
}

func (s *supervisor) stopIdleWatchdog() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// openLogs opens the per-session ndjson and human-readable log files.
func (s *supervisor) openLogs() error {
	if s.opts.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.opts.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	ndjsonPath := filepath.Join(s.opts.LogDir, s.opts.SessionKey+".ndjson")
	ndjson, err := os.OpenFile(ndjsonPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ndjson log: %w", err)
	}

	humanPath := filepath.Join(s.opts.LogDir, s.opts.SessionKey+".log")
	human, err := os.OpenFile(humanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = ndjson.Close()
		return fmt.Errorf("failed to open session log: %w", err)
	}

	s.ndjsonLog = ndjson
	s.humanLog = human
	return nil
}

func (s *supervisor) closeLogs() {
	if s.ndjsonLog != nil {
		_ = s.ndjsonLog.Close()
		s.ndjsonLog = nil
	}
	if s.humanLog != nil {
		_ = s.humanLog.Close()
		s.humanLog = nil
	}
}

// logRaw appends the provider's raw line (or the canonical encoding for
// synthesized messages) to the ndjson stream.
func (s *supervisor) logRaw(msg *AgentMessage) {
	if s.ndjsonLog == nil {
		return
	}
	line := msg.Raw
	if len(line) == 0 {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return
		}
		line = encoded
	}
	_, _ = s.ndjsonLog.Write(append(line, '\n'))
}

func (s *supervisor) logHuman(format string, args ...any) {
	if s.humanLog == nil {
		return
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(s.humanLog, "[%s] "+format+"\n", append([]any{stamp}, args...)...)
}

func (s *supervisor) logHumanMessage(msg *AgentMessage) {
	switch msg.Type {
	case MessageSystemInit:
		if msg.Init != nil {
			s.logHuman("session %s initialized (model=%s, tools=%d)",
				msg.Init.SessionID, msg.Init.Model, len(msg.Init.Tools))
		}
	case MessageAssistant:
		if msg.Assistant != nil {
			if text := msg.Assistant.TextContent(); text != "" {
				s.logHuman("assistant: %s", text)
			}
			for _, use := range msg.Assistant.ToolUses() {
				s.logHuman("tool call %s (%s)", use.Name, use.ID)
			}
		}
	case MessageToolResult:
		if msg.ToolResult != nil {
			status := "ok"
			if msg.ToolResult.IsError {
				status = "error"
			}
			s.logHuman("tool result %s: %s", msg.ToolResult.ToolUseID, status)
		}
	case MessageResultSuccess:
		s.logHuman("session completed")
	case MessageResultError:
		if msg.Result != nil {
			s.logHuman("session failed: %v", msg.Result.Errors)
		}
	}
}

// tailBuffer keeps the last n bytes written, for stderr capture.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

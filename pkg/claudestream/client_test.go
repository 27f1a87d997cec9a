package claudestream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func collectMessages(t *testing.T, stdout io.Reader, count int) []*WireMessage {
	t.Helper()
	received := make(chan *WireMessage, count)
	client := NewClient(&bytes.Buffer{}, stdout, testLogger(t))
	client.SetMessageHandler(func(msg *WireMessage) {
		received <- msg
	})
	<-client.Start(context.Background())

	var messages []*WireMessage
	for i := 0; i < count; i++ {
		select {
		case msg := <-received:
			messages = append(messages, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	client.Stop()
	return messages
}

func TestReadLoopParsesMessages(t *testing.T) {
	stdout := bytes.NewBufferString(
		`{"type":"system","subtype":"init","session_id":"sess-1","cwd":"/work","model":"claude","tools":["Read","Bash"]}` + "\n" +
			`{"type":"assistant","message":{"role":"assistant","model":"claude","content":[{"type":"text","text":"hello"}]}}` + "\n" +
			`{"type":"result","subtype":"success","duration_ms":1200,"result":{"text":"done"}}` + "\n")

	messages := collectMessages(t, stdout, 3)

	assert.Equal(t, TypeSystem, messages[0].Type)
	assert.Equal(t, "sess-1", messages[0].SessionID)
	assert.Equal(t, []string{"Read", "Bash"}, messages[0].Tools)

	require.Equal(t, TypeAssistant, messages[1].Type)
	blocks, err := messages[1].Message.ContentBlocks()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello", blocks[0].Text)

	assert.Equal(t, TypeResult, messages[2].Type)
	assert.Equal(t, SubtypeSuccess, messages[2].Subtype)
	assert.Equal(t, int64(1200), messages[2].DurationMS)
}

func TestReadLoopSkipsMalformedLines(t *testing.T) {
	stdout := bytes.NewBufferString(
		"this is not json\n" +
			`{"type":"result","subtype":"success"}` + "\n")

	messages := collectMessages(t, stdout, 1)
	assert.Equal(t, TypeResult, messages[0].Type)
}

func TestSendUserMessage(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, bytes.NewBuffer(nil), testLogger(t))

	require.NoError(t, client.SendUserMessage("fix the bug"))

	var msg UserMessage
	require.NoError(t, json.Unmarshal(stdin.Bytes(), &msg))
	assert.Equal(t, TypeUser, msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	assert.Equal(t, "fix the bug", msg.Message.Content)
}

func TestInterrupt(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, bytes.NewBuffer(nil), testLogger(t))

	require.NoError(t, client.Interrupt())

	var req ControlRequest
	require.NoError(t, json.Unmarshal(stdin.Bytes(), &req))
	assert.Equal(t, TypeControlRequest, req.Type)
	assert.Equal(t, SubtypeInterrupt, req.Request.Subtype)
	assert.NotEmpty(t, req.RequestID)
}

func TestContentBlocksStringShorthand(t *testing.T) {
	body := &MessageBody{Role: "user", Content: json.RawMessage(`"plain prompt"`)}
	blocks, err := body.ContentBlocks()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "plain prompt", blocks[0].Text)
}

func TestResultText(t *testing.T) {
	t.Run("string content", func(t *testing.T) {
		block := &ContentBlock{Content: json.RawMessage(`"file written"`)}
		assert.Equal(t, "file written", block.ResultText())
	})

	t.Run("nested blocks", func(t *testing.T) {
		block := &ContentBlock{Content: json.RawMessage(
			`[{"type":"text","text":"line 1"},{"type":"text","text":"line 2"}]`)}
		assert.Equal(t, "line 1\nline 2", block.ResultText())
	})

	t.Run("empty", func(t *testing.T) {
		block := &ContentBlock{}
		assert.Equal(t, "", block.ResultText())
	})
}

func TestResultString(t *testing.T) {
	errMsg := &WireMessage{Result: json.RawMessage(`"boom"`)}
	assert.Equal(t, "boom", errMsg.ResultString())

	objMsg := &WireMessage{Result: json.RawMessage(`{"text":"ok"}`)}
	assert.Equal(t, "", objMsg.ResultString())
}

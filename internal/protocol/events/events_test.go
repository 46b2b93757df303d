package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"run.completed","data":{"output":{"content":"hi"}},"timestamp":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, "run.completed", ev.Type)
	assert.Equal(t, "t1", ev.Timestamp)
	assert.Equal(t, "run", ev.Namespace())
	assert.Equal(t, "completed", ev.Action())
	assert.True(t, ev.IsRun())
	assert.True(t, ev.IsTerminal())
}

func TestDecodeMalformed(t *testing.T) {
	for name, frame := range map[string]string{
		"bad json":     `{bad json`,
		"not object":   `[1,2]`,
		"missing type": `{"data":{},"timestamp":"t1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			var malformed *MalformedFrameError
			require.True(t, errors.As(err, &malformed), "got %v", err)
			assert.Equal(t, frame, string(malformed.Frame))
		})
	}
}

func TestDecodeNullData(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"run.queued","data":null,"timestamp":"t"}`))
	require.NoError(t, err)
	assert.Nil(t, ev.Data)
}

func TestClone(t *testing.T) {
	ev := RunEvent{Type: TypeNodeStarted, Data: []byte(`{"node_id":"n1"}`)}
	cp := ev.Clone()
	cp.Data[2] = 'X'
	assert.Equal(t, `{"node_id":"n1"}`, string(ev.Data))
}

func TestNodeExecutionOf(t *testing.T) {
	n, err := NodeExecutionOf(RunEvent{Type: TypeNodeCompleted, Data: []byte(`{"node_id":"n1","output":{"ok":true}}`)})
	require.NoError(t, err)
	assert.Equal(t, "n1", n.NodeID)
	assert.JSONEq(t, `{"ok":true}`, string(n.Output))

	_, err = NodeExecutionOf(RunEvent{Type: TypeNodeStarted, Data: []byte(`"n1"`)})
	assert.ErrorIs(t, err, ErrUnexpectedPayload)

	_, err = NodeExecutionOf(RunEvent{Type: TypeNodeStarted, Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
}

func TestOutputContent(t *testing.T) {
	content, ok := OutputContent(RunEvent{Type: TypeRunCompleted, Data: []byte(`{"output":{"content":"hi"}}`)})
	assert.True(t, ok)
	assert.Equal(t, "hi", content)

	_, ok = OutputContent(RunEvent{Type: TypeRunCompleted, Data: []byte(`{"output":"plain"}`)})
	assert.False(t, ok)

	_, ok = OutputContent(RunEvent{Type: TypeRunCompleted})
	assert.False(t, ok)
}

func TestActionWithoutDot(t *testing.T) {
	assert.Equal(t, "", RunEvent{Type: "heartbeat"}.Action())
	assert.Equal(t, "requires_action", RunEvent{Type: TypeRunRequiresAction}.Action())
}

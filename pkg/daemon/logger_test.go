package daemon_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
)

func TestProcessStderrLast(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, uint64(daemon.LogLast))

	assert.NoError(t, daemon.ProcessStderr(&buf, nil))
	assert.Zero(t, buf.Len())
}

func TestProcessStderrNext(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, uint64(daemon.LogNext))
	writeTestString(&buf, "building...")
	writeTestUint64(&buf, uint64(daemon.LogLast))

	logs := make(chan daemon.LogMessage, 1)
	require.NoError(t, daemon.ProcessStderr(&buf, logs))

	msg := <-logs
	assert.Equal(t, daemon.LogNext, msg.Type)
	assert.Equal(t, "building...", msg.Text)
}

func TestProcessStderrOrder(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, uint64(daemon.LogNext))
	writeTestString(&buf, "one")
	writeTestUint64(&buf, uint64(daemon.LogNext))
	writeTestString(&buf, "two")
	writeTestUint64(&buf, uint64(daemon.LogNext))
	writeTestString(&buf, "three")
	writeTestUint64(&buf, uint64(daemon.LogLast))

	logs := make(chan daemon.LogMessage, 3)
	require.NoError(t, daemon.ProcessStderr(&buf, logs))

	var texts []string
	for i := 0; i < 3; i++ {
		texts = append(texts, (<-logs).Text)
	}

	assert.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestProcessStderrError(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, uint64(daemon.LogError))
	writeTestString(&buf, "Error")   // type
	writeTestUint64(&buf, 0)         // level
	writeTestString(&buf, "MyError") // name
	writeTestString(&buf, "it broke")
	writeTestUint64(&buf, 0) // havePos
	writeTestUint64(&buf, 1) // nrTraces
	writeTestUint64(&buf, 0) // trace havePos
	writeTestString(&buf, "while doing the thing")
	writeTestUint64(&buf, 7) // exitStatus

	err := daemon.ProcessStderr(&buf, nil)
	require.Error(t, err)

	derr, ok := err.(*daemon.DaemonError)
	require.True(t, ok)
	assert.Equal(t, "MyError", derr.Name)
	assert.Equal(t, "it broke", derr.Message)
	assert.Len(t, derr.Traces, 1)
	assert.Equal(t, "while doing the thing", derr.Traces[0].Message)
	assert.Equal(t, uint64(7), derr.ExitStatus)
	assert.Equal(t, "daemon: it broke", derr.Error())
}

func TestProcessStderrUnknownType(t *testing.T) {
	var buf bytes.Buffer
	writeTestUint64(&buf, 0x12345678)

	err := daemon.ProcessStderr(&buf, nil)
	assert.ErrorContains(t, err, "unknown log message type")
}

func TestLogMessageRoundTrip(t *testing.T) {
	messages := []daemon.LogMessage{
		{Type: daemon.LogNext, Text: "hello"},
		{Type: daemon.LogStartActivity, Activity: &daemon.Activity{
			ID:    42,
			Level: daemon.VerbInfo,
			Type:  daemon.ActBuild,
			Text:  "building foo",
			Fields: []daemon.LogField{
				{IsInt: true, Int: 7},
				{IsInt: false, String: "field"},
			},
			Parent: 1,
		}},
		{Type: daemon.LogResult, Result: &daemon.ActivityResult{
			ID:   42,
			Type: daemon.ResProgress,
			Fields: []daemon.LogField{
				{IsInt: true, Int: 50},
				{IsInt: true, Int: 100},
			},
		}},
		{Type: daemon.LogStopActivity, ActivityID: 42},
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		require.NoError(t, daemon.WriteLogMessage(&buf, msg))
	}

	writeTestUint64(&buf, uint64(daemon.LogLast))

	logs := make(chan daemon.LogMessage, len(messages))
	require.NoError(t, daemon.ProcessStderr(&buf, logs))

	for i, want := range messages {
		got := <-logs
		assert.Equal(t, want.Type, got.Type, "message %d", i)

		switch want.Type {
		case daemon.LogNext:
			assert.Equal(t, want.Text, got.Text)
		case daemon.LogStartActivity:
			assert.Equal(t, want.Activity, got.Activity)
		case daemon.LogResult:
			assert.Equal(t, want.Result, got.Result)
		case daemon.LogStopActivity:
			assert.Equal(t, want.ActivityID, got.ActivityID)
		}
	}
}

func TestWriteLogMessageRejectsTerminalTypes(t *testing.T) {
	var buf bytes.Buffer
	err := daemon.WriteLogMessage(&buf, daemon.LogMessage{Type: daemon.LogError})
	assert.ErrorContains(t, err, "cannot encode")
}

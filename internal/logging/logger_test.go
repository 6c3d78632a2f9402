package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestComponentLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	logger := WithConversation(Component("router"), "c-42")
	logger.Info().Msg("event routed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "router", entry["component"])
	require.Equal(t, "c-42", entry["conversation_id"])
	require.Equal(t, "event routed", entry["message"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	custom := zerolog.New(&buf)
	ctx := WithContext(context.Background(), custom)

	logger := FromContext(ctx)
	logger.Info().Msg("hi")
	require.Contains(t, buf.String(), "hi")

	require.NotPanics(t, func() {
		global := FromContext(context.Background())
		global.Debug().Msg("global")
	})
}

func TestUseConsoleNonTerminalAuto(t *testing.T) {
	var buf bytes.Buffer
	require.False(t, useConsole("auto", &buf))
	require.True(t, useConsole("console", &buf))
	require.False(t, useConsole("json", &buf))
}

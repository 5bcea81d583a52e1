package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEV":     slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"prod":    slog.LevelError,
		"":        slog.LevelWarn,
		"chatty":  slog.LevelWarn,
	}
	for in, want := range tests {
		require.Equal(t, want, ParseLevel(in, slog.LevelWarn), in)
	}
}

func TestNew_JSON(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer

	log := New(&buf, slog.LevelInfo, "json")
	log.Debug("hidden")
	log.Info("call offered", "caller", "u1")

	var line map[string]any
	req.NoError(json.Unmarshal(buf.Bytes(), &line))
	req.Equal("call offered", line["msg"])
	req.Equal("u1", line["caller"])
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerUsesCanonicalKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("job posted", slog.Uint64("jobId", 1), MaskField("token", "secret"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "job posted", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, RedactedValue, line["token"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSetupWithFileRotation(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "escrowd.log")
	logger, closer := SetupWithOptions(Options{Service: "escrowd", Env: "test", File: path})
	logger.Info("started")
	require.NoError(t, closer.Close())
	require.FileExists(t, path)
}

func TestMaskField(t *testing.T) {
	require.Equal(t, "7", MaskField("jobId", "7").Value.String())
	require.Equal(t, RedactedValue, MaskField("authorization", "Bearer x").Value.String())
	require.Equal(t, RedactedValue, MaskField("HMACSecret", "abc").Value.String())
	require.Equal(t, "", MaskField("authorization", "").Value.String())
}

func TestHandlerRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("request",
		slog.String("access_token", "eyJhbGciOi"),
		slog.String("idempotency_dsn", "postgres://user:pw@db/escrow"),
		slog.String("caller", "0x00000000000000000000000000000000000000a1"),
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["access_token"])
	require.Equal(t, RedactedValue, line["idempotency_dsn"])
	require.Equal(t, "0x00000000000000000000000000000000000000a1", line["caller"])
}

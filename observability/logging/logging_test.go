package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesKeysAndMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf))
	logger.Info("operation committed", "operation", "vault.mint", "authToken", "abc123")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "operation committed", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "vault.mint", line["operation"])
	require.Equal(t, RedactedValue, line["authToken"])
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("jwtSecret", "s3cr3t").Value.String())
	require.Equal(t, RedactedValue, MaskField("hmac_key", "k").Value.String())
	require.Equal(t, "svc", MaskField("service", "svc").Value.String())
	require.Equal(t, "alice", MaskField("token_subject", "alice").Value.String())
	require.Equal(t, "", MaskField("password", "").Value.String())
}

func TestNonStringSecretsAreMasked(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf)).Warn("rejected", "authorization", []byte("Bearer abc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, RedactedValue, line["authorization"])
}

func TestSetupWithFileWritesRotatingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crucibled.log")
	logger, closer := SetupWithFile("crucibled", "test", FileConfig{Path: path, MaxSizeMB: 1})
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"service":"crucibled"`)
	require.Contains(t, string(data), `"message":"hello"`)
}

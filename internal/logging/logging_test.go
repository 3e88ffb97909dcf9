package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "text", &buf)
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("conn", 3).Debug("session started")
	require.Contains(t, buf.String(), `msg="session started" conn=3`)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", "JSON", &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.WithField("kind", "format").Info("decode failed")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "decode failed", entry["msg"])
	require.Equal(t, "format", entry["kind"])
}

func TestEnvironmentWins(t *testing.T) {
	t.Setenv(EnvLevel, "warn")
	t.Setenv(EnvFormat, "json")
	var buf bytes.Buffer
	log, err := New("debug", "text", &buf)
	require.NoError(t, err)
	require.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Warn("careful")
	require.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestNewRejectsBadValues(t *testing.T) {
	_, err := New("loud", "text", &bytes.Buffer{})
	require.ErrorContains(t, err, "log level")
	_, err = New("info", "xml", &bytes.Buffer{})
	require.ErrorContains(t, err, "log format")
}

package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fundmgr/observability/logging"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := logging.Setup("fundd", "test", logging.Options{Output: &buf})
	logger.Info("disbursement submitted",
		slog.String("chain", "gnosis"),
		logging.MaskField("custody", "env:FUND_KEY"),
		logging.MaskField("api_key", ""))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "fundd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "disbursement submitted", line["message"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "gnosis", line["chain"])
	require.Equal(t, logging.RedactedValue, line["custody"])
	require.Equal(t, "", line["api_key"])
}

func TestSetupHonoursLevel(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := logging.Setup("fundd", "", logging.Options{Output: &buf, Level: slog.LevelWarn})
	logger.Info("quiet")
	require.Zero(t, buf.Len())
	logger.Warn("loud")
	require.NotZero(t, buf.Len())
}

func TestSetupWritesRotatedFile(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "fundd.log")
	t.Setenv(logging.FileEnv, path)
	logger := logging.Setup("fundd", "", logging.OptionsFromEnv())
	logger.Info("to file")

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "to file")
}

func TestAllowlistCoversOperationalKeys(t *testing.T) {
	for _, key := range []string{"chain", "tx_id", "error", "Operator"} {
		require.True(t, logging.IsAllowlisted(key), key)
	}
	require.False(t, logging.IsAllowlisted("custody"))
	require.False(t, logging.IsAllowlisted("redis_password"))
}

func TestCustodyKeepsSchemeOnly(t *testing.T) {
	require.Equal(t, "env:"+logging.RedactedValue, logging.Custody("env:FUND_KEY").Value.String())
	require.Equal(t, "keystore:"+logging.RedactedValue, logging.Custody("keystore:/etc/fundd/key.json").Value.String())
	require.Equal(t, logging.RedactedValue, logging.Custody("0xdeadbeef").Value.String())
}

func TestRecipientShortensLongDestinations(t *testing.T) {
	attr := logging.Recipient("to", "0x00000000000000000000000000000000000000f1")
	require.Equal(t, "to", attr.Key)
	require.Equal(t, "0x000000...0000f1", attr.Value.String())
	require.Equal(t, "short", logging.Recipient("to", " short ").Value.String())
}

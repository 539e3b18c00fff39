package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNothing(t *testing.T) {
	assert := assert.New(t)

	{
		cfg, err := FromFile(os.DevNull, DefaultReceiver())
		assert.Nil(err, "error should be nil")
		assert.Equal(DefaultReceiver(), cfg, "config from empty file should be the same as default")
	}

	{
		cfg, err := FromFile("./does-not-exist.toml", DefaultReceiver())
		assert.Nil(err, "error should be nil")
		assert.Equal(DefaultReceiver(), cfg, "config from not exisiting file should be the same as default")
	}
}

func TestParitalConfig(t *testing.T) {
	assert := assert.New(t)
	cfgString := `
		[Chain]
		Endpoint = "ws://node:8546"
		Contract = "0x00000000000000000000000000000000000000cc"
		PollInterval = "10s"
	`
	expected := DefaultReceiver()
	expected.Chain.Endpoint = "ws://node:8546"
	expected.Chain.Contract = "0x00000000000000000000000000000000000000cc"
	expected.Chain.PollInterval = Duration(10 * time.Second)

	{
		cfg, err := FromReader(bytes.NewReader([]byte(cfgString)), DefaultReceiver())
		assert.NoError(err, "error should be nil")
		assert.Equal(expected, cfg, "config from reader should contain changes")
	}

	{
		f, err := os.CreateTemp("", "config-*.toml")
		fname := f.Name()

		assert.NoError(err, "tmp file shold not error")
		_, err = f.WriteString(cfgString)
		assert.NoError(err, "writing to tmp file should not error")
		err = f.Close()
		assert.NoError(err, "closing tmp file should not error")
		defer os.Remove(fname) //nolint:errcheck

		cfg, err := FromFile(fname, DefaultReceiver())
		assert.Nil(err, "error should be nil")
		assert.Equal(expected, cfg, "config from reader should contain changes")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PAYCH_CHAIN_NETWORKID", "1337")
	t.Setenv("PAYCH_API_LISTENADDRESS", "0.0.0.0:6000")
	t.Setenv("PAYCH_CHAIN_MAXPOLLBACKOFF", "5m")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Chain]\nNetworkID = 3\n"), 0600))

	cfg, err := FromFile(path, DefaultReceiver())
	require.NoError(t, err)
	require.EqualValues(t, 1337, cfg.Chain.NetworkID)
	require.Equal(t, "0.0.0.0:6000", cfg.API.ListenAddress)
	require.Equal(t, Duration(5*time.Minute), cfg.Chain.MaxPollBackoff)
}

func TestConfigComment(t *testing.T) {
	b, err := ConfigComment(DefaultReceiver())
	require.NoError(t, err)
	require.Contains(t, string(b), "[Chain]")
	require.Contains(t, string(b), "#  Endpoint = \"http://127.0.0.1:8545\"")
}

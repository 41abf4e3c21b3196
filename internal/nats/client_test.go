package nats

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/concord/pkg/logger"
)

func TestPingWithoutConnection(t *testing.T) {
	c := &Client{logger: logger.NewNop()}
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Ping(context.Background()), ErrDisconnected)
}

func TestConnectOptionsPlaintext(t *testing.T) {
	opts, err := connectOptions(Config{URL: "nats://localhost:4222", Token: "s3cret"}, logger.NewNop())
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestLoadTLSErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := loadTLS(filepath.Join(dir, "missing.pem"), "", "")
	assert.Error(t, err)

	bogus := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0o600))
	_, err = loadTLS(bogus, "", "")
	assert.ErrorContains(t, err, "no certificates")

	_, err = loadTLS("", filepath.Join(dir, "client.pem"), "")
	assert.ErrorContains(t, err, "key file")

	_, err = connectOptions(Config{CAFile: bogus}, logger.NewNop())
	assert.Error(t, err)
}

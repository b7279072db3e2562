package geoip

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFallback(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geo.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFallbackLookup(t *testing.T) {
	l, err := Open(writeFallback(t, `[{"net":"10.0.0.0/8","country":"US"},{"net":"192.168.1.0/24","country":"DE"}]`))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.Equal(t, "US", l.Country(net.ParseIP("10.1.2.3")))
	assert.Equal(t, "DE", l.Country(net.ParseIP("192.168.1.50")))
	assert.Equal(t, "", l.Country(net.ParseIP("8.8.8.8")))
	assert.Equal(t, "", l.Country(nil))
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := Open(writeFallback(t, "not a database"))
	assert.Error(t, err)

	_, err = Open(writeFallback(t, `[{"net":"nope","country":"US"}]`))
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing.mmdb"))
	assert.Error(t, err)
}

func TestNilLocator(t *testing.T) {
	var l *Locator
	assert.Equal(t, "", l.Country(net.ParseIP("10.0.0.1")))
	assert.NoError(t, l.Close())
}

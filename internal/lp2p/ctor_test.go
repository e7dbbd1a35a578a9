package lp2p

import (
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common/testlogger"
)

func TestCreateThenLoadPrivKey(t *testing.T) {
	dir := t.TempDir()
	// should not exist yet and has an intermediate dir that does not exist
	identityPath := path.Join(dir, "not-exists-dir", "identity.key")

	lg := testlogger.New(t)
	priv0, err := LoadOrCreatePrivKey(identityPath, lg)
	require.NoError(t, err)

	// read again, should be the same
	priv1, err := LoadOrCreatePrivKey(identityPath, lg)
	require.NoError(t, err)
	require.True(t, priv0.Equals(priv1), "private key not persisted and/or not read back properly")
}

func TestParseMultiaddrSlice(t *testing.T) {
	addrs, err := ParseMultiaddrSlice([]string{"/ip4/127.0.0.1/tcp/4444", "/dns4/example.org/tcp/44"})
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	_, err = ParseMultiaddrSlice([]string{"127.0.0.1:4444"})
	require.Error(t, err)
}

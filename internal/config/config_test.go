package config

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/tally"
)

const sample = `
folder = "/var/lib/tally"
metrics = "127.0.0.1:9090"

[service]
authority = "0xa11ce"
pausers = ["0xpa05e"]
timezone_offset = "2h"
min_participants = 5
request_timeout = "30m"
drive = true

[oracle]
key_file = "/var/lib/tally/oracle.toml"
delay = "5s"

[gossip]
topic = "prod"
listen = "/ip4/0.0.0.0/tcp/44544"

[escrow]
"0xb0b" = 100000
`

func write(t *testing.T, content string) string {
	p := path.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	c, err := Load(write(t, sample))
	require.NoError(t, err)

	require.Equal(t, "/var/lib/tally", c.Folder)
	require.Equal(t, "/var/lib/tally/db", c.StoreFolder())
	require.Equal(t, common.Identity("0xa11ce"), c.Service.Authority)
	require.Equal(t, []common.Identity{"0xpa05e"}, c.Service.Pausers)
	require.Equal(t, 2*time.Hour, c.Service.TimezoneOffset.Duration)
	require.Equal(t, 30*time.Minute, c.Service.RequestTimeout.Duration)
	require.Equal(t, 5, c.Service.MinParticipants)
	require.True(t, c.Service.Drive)
	require.Equal(t, 5*time.Second, c.Oracle.Delay.Duration)
	require.Equal(t, uint64(100000), c.Escrow["0xb0b"])

	// defaults survive
	require.Equal(t, uint64(tally.DefaultMaxA), c.Service.MaxA)
	require.Equal(t, uint32(tally.DefaultMaxPeriods), c.Service.MaxPeriods)
	require.Equal(t, "127.0.0.1:8080", c.HTTP.Listen)
	require.Len(t, c.Options(), 8)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(write(t, sample+"\n[service2]\nfoo = 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown keys")

	_, err = Load(write(t, "[oracle]\nkey_file = \"k\"\n"))
	require.ErrorIs(t, err, common.ErrZeroAddress)

	_, err = Load(write(t, "[service]\nauthority = \"0xa11ce\"\n"))
	require.Error(t, err)

	_, err = Load(write(t, "[service]\nauthority = \"0xa11ce\"\n[oracle]\nkey_file = \"k\"\nmax_plaintext = 10\n"))
	require.Error(t, err)

	_, err = Load(write(t, "[service]\nauthority = \"0xa11ce\"\nrequest_timeout = \"soon\"\n"))
	require.Error(t, err)

	_, err = Load(write(t, "[service]\nauthority = \"0xa11ce\"\n[oracle]\nkey_file = \"k\"\nurl = \"http://127.0.0.1:9999\"\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "oracle.token")

	_, err = Load(path.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	c := Default()
	c.Service.Authority = "0xa11ce"
	c.Oracle.URL = "http://127.0.0.1:9999"
	c.Oracle.Token = "s3cret"
	c.Oracle.KeyFile = "oracle.toml"
	c.Archive = Archive{Bucket: "reports", Region: "eu-west-1"}
	c.Service.RequestTimeout = Duration{90 * time.Minute}

	p := path.Join(t.TempDir(), "nested", DefaultFileName)
	require.NoError(t, c.Save(p))
	c2, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, c, c2)
}

func TestKeyFile(t *testing.T) {
	kp := fhe.GenerateKey()
	dir := t.TempDir()

	full := path.Join(dir, "oracle.toml")
	require.NoError(t, SaveKey(full, kp, false))
	loaded, err := LoadKey(full)
	require.NoError(t, err)
	require.True(t, loaded.Public.Equal(kp.Public))
	require.True(t, loaded.Secret.Equal(kp.Secret))

	pub := path.Join(dir, "oracle.public.toml")
	require.NoError(t, SaveKey(pub, kp, true))
	loaded, err = LoadKey(pub)
	require.NoError(t, err)
	require.True(t, loaded.Public.Equal(kp.Public))
	require.Nil(t, loaded.Secret)

	other := fhe.GenerateKey()
	require.NoError(t, os.WriteFile(full, []byte("public = \""+fhe.PointToString(other.Public)+
		"\"\nsecret = \""+fhe.ScalarToString(kp.Secret)+"\"\n"), 0o600))
	_, err = LoadKey(full)
	require.Error(t, err)
}

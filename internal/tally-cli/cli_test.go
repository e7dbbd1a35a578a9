package tallycli

import (
	"bytes"
	"context"
	"encoding/hex"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/testlogger"
	dhttp "github.com/drand/tally/handler/http"
	"github.com/drand/tally/internal/config"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/fs"
	"github.com/drand/tally/internal/oracle"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := CLI()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"tally"}, args...))
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	folder := t.TempDir()
	out, err := run(t, "--folder", folder, "keygen")
	require.NoError(t, err)
	require.Contains(t, out, "Oracle identity: 0x")

	kp, err := config.LoadKey(path.Join(folder, "oracle.toml"))
	require.NoError(t, err)
	require.NotNil(t, kp.Secret)
	pub, err := config.LoadKey(path.Join(folder, "oracle.public.toml"))
	require.NoError(t, err)
	require.Nil(t, pub.Secret)
	require.True(t, pub.Public.Equal(kp.Public))

	_, err = run(t, "--folder", folder, "keygen")
	require.Error(t, err)
}

func TestEncrypt(t *testing.T) {
	folder := t.TempDir()
	kp := fhe.GenerateKey()
	p := path.Join(folder, "oracle.public.toml")
	require.NoError(t, config.SaveKey(p, kp, true))

	out, err := run(t, "encrypt", "--key", p, "42")
	require.NoError(t, err)
	ct, err := hex.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	v, err := fhe.NewDecrypter(kp.Secret, 1<<10).Decrypt(fhe.Ciphertext(ct))
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	_, err = run(t, "encrypt", "--key", p, "forty-two")
	require.Error(t, err)
	_, err = run(t, "encrypt", "--key", p)
	require.Error(t, err)
}

func TestWindow(t *testing.T) {
	out, err := run(t, "window", "--tz-offset", "2h")
	require.NoError(t, err)
	require.Contains(t, out, "window")
	require.Contains(t, out, "left")
}

func TestPublicKeyPath(t *testing.T) {
	require.Equal(t, "/a/oracle.public.toml", publicKeyPath("/a/oracle.toml"))
	require.Equal(t, "/a/key.public", publicKeyPath("/a/key"))
}

func testConfig(t *testing.T) (*config.Config, *fhe.KeyPair) {
	t.Helper()
	folder := t.TempDir()
	kp := fhe.GenerateKey()
	keyFile := path.Join(folder, "oracle.toml")
	require.NoError(t, config.SaveKey(keyFile, kp, false))

	conf := config.Default()
	conf.Folder = folder
	conf.Service.Authority = "0xa11ce"
	conf.Oracle.KeyFile = keyFile
	conf.HTTP.Listen = "127.0.0.1:0"
	conf.HTTP.AccessLog = path.Join(folder, "access.log")
	conf.Escrow = map[string]uint64{"0xb0b": 1000}
	require.NoError(t, conf.Validate())
	return conf, kp
}

func TestDaemon(t *testing.T) {
	conf, kp := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, testlogger.New(t), conf)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	url := "http://" + d.Addr()
	client := dhttp.NewClient(url, "")
	info, err := client.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, oracle.IdentityOf(kp.Public), info.Params.Oracle)
	require.Equal(t, conf.Service.MaxA, info.Params.MaxA)

	out, err := run(t, "status", "--url", url)
	require.NoError(t, err)
	require.Contains(t, out, "no period opened yet")

	_, err = run(t, "status", "--url", url, "--period", "3")
	require.ErrorIs(t, err, common.ErrPeriodNotFound)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	exists, err := fs.Exists(conf.StoreFolder())
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = fs.Exists(conf.HTTP.AccessLog)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestDaemonRequiresSecret(t *testing.T) {
	conf, kp := testConfig(t)
	require.NoError(t, config.SaveKey(conf.Oracle.KeyFile, kp, true))
	_, err := newDaemon(context.Background(), testlogger.New(t), conf)
	require.Error(t, err)
}

func TestDaemonConfigFile(t *testing.T) {
	conf, _ := testConfig(t)
	conf.Service.Authority = ""
	p := path.Join(conf.Folder, config.DefaultFileName)
	require.NoError(t, conf.Save(p))

	_, err := run(t, "daemon", "--config", p)
	require.ErrorIs(t, err, common.ErrZeroAddress)
}

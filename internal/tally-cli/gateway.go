package tallycli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/config"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/oracle"
)

const (
	defaultGatewayListen = "127.0.0.1:8090"
	shutdownTimeout      = 10 * time.Second
)

func gatewayCmd(c *cli.Context, l log.Logger) error {
	if c.NArg() != 1 {
		return errors.New("gateway expects the callback url of the daemon")
	}
	kp, err := config.LoadKey(keyPath(c))
	if err != nil {
		return err
	}
	if kp.Secret == nil {
		return fmt.Errorf("%s only holds a public key", keyPath(c))
	}

	gw := oracle.NewGateway(fhe.NewDecrypter(kp.Secret, fhe.DefaultMaxPlaintext), kp,
		oracle.WithLogger(l), oracle.WithDelay(c.Duration("delay")))
	defer gw.Stop()
	gw.AddCallback("daemon", oracle.PostTo(l, c.Args().First()))

	listen := c.String(listenFlag.Name)
	if listen == "" {
		listen = defaultGatewayListen
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           metrics.InstrumentHandler(oracle.Handler(gw, c.String(tokenFlag.Name))),
		ReadHeaderTimeout: 3 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	l.Infow("gateway listening", "addr", listen, "identity", gw.Identity())
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package tallycli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/drand/kyber"
	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	dhttp "github.com/drand/tally/handler/http"
	"github.com/drand/tally/internal/archive"
	"github.com/drand/tally/internal/config"
	"github.com/drand/tally/internal/entropy"
	"github.com/drand/tally/internal/escrow"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/fs"
	"github.com/drand/tally/internal/lp2p"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/metrics/pprof"
	"github.com/drand/tally/internal/oracle"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/state/boltdb"
	"github.com/drand/tally/internal/tally"
)

func daemonCmd(c *cli.Context) error {
	conf, err := config.Load(configPath(c))
	if err != nil {
		return err
	}
	if c.IsSet(listenFlag.Name) {
		conf.HTTP.Listen = c.String(listenFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		conf.Metrics = c.String(metricsFlag.Name)
	}
	level := log.ParseLevel(conf.Log.Level)
	if c.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	l := log.New(nil, level, conf.Log.JSON || c.Bool(jsonFlag.Name))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, l, conf)
	if err != nil {
		return fmt.Errorf("can't instantiate tally daemon: %w", err)
	}
	return d.run(ctx)
}

// daemon wires a service to its store, oracle, sinks and API.
type daemon struct {
	l    log.Logger
	conf *config.Config

	store   *boltdb.Store
	svc     *tally.Service
	gw      *oracle.Gateway
	node    *lp2p.Node
	arch    *archive.Archiver
	srv     *http.Server
	lis     net.Listener
	metrics net.Listener
	closers []io.Closer
}

func newDaemon(ctx context.Context, l log.Logger, conf *config.Config) (*daemon, error) {
	d := &daemon{l: l.Named("daemon"), conf: conf}
	if err := d.setup(ctx); err != nil {
		if cerr := d.close(); cerr != nil {
			d.l.Warnw("cleaning up after failed start", "err", cerr)
		}
		return nil, err
	}
	return d, nil
}

func (d *daemon) setup(ctx context.Context) error {
	conf, l := d.conf, d.l
	if _, err := fs.CreateSecureFolder(conf.Folder); err != nil {
		return err
	}
	kp, err := config.LoadKey(conf.Oracle.KeyFile)
	if err != nil {
		return err
	}
	if kp.Secret == nil {
		return fmt.Errorf("%s only holds a public key", conf.Oracle.KeyFile)
	}
	engine := fhe.NewEvaluator(kp, conf.Oracle.MaxPlaintext)

	if d.store, err = boltdb.NewStore(ctx, l, conf.StoreFolder(), nil); err != nil {
		return err
	}

	book := escrow.NewBook()
	for id, amount := range conf.Escrow {
		book.Deposit(common.Identity(id), amount)
	}

	src, err := d.entropy()
	if err != nil {
		return err
	}

	var (
		orc       oracle.Oracle
		oracleID  common.Identity
		oracleKey kyber.Point
	)
	if conf.Oracle.URL == "" {
		d.gw = oracle.NewGateway(fhe.NewDecrypter(kp.Secret, conf.Oracle.MaxPlaintext), kp,
			oracle.WithLogger(l), oracle.WithDelay(conf.Oracle.Delay.Duration))
		orc, oracleID = d.gw, d.gw.Identity()
	} else {
		client := oracle.NewClient(conf.Oracle.URL, conf.Oracle.Token)
		info, err := client.Info(ctx)
		if err != nil {
			return fmt.Errorf("reaching oracle: %w", err)
		}
		if oracleKey, err = fhe.StringToPoint(info.PublicKey); err != nil {
			return fmt.Errorf("oracle public key: %w", err)
		}
		orc, oracleID = client, oracle.IdentityOf(oracleKey)
	}

	opts := append(conf.Options(),
		tally.WithLogger(l),
		tally.WithEngine(engine),
		tally.WithOracle(orc, oracleID),
		tally.WithStore(d.store),
		tally.WithEscrow(book),
		tally.WithEntropy(src),
	)
	if d.svc, err = tally.New(ctx, tally.NewConfig(opts...)); err != nil {
		return err
	}
	if d.gw != nil {
		d.gw.AddCallback("tally", oracle.Deliver(d.svc, oracleID))
	}
	d.svc.AddCallback("log", d.logEvent)

	if conf.Gossip.Topic != "" {
		identity := conf.Gossip.IdentityFile
		if identity == "" {
			identity = path.Join(conf.Folder, "p2p.key")
		}
		d.node, err = lp2p.NewNode(l, &lp2p.Config{
			Topic:        conf.Gossip.Topic,
			PeerWith:     conf.Gossip.PeerWith,
			Addr:         conf.Gossip.Listen,
			IdentityPath: identity,
		})
		if err != nil {
			return err
		}
		d.svc.AddCallback("gossip", d.node.Publish)
	}

	if conf.Archive.Bucket != "" {
		sess, err := archive.NewSession(conf.Archive.Region)
		if err != nil {
			return err
		}
		d.arch = archive.NewS3(l, sess, conf.Archive.Bucket, d.svc)
		d.svc.AddCallback("archive", d.arch.OnEvent)
	}

	if err := d.setupHTTP(ctx, oracleKey); err != nil {
		return err
	}
	if conf.Metrics != "" {
		d.metrics = metrics.Start(l, conf.Metrics, pprof.WithProfile())
	}
	return nil
}

func (d *daemon) entropy() (entropy.Source, error) {
	var sources []entropy.Source
	if e := d.conf.Entropy; e.BeaconURL != "" {
		b, err := entropy.NewBeacon(d.l, e.BeaconURL, e.ChainHash)
		if err != nil {
			return nil, err
		}
		sources = append(sources, b)
	}
	if p := d.conf.Entropy.Script; p != "" {
		r, err := entropy.GetReaderFromSource(p, d.l)
		if err != nil {
			return nil, err
		}
		sources = append(sources, entropy.NewReaderSource(r))
	}
	return entropy.Fallback(d.l, sources...), nil
}

func (d *daemon) setupHTTP(ctx context.Context, oracleKey kyber.Point) error {
	opts := []dhttp.Option{dhttp.WithLogger(d.l)}
	if oracleKey != nil {
		opts = append(opts, dhttp.WithOracleKey(oracleKey))
	}
	h, err := dhttp.New(ctx, d.svc, opts...)
	if err != nil {
		return err
	}
	if p := d.conf.HTTP.AccessLog; p != "" {
		fd, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("opening access log: %w", err)
		}
		d.closers = append(d.closers, fd)
		h = handlers.CombinedLoggingHandler(fd, h)
	}
	if d.lis, err = net.Listen("tcp", d.conf.HTTP.Listen); err != nil {
		return err
	}
	d.srv = &http.Server{Handler: h, ReadHeaderTimeout: 3 * time.Second}
	return nil
}

func (d *daemon) logEvent(e *state.Event) {
	d.l.Infow("event", "seq", e.Seq, "kind", e.Kind, "period", e.PeriodID, "participant", e.Participant)
}

// Addr returns the address the API listens on.
func (d *daemon) Addr() string {
	return d.lis.Addr().String()
}

// run serves until ctx is done, then shuts everything down.
func (d *daemon) run(ctx context.Context) error {
	d.svc.Start()
	d.l.Infow("tally daemon started", "api", d.Addr(), "oracle", d.svc.Params().Oracle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.srv.Serve(d.lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if d.conf.Service.Drive {
		g.Go(func() error {
			d.svc.Drive(gctx, d.conf.Service.Authority)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.srv.Shutdown(sctx)
	})
	err := g.Wait()
	if cerr := d.close(); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	d.l.Infow("tally daemon stopped")
	return err
}

// close releases everything newDaemon acquired.
func (d *daemon) close() error {
	var errs *multierror.Error
	if d.metrics != nil {
		errs = multierror.Append(errs, d.metrics.Close())
	}
	if d.srv == nil && d.lis != nil {
		errs = multierror.Append(errs, d.lis.Close())
	}
	if d.gw != nil {
		d.gw.Stop()
	}
	// the service stops dispatching before its sinks close
	if d.svc != nil {
		d.svc.Stop()
	}
	if d.arch != nil {
		d.arch.Close()
	}
	if d.node != nil {
		errs = multierror.Append(errs, d.node.Shutdown())
	}
	if d.store != nil {
		errs = multierror.Append(errs, d.store.Close())
	}
	for _, c := range d.closers {
		errs = multierror.Append(errs, c.Close())
	}
	return errs.ErrorOrNil()
}

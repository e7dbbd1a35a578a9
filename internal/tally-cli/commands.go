package tallycli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/briandowns/spinner"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	dhttp "github.com/drand/tally/handler/http"
	"github.com/drand/tally/internal/archive"
	"github.com/drand/tally/internal/config"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/fs"
	"github.com/drand/tally/internal/oracle"
	"github.com/drand/tally/internal/tally"
	"github.com/drand/tally/internal/window"
)

const refreshRate = 500 * time.Millisecond

func keygenCmd(c *cli.Context) error {
	p := keyPath(c)
	if exists, _ := fs.Exists(p); exists {
		return fmt.Errorf("key file %s already exists", p)
	}
	kp := fhe.GenerateKey()
	if err := config.SaveKey(p, kp, false); err != nil {
		return fmt.Errorf("saving key: %w", err)
	}
	pub := publicKeyPath(p)
	if err := config.SaveKey(pub, kp, true); err != nil {
		return fmt.Errorf("saving public key: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Generated oracle key pair in %s, public key in %s\n", p, pub)
	fmt.Fprintf(c.App.Writer, "Oracle identity: %s\n", oracle.IdentityOf(kp.Public))
	return nil
}

func encryptor(c *cli.Context) (*fhe.Encryptor, error) {
	kp, err := config.LoadKey(keyPath(c))
	if err != nil {
		return nil, err
	}
	return fhe.NewEncryptor(kp.Public), nil
}

func encryptCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("encrypt expects exactly one value")
	}
	v, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	enc, err := encryptor(c)
	if err != nil {
		return err
	}
	ct, err := enc.Encrypt(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, ct.String())
	return nil
}

func windowCmd(c *cli.Context) error {
	sched := window.NewScheduler(c.Duration(tzOffsetFlag.Name))
	now := time.Now()
	w := sched.At(now)
	fmt.Fprintf(c.App.Writer, "%s window, %s left\n", w, sched.Until(now).Truncate(time.Second))
	return nil
}

func printJSON(c *cli.Context, v interface{}) error {
	buff, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(buff))
	return nil
}

func report(ctx context.Context, c *cli.Context, client *dhttp.Client) (*tally.Report, error) {
	if c.IsSet(periodFlag.Name) {
		return client.Report(ctx, uint32(c.Uint(periodFlag.Name)))
	}
	return client.Current(ctx)
}

func statusCmd(c *cli.Context) error {
	client := dhttp.NewClient(c.String(urlFlag.Name), "")
	info, err := client.Info(c.Context)
	if err != nil {
		return fmt.Errorf("fetching info: %w", err)
	}
	if local := common.GetAppVersion(); !local.IsCompatible(info.Version) {
		fmt.Fprintf(c.App.ErrWriter, "warning: daemon runs version %s, this client is %s\n", info.Version, local)
	}
	if err := printJSON(c, info); err != nil {
		return err
	}
	rep, err := report(c.Context, c, client)
	if errors.Is(err, common.ErrPeriodNotFound) && !c.IsSet(periodFlag.Name) {
		fmt.Fprintln(c.App.Writer, "no period opened yet")
		return nil
	} else if err != nil {
		return err
	}
	return printJSON(c, rep)
}

func waitCmd(c *cli.Context) error {
	client := dhttp.NewClient(c.String(urlFlag.Name), "")
	rep, err := report(c.Context, c, client)
	if err != nil {
		return err
	}
	id := rep.ID

	s := spinner.New(spinner.CharSets[9], refreshRate, spinner.WithWriter(c.App.ErrWriter))
	state := atomic.NewString(rep.State)
	s.PreUpdate = func(spin *spinner.Spinner) {
		spin.Suffix = fmt.Sprintf("  period %d is %s - waiting for the oracle...", id, state.Load())
	}
	s.Start()
	poll := time.NewTicker(c.Duration("poll"))
	defer poll.Stop()
	for rep.FinalizedAt == 0 {
		select {
		case <-poll.C:
		case <-c.Context.Done():
			s.Stop()
			return c.Context.Err()
		}
		next, err := client.Report(c.Context, id)
		if err != nil {
			s.Stop()
			return err
		}
		state.Store(next.State)
		rep = next
	}
	s.Stop()
	return printJSON(c, rep)
}

func submitCmd(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("submit expects two values")
	}
	var values [2]uint64
	for i := range values {
		v, err := strconv.ParseUint(c.Args().Get(i), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", c.Args().Get(i), err)
		}
		values[i] = v
	}
	enc, err := encryptor(c)
	if err != nil {
		return err
	}
	contrib := &dhttp.Contribution{Stake: c.Uint64(stakeFlag.Name)}
	if contrib.ValueA, err = enc.Encrypt(values[0]); err != nil {
		return err
	}
	if contrib.ValueB, err = enc.Encrypt(values[1]); err != nil {
		return err
	}
	client := dhttp.NewClient(c.String(urlFlag.Name), common.Identity(c.String(asFlag.Name)))
	if err := client.Submit(c.Context, contrib); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "contribution recorded")
	return nil
}

func claimCmd(c *cli.Context) error {
	client := dhttp.NewClient(c.String(urlFlag.Name), common.Identity(c.String(asFlag.Name)))
	rep, err := report(c.Context, c, client)
	if err != nil {
		return err
	}
	if err := client.ClaimRefund(c.Context, rep.ID); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "stake of period %d refunded\n", rep.ID)
	return nil
}

func archiveCmd(c *cli.Context, l log.Logger) error {
	client := dhttp.NewClient(c.String(urlFlag.Name), "")
	to := uint32(c.Uint("to"))
	if to == 0 {
		cur, err := client.Current(c.Context)
		if err != nil {
			return err
		}
		to = cur.ID
	}
	sess, err := archive.NewSession(c.String("region"))
	if err != nil {
		return err
	}
	a := archive.NewS3(l, sess, c.String("bucket"), client)
	defer a.Close()
	n, err := a.Sync(c.Context, uint32(c.Uint("from")), to)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "uploaded %d reports\n", n)
	return nil
}

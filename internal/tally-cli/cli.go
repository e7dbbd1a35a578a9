// Package tallycli is the command line interface of the tally daemon, its
// oracle gateway and its clients.
package tallycli

import (
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/config"
)

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.buildDate=$(date -u +%d/%m/%Y@%H:%M:%S) -X main.gitCommit=$(git rev-parse HEAD)"
var (
	gitCommit = "none"
	buildDate = "unknown"
)

var setVersionPrinter sync.Once

func banner(w io.Writer) {
	version := common.GetAppVersion()
	_, _ = fmt.Fprintf(w, "tally %s (date %v, commit %v)\n", version.String(), buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:    "folder",
	Value:   config.DefaultFolder(),
	Usage:   "Folder keeping the configuration, keys and database, with absolute path.",
	EnvVars: []string{"TALLY_FOLDER"},
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "Path of the daemon configuration file. Defaults to tally.toml in the folder.",
	EnvVars: []string{"TALLY_CONFIG"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"TALLY_VERBOSE"},
}

var jsonFlag = &cli.BoolFlag{
	Name:    "json",
	Usage:   "Set the output as json format",
	EnvVars: []string{"TALLY_JSON"},
}

var listenFlag = &cli.StringFlag{
	Name:    "listen",
	Usage:   "Set the listening (binding) address of the HTTP API.",
	EnvVars: []string{"TALLY_LISTEN"},
}

var metricsFlag = &cli.StringFlag{
	Name:    "metrics",
	Usage:   "Launch a metrics server at the specified (host:)port.",
	EnvVars: []string{"TALLY_METRICS"},
}

var urlFlag = &cli.StringFlag{
	Name:    "url",
	Usage:   "Address of the tally HTTP API.",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"TALLY_URL"},
}

var asFlag = &cli.StringFlag{
	Name:    "as",
	Usage:   "Identity to call the service as.",
	EnvVars: []string{"TALLY_AS"},
}

var keyFlag = &cli.StringFlag{
	Name:    "key",
	Usage:   "Path of the oracle key file.",
	EnvVars: []string{"TALLY_KEY"},
}

var tokenFlag = &cli.StringFlag{
	Name:     "token",
	Usage:    "Shared secret the daemon presents on decryption requests.",
	EnvVars:  []string{"TALLY_ORACLE_TOKEN"},
	Required: true,
}

var periodFlag = &cli.UintFlag{
	Name:  "period",
	Usage: "Period id. Defaults to the current period.",
}

var stakeFlag = &cli.Uint64Flag{
	Name:  "stake",
	Usage: "Collateral posted with the contribution.",
}

var tzOffsetFlag = &cli.DurationFlag{
	Name:  "tz-offset",
	Usage: "Timezone offset applied before classifying the hour.",
}

var appCommands = []*cli.Command{
	{
		Name:  "daemon",
		Usage: "Run the tally daemon.",
		Flags: toArray(configFlag, listenFlag, metricsFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner(c.App.Writer)
			return daemonCmd(c)
		},
	},
	{
		Name:      "gateway",
		Usage:     "Run a decryption gateway posting its answers to a tally daemon.",
		ArgsUsage: "<callback url>",
		Flags: toArray(keyFlag, listenFlag, tokenFlag, verboseFlag, jsonFlag,
			&cli.DurationFlag{Name: "delay", Usage: "Delay every answer."}),
		Action: func(c *cli.Context) error {
			return gatewayCmd(c, logger(c).Named("gatewayCmd"))
		},
	},
	{
		Name:  "keygen",
		Usage: "Generate the oracle key pair.",
		Flags: toArray(keyFlag),
		Action: func(c *cli.Context) error {
			return keygenCmd(c)
		},
	},
	{
		Name:      "encrypt",
		Usage:     "Encrypt a value under the oracle public key.",
		ArgsUsage: "<value>",
		Flags:     toArray(keyFlag),
		Action: func(c *cli.Context) error {
			return encryptCmd(c)
		},
	},
	{
		Name:  "window",
		Usage: "Show the current time window.",
		Flags: toArray(tzOffsetFlag),
		Action: func(c *cli.Context) error {
			return windowCmd(c)
		},
	},
	{
		Name:  "status",
		Usage: "Show the state of a running daemon.",
		Flags: toArray(urlFlag, periodFlag),
		Action: func(c *cli.Context) error {
			return statusCmd(c)
		},
	},
	{
		Name:  "wait",
		Usage: "Wait for a period to be closed or failed.",
		Flags: toArray(urlFlag, periodFlag,
			&cli.DurationFlag{Name: "poll", Value: 5 * time.Second, Usage: "Polling interval."}),
		Action: func(c *cli.Context) error {
			return waitCmd(c)
		},
	},
	{
		Name:      "submit",
		Usage:     "Encrypt and submit a contribution to the current period.",
		ArgsUsage: "<value a> <value b>",
		Flags:     toArray(urlFlag, asFlag, keyFlag, stakeFlag),
		Action: func(c *cli.Context) error {
			return submitCmd(c)
		},
	},
	{
		Name:  "claim",
		Usage: "Claim the stake posted to a closed or failed period.",
		Flags: toArray(urlFlag, asFlag, periodFlag),
		Action: func(c *cli.Context) error {
			return claimCmd(c)
		},
	},
	{
		Name:  "archive",
		Usage: "Upload the reports of final periods to S3.",
		Flags: toArray(urlFlag,
			&cli.StringFlag{Name: "bucket", Usage: "Name of the AWS bucket to upload to", Required: true},
			&cli.StringFlag{Name: "region", Usage: "Name of the AWS region to use"},
			&cli.UintFlag{Name: "from", Value: 1, Usage: "First period to upload."},
			&cli.UintFlag{Name: "to", Usage: "Last period to upload. Defaults to the current period."}),
		Action: func(c *cli.Context) error {
			return archiveCmd(c, logger(c).Named("archiveCmd"))
		},
	},
}

// CLI runs the tally app
func CLI() *cli.App {
	version := common.GetAppVersion()

	app := cli.NewApp()
	app.Name = "tally"

	setVersionPrinter.Do(func() {
		cli.VersionPrinter = func(c *cli.Context) {
			banner(c.App.Writer)
		}
	})

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version.String()
	app.Usage = "confidential periodic aggregation service"
	// we need to copy the underlying commands to avoid races, cli sadly doesn't support concurrent executions well
	appComm := make([]*cli.Command, len(appCommands))
	for i, p := range appCommands {
		v := *p
		appComm[i] = &v
	}
	app.Commands = appComm
	foldFlag := *folderFlag
	app.Flags = toArray(&foldFlag)
	return app
}

func logLevel(c *cli.Context) int {
	if c.Bool(verboseFlag.Name) {
		return log.DebugLevel
	}
	return log.InfoLevel
}

func logger(c *cli.Context) log.Logger {
	return log.New(nil, logLevel(c), c.Bool(jsonFlag.Name))
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func configPath(c *cli.Context) string {
	if p := c.String(configFlag.Name); p != "" {
		return p
	}
	return path.Join(c.String(folderFlag.Name), config.DefaultFileName)
}

func keyPath(c *cli.Context) string {
	if p := c.String(keyFlag.Name); p != "" {
		return p
	}
	return path.Join(c.String(folderFlag.Name), "oracle.toml")
}

func publicKeyPath(secretPath string) string {
	ext := path.Ext(secretPath)
	return secretPath[:len(secretPath)-len(ext)] + ".public" + ext
}

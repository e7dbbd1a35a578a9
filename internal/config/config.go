// Package config loads the daemon configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/fs"
	"github.com/drand/tally/internal/tally"
)

// DefaultConfigFolderName is the folder created under the home directory.
const DefaultConfigFolderName = ".tally"

// DefaultFileName is the name of the configuration file.
const DefaultFileName = "tally.toml"

// DefaultFolder returns the default configuration folder.
func DefaultFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// Duration is a time.Duration written as "1h30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Service holds the aggregation parameters.
type Service struct {
	Authority       common.Identity   `toml:"authority"`
	Pausers         []common.Identity `toml:"pausers"`
	TimezoneOffset  Duration          `toml:"timezone_offset"`
	MaxA            uint64            `toml:"max_a"`
	MaxB            uint64            `toml:"max_b"`
	MinParticipants int               `toml:"min_participants"`
	MinStake        uint64            `toml:"min_stake"`
	RequestTimeout  Duration          `toml:"request_timeout"`
	MaxPeriods      uint32            `toml:"max_periods"`
	RefundWorkers   int               `toml:"refund_workers"`
	RefundQueue     int               `toml:"refund_queue"`
	// Drive opens periods and requests aggregations as the windows change.
	Drive bool `toml:"drive"`
}

// Oracle configures the encryption key and the decryption service. KeyFile
// holds the key pair of the evaluator. With an empty URL the daemon also
// runs the decryption gateway in process, with the same key. Token is the
// shared secret the remote gateway expects on decryption requests.
type Oracle struct {
	URL          string   `toml:"url"`
	Token        string   `toml:"token"`
	KeyFile      string   `toml:"key_file"`
	Delay        Duration `toml:"delay"`
	MaxPlaintext uint64   `toml:"max_plaintext"`
}

// HTTP configures the public API.
type HTTP struct {
	Listen    string `toml:"listen"`
	AccessLog string `toml:"access_log"`
}

// Gossip configures the libp2p event sink. It is disabled without a topic.
type Gossip struct {
	Topic        string   `toml:"topic"`
	Listen       string   `toml:"listen"`
	PeerWith     []string `toml:"peer_with"`
	IdentityFile string   `toml:"identity_file"`
}

// Archive configures the S3 report archive. It is disabled without a bucket.
type Archive struct {
	Bucket string `toml:"bucket"`
	Region string `toml:"region"`
}

// Entropy lists the sources of the obfuscation entropy, tried in order
// before falling back to the system randomness.
type Entropy struct {
	BeaconURL string `toml:"beacon_url"`
	ChainHash string `toml:"chain_hash"`
	Script    string `toml:"script"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Config is the daemon configuration.
type Config struct {
	Folder  string            `toml:"folder"`
	Metrics string            `toml:"metrics"`
	Service Service           `toml:"service"`
	Oracle  Oracle            `toml:"oracle"`
	HTTP    HTTP              `toml:"http"`
	Gossip  Gossip            `toml:"gossip"`
	Archive Archive           `toml:"archive"`
	Entropy Entropy           `toml:"entropy"`
	Log     Log               `toml:"log"`
	Escrow  map[string]uint64 `toml:"escrow"`
}

// Default returns the configuration used for every missing value.
func Default() *Config {
	return &Config{
		Folder: DefaultFolder(),
		Service: Service{
			MaxA:            tally.DefaultMaxA,
			MaxB:            tally.DefaultMaxB,
			MinParticipants: tally.DefaultMinParticipants,
			MinStake:        tally.DefaultMinStake,
			RequestTimeout:  Duration{tally.DefaultRequestTimeout},
			MaxPeriods:      tally.DefaultMaxPeriods,
			RefundWorkers:   tally.DefaultRefundWorkers,
			RefundQueue:     tally.DefaultRefundQueue,
		},
		Oracle: Oracle{MaxPlaintext: fhe.DefaultMaxPlaintext},
		HTTP:   HTTP{Listen: "127.0.0.1:8080"},
		Log:    Log{Level: "info"},
	}
}

// Load reads the file at p over the defaults. Unknown keys are an error.
func Load(p string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(p, c)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", p, strings.Join(keys, ", "))
	}
	return c, c.Validate()
}

// Save writes c to p, readable by the owner only.
func (c *Config) Save(p string) error {
	fd, err := fs.CreateSecureFile(p)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(c)
}

// Validate checks the values no default can fix.
func (c *Config) Validate() error {
	switch {
	case c.Service.Authority.IsZero():
		return fmt.Errorf("service.authority: %w", common.ErrZeroAddress)
	case c.Service.MinParticipants < 1:
		return errors.New("service.min_participants must be positive")
	case c.Service.MaxPeriods == 0:
		return errors.New("service.max_periods must be positive")
	case c.Service.MaxA == 0 || c.Service.MaxB == 0:
		return errors.New("service bounds must be positive")
	case c.Oracle.KeyFile == "":
		return errors.New("oracle.key_file is required")
	case c.Oracle.URL != "" && c.Oracle.Token == "":
		return errors.New("oracle.token is required with a url")
	case c.Oracle.MaxPlaintext < c.Service.MaxA || c.Oracle.MaxPlaintext < c.Service.MaxB:
		return errors.New("oracle.max_plaintext is below the contribution bounds")
	case c.Archive.Bucket != "" && c.Archive.Region == "":
		return errors.New("archive.region is required with a bucket")
	}
	for _, p := range c.Service.Pausers {
		if p.IsZero() {
			return fmt.Errorf("service.pausers: %w", common.ErrZeroAddress)
		}
	}
	return nil
}

// StoreFolder is where the daemon keeps its database.
func (c *Config) StoreFolder() string {
	return path.Join(c.Folder, "db")
}

// Options returns the service options the file sets.
func (c *Config) Options() []tally.ConfigOption {
	s := c.Service
	return []tally.ConfigOption{
		tally.WithAuthority(s.Authority, s.Pausers...),
		tally.WithTimezoneOffset(s.TimezoneOffset.Duration),
		tally.WithBounds(s.MaxA, s.MaxB),
		tally.WithMinParticipants(s.MinParticipants),
		tally.WithMinStake(s.MinStake),
		tally.WithRequestTimeout(s.RequestTimeout.Duration),
		tally.WithMaxPeriods(s.MaxPeriods),
		tally.WithRefundWorkers(s.RefundWorkers, s.RefundQueue),
	}
}

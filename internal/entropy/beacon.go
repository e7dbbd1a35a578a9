package entropy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/metrics"
)

// ErrInvalidBeacon is returned when the randomness does not hash from the
// signature.
var ErrInvalidBeacon = errors.New("entropy: randomness does not match signature")

const beaconCacheSize = 32

const defaultBeaconTimeout = 5 * time.Second

// RandomData is the json form of a beacon round served by a drand relay.
type RandomData struct {
	Round             uint64 `json:"round,omitempty"`
	Randomness        []byte `json:"randomness,omitempty"`
	Signature         []byte `json:"signature,omitempty"`
	PreviousSignature []byte `json:"previous_signature,omitempty"`
}

// Beacon fetches public randomness from a drand HTTP relay. Rounds are
// cached once fetched.
type Beacon struct {
	root   string
	client *http.Client
	cache  *lru.ARCCache
	l      log.Logger
}

// NewBeacon returns a Source reading from the relay at url. chainHash may be
// empty to use the relay's default chain.
func NewBeacon(l log.Logger, url, chainHash string) (*Beacon, error) {
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	if chainHash != "" {
		url += chainHash + "/"
	}
	cache, err := lru.NewARC(beaconCacheSize)
	if err != nil {
		return nil, err
	}
	return &Beacon{
		root:   url,
		client: metrics.InstrumentClient(&http.Client{Timeout: defaultBeaconTimeout}),
		cache:  cache,
		l:      l,
	}, nil
}

// Get returns the round, or the latest one when round is 0.
func (b *Beacon) Get(ctx context.Context, round uint64) (*RandomData, error) {
	if round != 0 {
		if v, ok := b.cache.Get(round); ok {
			return v.(*RandomData), nil
		}
	}
	url := b.root + "public/latest"
	if round != 0 {
		url = fmt.Sprintf("%spublic/%d", b.root, round)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("beacon relay answered %s", resp.Status)
	}

	rd := new(RandomData)
	if err := json.NewDecoder(resp.Body).Decode(rd); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(rd.Signature) == 0 {
		return nil, fmt.Errorf("insufficient response - signature is not present")
	}
	h := sha256.Sum256(rd.Signature)
	if !bytes.Equal(h[:], rd.Randomness) {
		return nil, ErrInvalidBeacon
	}
	b.cache.Add(rd.Round, rd)
	b.l.Debugw("fetched beacon", "round", rd.Round)
	return rd, nil
}

// Entropy implements Source with the latest round's randomness.
func (b *Beacon) Entropy(ctx context.Context) ([]byte, error) {
	rd, err := b.Get(ctx, 0)
	if err != nil {
		return nil, err
	}
	return rd.Randomness, nil
}

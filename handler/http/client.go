package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/tally"
)

const defaultClientTimeout = 10 * time.Second

// Client calls the API of a remote service. Rejections come back wrapping
// the matching sentinel error.
type Client struct {
	root   string
	client *http.Client
	as     common.Identity
}

// NewClient returns a client for the API at url, calling as the given
// identity.
func NewClient(url string, as common.Identity) *Client {
	return &Client{
		root:   strings.TrimSuffix(url, "/"),
		client: metrics.InstrumentClient(&http.Client{Timeout: defaultClientTimeout}),
		as:     as,
	}
}

// Info fetches the service version and parameters.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	info := new(Info)
	return info, c.do(ctx, http.MethodGet, "/info", nil, info)
}

// Current fetches the report of the latest period.
func (c *Client) Current(ctx context.Context) (*tally.Report, error) {
	rep := new(tally.Report)
	return rep, c.do(ctx, http.MethodGet, "/periods/current", nil, rep)
}

// Report fetches the report of period id.
func (c *Client) Report(ctx context.Context, id uint32) (*tally.Report, error) {
	rep := new(tally.Report)
	return rep, c.do(ctx, http.MethodGet, fmt.Sprintf("/periods/%d", id), nil, rep)
}

// Contribution fetches the contribution of participant to period id.
func (c *Client) Contribution(ctx context.Context, id uint32, participant common.Identity) (*tally.ContributionView, error) {
	v := new(tally.ContributionView)
	return v, c.do(ctx, http.MethodGet, fmt.Sprintf("/periods/%d/contributions/%s", id, participant), nil, v)
}

// Events fetches at most limit events starting at sequence number from.
func (c *Client) Events(ctx context.Context, from uint64, limit int) ([]*state.Event, error) {
	var evs []*state.Event
	return evs, c.do(ctx, http.MethodGet, fmt.Sprintf("/events?from=%d&limit=%d", from, limit), nil, &evs)
}

// Open opens a new period.
func (c *Client) Open(ctx context.Context) (uint32, error) {
	var r OpenReply
	return r.ID, c.do(ctx, http.MethodPost, "/periods", nil, &r)
}

// Submit records a contribution to the current period.
func (c *Client) Submit(ctx context.Context, contrib *Contribution) error {
	return c.do(ctx, http.MethodPost, "/periods/current/contributions", contrib, nil)
}

// Aggregate requests the decryption of the current period.
func (c *Client) Aggregate(ctx context.Context) (state.RequestID, error) {
	var r AggregateReply
	return r.RequestID, c.do(ctx, http.MethodPost, "/periods/current/aggregate", nil, &r)
}

// Timeout fails period id once its deadline passed.
func (c *Client) Timeout(ctx context.Context, id uint32) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/periods/%d/timeout", id), nil, nil)
}

// ClaimRefund claims the stake posted to period id.
func (c *Client) ClaimRefund(ctx context.Context, id uint32) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/periods/%d/refund", id), nil, nil)
}

// Pause halts the service.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/pause", nil, nil)
}

// Unpause resumes the service.
func (c *Client) Unpause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/unpause", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader = http.NoBody
	if in != nil {
		buff, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buff)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.root+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !c.as.IsZero() {
		req.Header.Set(IdentityHeader, c.as.String())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	rd := io.LimitReader(resp.Body, maxBodySize)
	if resp.StatusCode >= http.StatusBadRequest {
		var rej ErrorReply
		if err := json.NewDecoder(rd).Decode(&rej); err != nil {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		if sentinel := common.FromLabel(rej.Code); sentinel != nil {
			return fmt.Errorf("%s: %w", rej.Message, sentinel)
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, rej.Message)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(rd).Decode(out)
}

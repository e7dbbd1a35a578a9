package oracle

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/state"
)

const defaultHTTPTimeout = 10 * time.Second

// maxBodySize bounds request and response bodies.
const maxBodySize = 1 << 20

type decryptionRequest struct {
	Ciphertexts []fhe.Ciphertext `json:"ciphertexts"`
}

type decryptionReply struct {
	ID state.RequestID `json:"id"`
}

// Info describes a gateway.
type Info struct {
	PublicKey string `json:"public_key"`
	Identity  string `json:"identity"`
}

// Client is an Oracle reaching a remote gateway over HTTP.
type Client struct {
	root   string
	token  string
	client *http.Client
}

// NewClient returns a client for the gateway at url, authenticating its
// decryption requests with token.
func NewClient(url, token string) *Client {
	return &Client{
		root:   strings.TrimSuffix(url, "/"),
		token:  token,
		client: metrics.InstrumentClient(&http.Client{Timeout: defaultHTTPTimeout}),
	}
}

// RequestDecryption implements Oracle.
func (c *Client) RequestDecryption(ctx context.Context, cts []fhe.Ciphertext) (state.RequestID, error) {
	body, err := json.Marshal(&decryptionRequest{Ciphertexts: cts})
	if err != nil {
		return "", err
	}
	var reply decryptionReply
	if err := c.do(ctx, http.MethodPost, "/requests", body, &reply); err != nil {
		return "", err
	}
	if reply.ID == "" {
		return "", fmt.Errorf("oracle: empty request id")
	}
	return reply.ID, nil
}

// Info fetches the gateway public key.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	info := new(Info)
	return info, c.do(ctx, http.MethodGet, "/info", nil, info)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.root+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out)
}

// PostTo returns a Callback posting every response to url.
func PostTo(l log.Logger, url string) Callback {
	client := metrics.InstrumentClient(&http.Client{Timeout: defaultHTTPTimeout})
	return func(ctx context.Context, r *Response) error {
		body, err := r.Marshal()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("callback answered %s", resp.Status)
		}
		l.Debugw("response posted", "id", r.RequestID, "url", url)
		return nil
	}
}

// ReadResponse decodes a posted response.
func ReadResponse(r io.Reader) (*Response, error) {
	buff, err := io.ReadAll(io.LimitReader(r, maxBodySize))
	if err != nil {
		return nil, err
	}
	resp := new(Response)
	if err := resp.Unmarshal(buff); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}
	return resp, nil
}

// Handler exposes g over HTTP. Decryption requests must carry token as a
// bearer credential; an empty token refuses them all. /info is public.
func Handler(g *Gateway, token string) http.Handler {
	mux := chi.NewMux()
	mux.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, token) {
			g.l.Warnw("unauthenticated decryption request", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req decryptionRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		if len(req.Ciphertexts) == 0 {
			http.Error(w, "no ciphertext", http.StatusBadRequest)
			return
		}
		id, err := g.RequestDecryption(r.Context(), req.Ciphertexts)
		if err != nil {
			g.l.Warnw("request failed", "err", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(g.l, w, &decryptionReply{ID: id})
	})
	mux.Get("/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(g.l, w, &Info{
			PublicKey: fhe.PointToString(g.key.Public),
			Identity:  g.Identity().String(),
		})
	})
	return mux
}

func authorized(r *http.Request, token string) bool {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if token == "" || !strings.HasPrefix(h, prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h[len(prefix):]), []byte(token)) == 1
}

func writeJSON(l log.Logger, w http.ResponseWriter, v interface{}) {
	buff, err := json.Marshal(v)
	if err != nil {
		l.Errorw("encoding reply", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buff)
}

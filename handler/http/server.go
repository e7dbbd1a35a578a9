// Package http exposes a tally service over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/drand/kyber"
	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	lru "github.com/hashicorp/golang-lru"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/metrics"
	"github.com/drand/tally/internal/oracle"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/tally"
)

// IdentityHeader carries the caller identity of mutating requests. It is
// expected to be set by an authenticating proxy.
const IdentityHeader = "X-Tally-Identity"

const (
	reportCacheSize = 256
	maxBodySize     = 1 << 20
	defaultLimit    = 100
)

// Info is served on /info.
type Info struct {
	Version common.Version `json:"version"`
	Params  tally.Params   `json:"params"`
}

// ErrorReply is the body of every failed call. Code is the label of the
// matching sentinel error, "internal" otherwise.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Contribution is the body of a submission.
type Contribution struct {
	ValueA fhe.Ciphertext `json:"value_a"`
	ValueB fhe.Ciphertext `json:"value_b"`
	Stake  uint64         `json:"stake"`
}

// RoleChange is the body of the pauser and authority calls.
type RoleChange struct {
	Identity common.Identity `json:"identity"`
}

// OpenReply answers a period opening.
type OpenReply struct {
	ID uint32 `json:"id"`
}

// AggregateReply answers an aggregation request.
type AggregateReply struct {
	RequestID state.RequestID `json:"request_id"`
}

// Option configures the handler.
type Option func(*handler)

// WithOracleKey serves the oracle callback endpoint, accepting responses
// signed by pub.
func WithOracleKey(pub kyber.Point) Option {
	return func(h *handler) {
		h.oracleKey = pub
	}
}

// WithLogger sets the handler logger.
func WithLogger(l log.Logger) Option {
	return func(h *handler) {
		h.l = l
	}
}

type handler struct {
	ctx       context.Context
	svc       *tally.Service
	l         log.Logger
	oracleKey kyber.Point
	// reports of final periods never change
	reports *lru.ARCCache
}

// New returns the HTTP API of svc.
func New(ctx context.Context, svc *tally.Service, opts ...Option) (http.Handler, error) {
	cache, err := lru.NewARC(reportCacheSize)
	if err != nil {
		return nil, err
	}
	h := &handler{
		ctx:     ctx,
		svc:     svc,
		l:       log.DefaultLogger(),
		reports: cache,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = h.l.Named("http")

	mux := chi.NewMux()
	mux.Get("/info", h.info)
	mux.Get("/events", h.events)
	mux.Route("/periods", func(r chi.Router) {
		r.Post("/", h.open)
		r.Get("/current", h.current)
		r.Post("/current/contributions", h.submit)
		r.Post("/current/aggregate", h.aggregate)
		r.Get("/{id}", h.report)
		r.Get("/{id}/contributions/{participant}", h.contribution)
		r.Post("/{id}/timeout", h.timeout)
		r.Post("/{id}/refund", h.refund)
	})
	mux.Route("/admin", func(r chi.Router) {
		r.Get("/roles", h.roles)
		r.Post("/pause", h.pause)
		r.Post("/unpause", h.unpause)
		r.Post("/pausers", h.addPauser)
		r.Delete("/pausers/{id}", h.removePauser)
		r.Post("/authority", h.transferAuthority)
	})
	if h.oracleKey != nil {
		mux.Post("/oracle/callback", h.callback)
	}

	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{h.l}))
	return metrics.InstrumentHandler(recovery(mux)), nil
}

type recoveryLogger struct {
	l log.Logger
}

func (r recoveryLogger) Println(v ...interface{}) {
	r.l.Errorw("panic serving request", "err", fmt.Sprint(v...))
}

const badRequestLabel = "bad request"

// Status maps a service error to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, common.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, common.ErrPeriodNotFound), errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrContractPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrInvalidAmount), errors.Is(err, common.ErrZeroAddress),
		errors.Is(err, fhe.ErrMalformed), errors.Is(err, fhe.ErrOutOfRange):
		return http.StatusBadRequest
	case common.ErrorLabel(err) != "internal":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := Status(err)
	if code == http.StatusInternalServerError {
		h.l.Errorw("request failed", "path", r.URL.Path, "err", err)
	} else {
		h.l.Debugw("request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	label := common.ErrorLabel(err)
	if code == http.StatusBadRequest && label == "internal" {
		label = badRequestLabel
	}
	h.write(w, code, &ErrorReply{Code: label, Message: err.Error()})
}

func (h *handler) badRequest(w http.ResponseWriter, msg string) {
	h.write(w, http.StatusBadRequest, &ErrorReply{Code: badRequestLabel, Message: msg})
}

func (h *handler) write(w http.ResponseWriter, code int, v interface{}) {
	buff, err := json.Marshal(v)
	if err != nil {
		h.l.Errorw("encoding reply", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buff)
}

func (h *handler) ok(w http.ResponseWriter, v interface{}) {
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.write(w, http.StatusOK, v)
}

func caller(r *http.Request) common.Identity {
	return common.Identity(r.Header.Get(IdentityHeader))
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}

func periodID(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	return uint32(id), err
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	h.ok(w, &Info{Version: common.GetAppVersion(), Params: h.svc.Params()})
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	var from uint64
	limit := defaultLimit
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.badRequest(w, "invalid from")
			return
		}
		from = v
	}
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > defaultLimit {
			h.badRequest(w, "invalid limit")
			return
		}
		limit = v
	}
	evs, err := h.svc.Events(r.Context(), from, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, evs)
}

func (h *handler) current(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Current(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.serveReport(w, r, p.ID)
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	id, err := periodID(r)
	if err != nil {
		h.badRequest(w, "invalid period id")
		return
	}
	h.serveReport(w, r, id)
}

func (h *handler) serveReport(w http.ResponseWriter, r *http.Request, id uint32) {
	if v, ok := h.reports.Get(id); ok {
		h.ok(w, v)
		return
	}
	rep, err := h.svc.Report(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rep.FinalizedAt != 0 {
		h.reports.Add(id, rep)
	}
	h.ok(w, rep)
}

func (h *handler) contribution(w http.ResponseWriter, r *http.Request) {
	id, err := periodID(r)
	if err != nil {
		h.badRequest(w, "invalid period id")
		return
	}
	c, err := h.svc.Contribution(r.Context(), id, common.Identity(chi.URLParam(r, "participant")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, c)
}

func (h *handler) open(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.OpenPeriod(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, &OpenReply{ID: id})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var c Contribution
	if err := decode(r, &c); err != nil {
		h.badRequest(w, "malformed contribution")
		return
	}
	if len(c.ValueA) == 0 || len(c.ValueB) == 0 {
		h.badRequest(w, "missing ciphertext")
		return
	}
	if err := h.svc.Submit(r.Context(), caller(r), c.ValueA, c.ValueB, c.Stake); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, nil)
}

func (h *handler) aggregate(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.RequestAggregation(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, &AggregateReply{RequestID: id})
}

func (h *handler) timeout(w http.ResponseWriter, r *http.Request) {
	id, err := periodID(r)
	if err != nil {
		h.badRequest(w, "invalid period id")
		return
	}
	if err := h.svc.HandleTimeout(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, nil)
}

func (h *handler) refund(w http.ResponseWriter, r *http.Request) {
	id, err := periodID(r)
	if err != nil {
		h.badRequest(w, "invalid period id")
		return
	}
	if err := h.svc.ClaimRefund(r.Context(), caller(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, nil)
}

func (h *handler) roles(w http.ResponseWriter, r *http.Request) {
	reg, err := h.svc.Roles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, reg)
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	h.done(w, r, h.svc.Pause(r.Context(), caller(r)))
}

func (h *handler) unpause(w http.ResponseWriter, r *http.Request) {
	h.done(w, r, h.svc.Unpause(r.Context(), caller(r)))
}

func (h *handler) addPauser(w http.ResponseWriter, r *http.Request) {
	var rc RoleChange
	if err := decode(r, &rc); err != nil {
		h.badRequest(w, "malformed role change")
		return
	}
	h.done(w, r, h.svc.AddPauser(r.Context(), caller(r), rc.Identity))
}

func (h *handler) removePauser(w http.ResponseWriter, r *http.Request) {
	h.done(w, r, h.svc.RemovePauser(r.Context(), caller(r), common.Identity(chi.URLParam(r, "id"))))
}

func (h *handler) transferAuthority(w http.ResponseWriter, r *http.Request) {
	var rc RoleChange
	if err := decode(r, &rc); err != nil {
		h.badRequest(w, "malformed role change")
		return
	}
	h.done(w, r, h.svc.TransferAuthority(r.Context(), caller(r), rc.Identity))
}

func (h *handler) done(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, nil)
}

func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	resp, err := oracle.ReadResponse(r.Body)
	if err != nil {
		h.badRequest(w, err.Error())
		return
	}
	deliver := oracle.VerifyAndDeliver(h.svc, h.oracleKey)
	if err := deliver(r.Context(), resp); err != nil {
		if errors.Is(err, oracle.ErrBadSignature) || errors.Is(err, oracle.ErrMalformedResponse) {
			h.write(w, http.StatusUnauthorized, &ErrorReply{Code: "bad response", Message: err.Error()})
			return
		}
		h.fail(w, r, err)
		return
	}
	h.ok(w, nil)
}

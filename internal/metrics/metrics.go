package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (http requests)
	HTTPMetrics = prometheus.NewRegistry()
	// ClientMetrics about the outgoing requests to the oracle and the beacon
	ClientMetrics = prometheus.NewRegistry()

	// PeriodsOpened counts the periods opened since start.
	PeriodsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "periods_opened",
		Help: "Number of periods opened",
	})

	// PeriodsResolved counts the periods reaching a final state, by state.
	PeriodsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "periods_resolved",
		Help: "Number of periods that reached a final state",
	}, []string{"state"})

	// CurrentPeriod is the id of the last period opened.
	CurrentPeriod = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "current_period",
		Help: "Id of the last opened period",
	})

	// Contributions counts the accepted contributions.
	Contributions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contributions",
		Help: "Number of contributions recorded",
	})

	// RejectedCalls counts failed operations by operation and error.
	RejectedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rejected_calls",
		Help: "Number of operations that returned an error",
	}, []string{"op", "err"})

	// RefundsPaid counts the stake refunds successfully paid.
	RefundsPaid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refunds_paid",
		Help: "Number of refunds paid out",
	})

	// RefundedStake sums the stake returned to participants.
	RefundedStake = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refunded_stake",
		Help: "Total stake refunded",
	})

	// RefundQueue is the number of refund jobs waiting for a worker.
	RefundQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "refund_queue",
		Help: "Number of queued refund jobs",
	})

	// OracleLatency (Client) time between a decryption request and its callback
	OracleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "oracle_round_trip_seconds",
		Help:    "Duration between a decryption request and its callback",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	// LateCallbacks counts callbacks received after the deadline.
	LateCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "late_callbacks",
		Help: "Number of oracle callbacks discarded for arriving after the deadline",
	})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	// ClientRequests (Client) outgoing http requests by code and method
	ClientRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "client_api_requests_total",
		Help: "A counter for requests from the wrapped client.",
	}, []string{"code", "method"})
	// ClientLatencyVec (Client) latency of outgoing requests
	ClientLatencyVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "client_request_duration_seconds",
		Help:    "A histogram of request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	// ClientInFlight (Client) outgoing requests in flight
	ClientInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "client_in_flight_requests",
		Help: "A gauge of in-flight requests for the wrapped client.",
	})

	buildTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tally_build_time",
		Help: "Timestamp when the binary was built in seconds since the Epoch",
		ConstLabels: map[string]string{
			"build":   common.COMMIT,
			"version": common.GetAppVersion().String(),
		},
	})

	metricsBound sync.Once
)

func bindMetrics(l log.Logger) {
	// The private go-level metrics live in private.
	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "goCollector", "err", err)
		return
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "processCollector", "err", err)
		return
	}

	service := []prometheus.Collector{
		PeriodsOpened,
		PeriodsResolved,
		CurrentPeriod,
		Contributions,
		RejectedCalls,
		RefundsPaid,
		RefundedStake,
		RefundQueue,
		OracleLatency,
		LateCallbacks,
		buildTime,
	}
	for _, c := range service {
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}
	buildTime.Set(float64(getBuildTimestamp(common.BUILDDATE)))

	httpMetrics := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, c := range httpMetrics {
		if err := HTTPMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}

	if err := RegisterClientMetrics(ClientMetrics); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
		return
	}
	if err := RegisterClientMetrics(PrivateMetrics); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
		return
	}
}

// RegisterClientMetrics registers the outgoing client metrics with the given registry
func RegisterClientMetrics(r prometheus.Registerer) error {
	client := []prometheus.Collector{
		ClientInFlight,
		ClientLatencyVec,
		ClientRequests,
	}
	for _, c := range client {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// InstrumentClient wraps the transport of c with the client metrics.
func InstrumentClient(c *http.Client) *http.Client {
	transport := c.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	transport = promhttp.InstrumentRoundTripperInFlight(ClientInFlight,
		promhttp.InstrumentRoundTripperCounter(ClientRequests,
			promhttp.InstrumentRoundTripperDuration(ClientLatencyVec, transport)))
	return &http.Client{
		Transport:     transport,
		CheckRedirect: c.CheckRedirect,
		Jar:           c.Jar,
		Timeout:       c.Timeout,
	}
}

// InstrumentHandler wraps h with the HTTP metrics.
func InstrumentHandler(h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(HTTPInFlight,
		promhttp.InstrumentHandlerCounter(HTTPCallCounter,
			promhttp.InstrumentHandlerDuration(HTTPLatency, h)))
}

// Rejected records a failed operation. err should be one of the sentinel
// errors so the label cardinality stays bounded.
func Rejected(op string, err error) {
	RejectedCalls.WithLabelValues(op, common.ErrorLabel(err)).Inc()
}

// Start starts a prometheus metrics server with debug endpoints. If metricsBind is 0 it will use an available port.
func Start(logger log.Logger, metricsBind string, pprof http.Handler) net.Listener {
	logger.Infow("metrics starting", "desired_port", metricsBind)

	metricsBound.Do(func() {
		bindMetrics(logger)
	})

	// handle metricsBind being just a port value
	if !strings.Contains(metricsBind, ":") {
		metricsBind = "127.0.0.1:" + metricsBind
	}
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	logger.Infow("metric listener started", "addr", l.Addr())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))

	if pprof != nil {
		mux.Handle("/debug/pprof/", pprof)
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: mux}
	go func() {
		logger.Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

func getBuildTimestamp(buildDate string) int64 {
	if buildDate == "" {
		return 0
	}

	layout := "02/01/2006@15:04:05"
	t, err := time.Parse(layout, buildDate)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// Package hookserver serves the MTA hook endpoint: the MTA posts one request
// per SMTP stage, and gets back the wire form of the gate's decision.
//
// The decision returned to the MTA is the one produced by the evaluation that
// wrote the audit record. The bridge only translates it, it does not rederive
// accept/reject itself, so the logged action and the protocol response cannot
// diverge.
package hookserver

import (
	"encoding/json"
	"io"
	golog "log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/mlog"
	"github.com/enaut/kommunikationszentrum/policy"
	"github.com/enaut/kommunikationszentrum/smtp"
)

var xlog = mlog.New("hookserver")

var metricHook = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kz_hookserver_requests_total",
		Help: "MTA hook requests, per stage and result.",
	},
	[]string{"stage", "result"},
)

// Larger bodies than this are not legitimate hook calls; the MTA sends
// headers, not full message bodies.
const maxHookSize = 1024 * 1024

// Response is the wire form of a decision, sent back to the MTA.
type Response struct {
	Action        string         `json:"action"`
	Response      *SMTPResponse  `json:"response,omitempty"`
	Modifications []Modification `json:"modifications,omitempty"`
}

// SMTPResponse carries the reply code and message for rejections.
type SMTPResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Modification is an added header in the wire shape.
type Modification struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// WireResponse translates a decision to its wire form. Rejections without a
// stage-specific code get the generic transaction-failed code.
func WireResponse(d policy.Decision) Response {
	resp := Response{Action: string(d.Action)}
	if d.Action == policy.ActionReject {
		code := d.Code
		if code == 0 {
			code = smtp.C554TransactionFailed
		}
		resp.Response = &SMTPResponse{Status: code, Message: d.Message}
	}
	for _, m := range d.Modifications {
		resp.Modifications = append(resp.Modifications, Modification{Header: m.Header, Value: m.Value})
	}
	return resp
}

// Handler returns the hook endpoint handler, for serving and for tests.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mta-hook", hookHandle)
	return mux
}

func hookHandle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	ctx := kz.CidContext(r.Context())
	log := xlog.WithContext(ctx)

	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHookSize))
	if err != nil {
		log.Errorx("reading hook request", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ev, err := policy.ParseEvent(buf)
	if err != nil {
		// Malformed events are dropped: logged, no decision, no audit write.
		log.Errorx("parsing hook request", err)
		metricHook.WithLabelValues("", "parseerror").Inc()
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	start := time.Now()
	d, err := policy.Dispatch(ctx, ev)
	if err != nil {
		log.Errorx("evaluating stage", err, mlog.Field("stage", string(ev.Context.Stage)))
		metricHook.WithLabelValues(string(ev.Context.Stage), "error").Inc()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metricHook.WithLabelValues(string(ev.Context.Stage), string(d.Action)).Inc()
	log.Debug("stage evaluated", mlog.Field("stage", string(ev.Context.Stage)), mlog.Field("action", string(d.Action)), mlog.Field("duration", time.Since(start)))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(WireResponse(d)); err != nil {
		log.Errorx("writing hook response", err)
	}
}

// Listen starts the hook listener on the configured address.
func Listen() {
	addr := kz.Conf.HookListener
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(xlog, mlog.LevelInfo, "hook server error"), "", 0),
	}
	xlog.Print("hook listener", mlog.Field("addr", addr))
	go func() {
		err := server.ListenAndServe()
		xlog.Fatalx("hook listener", err)
	}()
}

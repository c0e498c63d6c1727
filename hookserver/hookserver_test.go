package hookserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/enaut/kommunikationszentrum/gatedb"
	"github.com/enaut/kommunikationszentrum/identity"
	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/policy"
	"github.com/enaut/kommunikationszentrum/smtp"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

func testEnv(t *testing.T) {
	t.Helper()
	kz.ConfigPath = filepath.FromSlash("testdata/kz.conf")
	kz.Conf.DataDir = "data"
	kz.OperatorID = identity.FromClaims("http://127.0.0.1:8000/o", "operator")
	os.MkdirAll(filepath.FromSlash("testdata/data"), 0770)
	os.Remove(kz.DataDirPath("gate.db"))
	gatedb.GateDB = nil
	err := gatedb.Init(ctxbg)
	tcheck(t, err, "init database")
	t.Cleanup(gatedb.Close)
}

func hookRequest(t *testing.T, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest("POST", "/mta-hook", strings.NewReader(body))
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	var resp Response
	if w.Code == http.StatusOK {
		err := json.Unmarshal(w.Body.Bytes(), &resp)
		tcheck(t, err, "parsing hook response")
	}
	return w, resp
}

func TestHook(t *testing.T) {
	testEnv(t)

	w, resp := hookRequest(t, `{"context": {"stage": "connect", "client": {"ip": "10.0.0.5"}}}`)
	tcompare(t, w.Code, http.StatusOK)
	tcompare(t, resp, Response{Action: "accept"})

	err := gatedb.BlockIP(ctxbg, "10.0.0.5", "abuse")
	tcheck(t, err, "blocking ip")
	w, resp = hookRequest(t, `{"context": {"stage": "connect", "client": {"ip": "10.0.0.5"}}}`)
	tcompare(t, w.Code, http.StatusOK)
	tcompare(t, resp.Action, "reject")
	// Connect-stage rejects have no stage code, the generic code applies.
	tcompare(t, resp.Response, &SMTPResponse{Status: smtp.C554TransactionFailed, Message: "IP blocked"})

	// The wire action equals the audited action.
	l, err := gatedb.ConnectionEntries(ctxbg)
	tcheck(t, err, "listing connection entries")
	tcompare(t, len(l), 2)
	tcompare(t, l[1].Action, resp.Action)
}

func TestHookData(t *testing.T) {
	testEnv(t)

	cat, err := gatedb.AddCategory(ctxbg, "News", "news@example.org", "")
	tcheck(t, err, "adding category")
	_, err = gatedb.AddSubscription(ctxbg, 42, "member@x.org", cat.ID)
	tcheck(t, err, "adding subscription")

	w, resp := hookRequest(t, `{"context": {"stage": "data", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "member@x.org"}, "to": [{"address": "news@example.org"}]}, "message": {"size": 100, "headers": [["Subject", "hi"]]}}`)
	tcompare(t, w.Code, http.StatusOK)
	tcompare(t, resp.Action, "accept")
	if len(resp.Modifications) != 2 || resp.Modifications[0].Header != "X-Processed-By" || resp.Modifications[0].Value != policy.ProcessedByHeader {
		t.Fatalf("unexpected modifications %#v", resp.Modifications)
	}

	w, resp = hookRequest(t, `{"context": {"stage": "data", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "stranger@x.org"}, "to": [{"address": "news@example.org"}]}, "message": {"size": 100}}`)
	tcompare(t, w.Code, http.StatusOK)
	tcompare(t, resp, Response{Action: "quarantine"})
}

func TestHookBadRequest(t *testing.T) {
	testEnv(t)

	// Malformed events are dropped without an audit write.
	for _, body := range []string{
		`not json`,
		`{"context": {"stage": "shutdown"}}`,
		`{"context": {"client": {"ip": "10.0.0.5"}}}`,
	} {
		w, _ := hookRequest(t, body)
		tcompare(t, w.Code, http.StatusBadRequest)
	}
	l, err := gatedb.ConnectionEntries(ctxbg)
	tcheck(t, err, "listing connection entries")
	tcompare(t, len(l), 0)

	req := httptest.NewRequest("GET", "/mta-hook", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	tcompare(t, w.Code, http.StatusMethodNotAllowed)
}

func TestWireResponse(t *testing.T) {
	tcompare(t, WireResponse(policy.Accept), Response{Action: "accept"})
	tcompare(t, WireResponse(policy.Reject(550, "nope")), Response{Action: "reject", Response: &SMTPResponse{Status: 550, Message: "nope"}})
	tcompare(t, WireResponse(policy.Quarantine), Response{Action: "quarantine"})
}

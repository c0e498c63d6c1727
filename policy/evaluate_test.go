package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/enaut/kommunikationszentrum/gatedb"
	"github.com/enaut/kommunikationszentrum/identity"
	"github.com/enaut/kommunikationszentrum/kz-"
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

func testEvent(t *testing.T, data string) Event {
	t.Helper()
	ev, err := ParseEvent([]byte(data))
	tcheck(t, err, "parsing event")
	return ev
}

func lastConnectionEntry(t *testing.T) gatedb.ConnectionLogEntry {
	t.Helper()
	l, err := gatedb.ConnectionEntries(ctxbg)
	tcheck(t, err, "listing connection entries")
	if len(l) == 0 {
		t.Fatalf("no connection entries")
	}
	return l[len(l)-1]
}

func TestConnect(t *testing.T) {
	testEnv(t)

	ev := testEvent(t, `{"context": {"stage": "connect", "client": {"ip": "10.0.0.5"}}}`)
	d, err := Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching connect")
	tcompare(t, d, Accept)
	e := lastConnectionEntry(t)
	tcompare(t, e.Action, string(ActionAccept))
	tcompare(t, e.Details, "Connection accepted")
	tcompare(t, e.ClientIP, "10.0.0.5")

	err = gatedb.BlockIP(ctxbg, "10.0.0.5", "abuse")
	tcheck(t, err, "blocking ip")
	d, err = Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching blocked connect")
	tcompare(t, d.Action, ActionReject)
	tcompare(t, d.Message, "IP blocked")
	e = lastConnectionEntry(t)
	tcompare(t, e.Action, string(ActionReject))
	tcompare(t, e.Details, "IP blocked")

	// The wire action and the audited action come from the same evaluation.
	l, err := gatedb.ConnectionEntries(ctxbg)
	tcheck(t, err, "listing connection entries")
	tcompare(t, len(l), 2)
}

func TestEhlo(t *testing.T) {
	testEnv(t)

	ev := testEvent(t, `{"context": {"stage": "ehlo", "client": {"ip": "10.0.0.5", "helo": "mail.example.org"}}}`)
	d, err := Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching ehlo")
	tcompare(t, d, Accept)
	tcompare(t, lastConnectionEntry(t).Details, "Valid EHLO/HELO")

	ev = testEvent(t, `{"context": {"stage": "ehlo", "client": {"ip": "10.0.0.5"}}}`)
	d, err = Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching empty ehlo")
	tcompare(t, d.Action, ActionReject)
	tcompare(t, d.Code, 501)
	tcompare(t, lastConnectionEntry(t).Details, "Invalid EHLO/HELO")
}

func TestMail(t *testing.T) {
	testEnv(t)

	ev := testEvent(t, `{"context": {"stage": "mail", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "member@x.org"}}}`)
	d, err := Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching mail")
	tcompare(t, d, Accept)
	tcompare(t, lastConnectionEntry(t).Details, "Sender validation: passed")

	for _, data := range []string{
		`{"context": {"stage": "mail", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "no-at-sign"}}}`,
		`{"context": {"stage": "mail", "client": {"ip": "10.0.0.5"}}}`,
	} {
		ev = testEvent(t, data)
		d, err = Dispatch(ctxbg, ev)
		tcheck(t, err, "dispatching invalid mail")
		tcompare(t, d.Action, ActionReject)
		tcompare(t, d.Code, 550)
		tcompare(t, d.Message, "Invalid sender address")
		tcompare(t, lastConnectionEntry(t).Details, "Sender validation: failed")
	}
}

func TestRcpt(t *testing.T) {
	testEnv(t)

	_, err := gatedb.AddCategory(ctxbg, "News", "news@example.org", "")
	tcheck(t, err, "adding category")

	ev := testEvent(t, `{"context": {"stage": "rcpt", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "member@x.org"}, "to": [{"address": "news@example.org"}]}}`)
	d, err := Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching rcpt")
	tcompare(t, d, Accept)
	tcompare(t, lastConnectionEntry(t).Details, "Category validation: found")

	// One recipient without an active category rejects the command, with one
	// audit row per recipient.
	ev = testEvent(t, `{"context": {"stage": "rcpt", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "member@x.org"}, "to": [{"address": "news@example.org"}, {"address": "nope@example.org"}]}}`)
	d, err = Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching rcpt with unknown recipient")
	tcompare(t, d.Action, ActionReject)
	tcompare(t, d.Code, 550)
	tcompare(t, d.Message, "Invalid recipient address")
	tcompare(t, lastConnectionEntry(t).Details, "Category validation: not found")
	l, err := gatedb.ConnectionEntries(ctxbg)
	tcheck(t, err, "listing connection entries")
	tcompare(t, len(l), 3)

	// No recipients, nothing to validate and nothing audited.
	ev = testEvent(t, `{"context": {"stage": "rcpt", "client": {"ip": "10.0.0.5"}}}`)
	d, err = Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching rcpt without recipients")
	tcompare(t, d, Accept)
	l, err = gatedb.ConnectionEntries(ctxbg)
	tcheck(t, err, "listing connection entries")
	tcompare(t, len(l), 3)
}

func TestData(t *testing.T) {
	testEnv(t)

	cat, err := gatedb.AddCategory(ctxbg, "News", "news@example.org", "")
	tcheck(t, err, "adding category")
	_, err = gatedb.AddSubscription(ctxbg, 42, "member@x.org", cat.ID)
	tcheck(t, err, "adding subscription")

	ev := testEvent(t, `{"context": {"stage": "data", "client": {"ip": "10.0.0.5"}, "queue": {"id": "q123"}}, "envelope": {"from": {"address": "member@x.org"}, "to": [{"address": "news@example.org"}]}, "message": {"size": 2048, "headers": [["Subject", "hello"]]}}`)
	d, err := Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching data")
	tcompare(t, d.Action, ActionAccept)
	if len(d.Modifications) != 2 || d.Modifications[0].Header != "X-Processed-By" || d.Modifications[0].Value != ProcessedByHeader || d.Modifications[1].Header != "X-Processing-Time" {
		t.Fatalf("unexpected modifications %#v", d.Modifications)
	}

	msgs, err := gatedb.MessageEntries(ctxbg)
	tcheck(t, err, "listing message entries")
	tcompare(t, len(msgs), 1)
	tcompare(t, msgs[0].Action, string(ActionAccept))
	tcompare(t, msgs[0].FromAddress, "member@x.org")
	tcompare(t, msgs[0].ToAddresses, []string{"news@example.org"})
	tcompare(t, msgs[0].Subject, "hello")
	tcompare(t, msgs[0].Size, uint64(2048))
	tcompare(t, msgs[0].QueueID, "q123")

	// A sender without an active subscription is quarantined, not rejected.
	ev = testEvent(t, `{"context": {"stage": "data", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "stranger@x.org"}, "to": [{"address": "news@example.org"}]}, "message": {"size": 10}}`)
	d, err = Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching unsubscribed data")
	tcompare(t, d, Quarantine)
	msgs, err = gatedb.MessageEntries(ctxbg)
	tcheck(t, err, "listing message entries")
	tcompare(t, len(msgs), 2)
	tcompare(t, msgs[1].Action, string(ActionQuarantine))
	tcompare(t, msgs[1].Subject, "No subject")

	// Missing message details still audit, with zero size.
	ev = testEvent(t, `{"context": {"stage": "data", "client": {"ip": "10.0.0.5"}}, "envelope": {"from": {"address": "stranger@x.org"}, "to": [{"address": "news@example.org"}]}}`)
	_, err = Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching data without message")
	msgs, err = gatedb.MessageEntries(ctxbg)
	tcheck(t, err, "listing message entries")
	tcompare(t, len(msgs), 3)
	tcompare(t, msgs[2].Size, uint64(0))
}

func TestAuth(t *testing.T) {
	testEnv(t)

	ev := testEvent(t, `{"context": {"stage": "auth", "client": {"ip": "10.0.0.5"}}}`)
	d, err := Dispatch(ctxbg, ev)
	tcheck(t, err, "dispatching auth")
	tcompare(t, d, Accept)
	tcompare(t, lastConnectionEntry(t).Details, "Authentication stage - accept")
}

func TestParseEvent(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("got err %v, expected ErrParse", err)
	}

	_, err = ParseEvent([]byte(`{"context": {"stage": "shutdown"}}`))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("got err %v, expected ErrParse for unknown stage", err)
	}

	_, err = ParseEvent([]byte(`{"context": {"client": {"ip": "10.0.0.5"}}}`))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("got err %v, expected ErrParse for missing stage", err)
	}

	ev, err := ParseEvent([]byte(`{"context": {"stage": "connect", "client": {"ip": "10.0.0.5"}}}`))
	tcheck(t, err, "parsing valid event")
	tcompare(t, ev.Context.Stage, StageConnect)
	tcompare(t, ev.QueueID(), "")
}

func TestMessageSubject(t *testing.T) {
	tcompare(t, messageSubject(nil), "No subject")
	tcompare(t, messageSubject(&Message{}), "No subject")
	tcompare(t, messageSubject(&Message{Headers: [][2]string{{"From", "x"}, {"SUBJECT", " hi "}}}), "hi")
	long := strings.Repeat("a", 101)
	tcompare(t, messageSubject(&Message{Headers: [][2]string{{"Subject", long}}}), RedactedSubject)
	exact := strings.Repeat("a", 100)
	tcompare(t, messageSubject(&Message{Headers: [][2]string{{"Subject", exact}}}), exact)
}

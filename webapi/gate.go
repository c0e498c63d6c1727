// Package webapi implements the JSON API for administering the gate:
// account synchronization from the identity provider, category/subscription
// and blocklist mutations, admin grants, and diagnostic reads.
//
// Calls are authenticated by caller identity. Token validation happens in the
// authenticating gateway in front of this listener; the gateway passes the
// verified identity in the X-Caller-Identity header. An absent header means
// the anonymous identity, which is never an admin.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	_ "embed"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/enaut/kommunikationszentrum/gatedb"
	"github.com/enaut/kommunikationszentrum/identity"
	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/kzvar"
	"github.com/enaut/kommunikationszentrum/mlog"
	"github.com/enaut/kommunikationszentrum/policy"
)

var xlog = mlog.New("webapi")

//go:embed gateapi.json
var gateapiJSON []byte

var gateDoc = mustParseAPI("gate", gateapiJSON)

var gateSherpaHandler http.Handler

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		xlog.Fatalx("parsing api docs", err, mlog.Field("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("kzgate", nil)
	if err != nil {
		xlog.Fatalx("creating sherpa prometheus collector", err)
	}

	gateSherpaHandler, err = sherpa.NewHandler("/api/", kzvar.Version, Gate{}, &gateDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		xlog.Fatalx("sherpa handler", err)
	}
}

// Gate exports the gate's administrative API functions. All its methods are
// exported under /api/.
type Gate struct{}

type ctxKey string

const callerKey ctxKey = "caller"

// CallerHeader is the header the authenticating gateway sets to the verified
// hex identity of the caller.
const CallerHeader = "X-Caller-Identity"

// caller returns the caller identity stored in the context, or the anonymous
// identity.
func caller(ctx context.Context) identity.Identity {
	if id, ok := ctx.Value(callerKey).(identity.Identity); ok {
		return id
	}
	return identity.Zero
}

// WithCaller returns a context with the caller identity, for tests and for
// the HTTP handler.
func WithCaller(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, callerKey, id)
}

// Handler returns the API handler: it resolves the caller identity header and
// a cid, then passes the request to the sherpa handler.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kz.CidContext(r.Context())
		if v := r.Header.Get(CallerHeader); v != "" {
			id, err := identity.ParseHex(v)
			if err != nil {
				xlog.WithContext(ctx).Errorx("bad caller identity header", err)
				http.Error(w, "bad caller identity", http.StatusBadRequest)
				return
			}
			ctx = WithCaller(ctx, id)
		}
		gateSherpaHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	xlog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	xlog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// xcheckadmin fails the call with an authorization error unless the caller is
// the operator identity or in the admin registry. No state has been changed
// when it fires: gated methods check authorization first.
func xcheckadmin(ctx context.Context) {
	ok, err := gatedb.IsAdmin(ctx, caller(ctx))
	xcheckf(ctx, err, "checking admin")
	if !ok {
		panic(&sherpa.Error{Code: "user:noAuth", Message: "Unauthorized: Admin access required"})
	}
}

// xcheckmutate enforces the configurable mutation policy: by default
// subscriptions and ip blocks are open to any caller, with AdminOnlyMutations
// they require admin too.
func xcheckmutate(ctx context.Context) {
	if kz.Conf.AdminOnlyMutations {
		xcheckadmin(ctx)
	}
}

// HandleHook evaluates one transaction event and returns the decision. Same
// evaluation path as the hook endpoint, for tooling and tests.
func (Gate) HandleHook(ctx context.Context, eventJSON string) policy.Decision {
	ev, err := policy.ParseEvent([]byte(eventJSON))
	xcheckuserf(ctx, err, "parsing event")
	d, err := policy.Dispatch(ctx, ev)
	xcheckf(ctx, err, "evaluating stage")
	return d
}

// UserSyncData is the sync payload for one account, as sent by the identity
// provider.
type UserSyncData struct {
	Mitgliedsnr uint64  `json:"mitgliedsnr"`
	Name        *string `json:"name"`
	Email       *string `json:"email"`
	IsActive    *bool   `json:"is_active"`
	UpdatedAt   *string `json:"updated_at"`
	// Optional precomputed identity as hex, overriding derivation from the
	// issuer and membership number.
	IdentityHex *string `json:"identity_hex"`
}

// SyncUser applies one account sync event. Best-effort towards the identity
// provider: malformed payloads and unknown actions are logged and dropped,
// they never fail the call.
func (Gate) SyncUser(ctx context.Context, action string, userJSON string) {
	log := xlog.WithContext(ctx)

	var data UserSyncData
	if err := json.Unmarshal([]byte(userJSON), &data); err != nil {
		log.Errorx("parsing user sync data, dropping", err)
		return
	}

	switch action {
	case "upsert":
		id := identity.FromClaims(kz.Conf.Issuer(), strconv.FormatUint(data.Mitgliedsnr, 10))
		if data.IdentityHex != nil {
			oid, err := identity.ParseHex(*data.IdentityHex)
			if err != nil {
				log.Errorx("parsing identity override, falling back to derived identity", err)
			} else {
				id = oid
			}
		}
		acc := gatedb.Account{
			ID:       data.Mitgliedsnr,
			Identity: id.String(),
			IsActive: true,
		}
		if data.Name != nil {
			acc.Name = *data.Name
		}
		if data.Email != nil {
			acc.Email = *data.Email
		}
		if data.IsActive != nil {
			acc.IsActive = *data.IsActive
		}
		err := gatedb.UpsertAccount(ctx, acc)
		xcheckf(ctx, err, "upserting account")

	case "delete":
		err := gatedb.DeleteAccount(ctx, data.Mitgliedsnr)
		xcheckf(ctx, err, "deleting account")

	default:
		log.Error("unknown sync action, dropping", mlog.Field("action", action))
	}
}

// AddMessageCategory creates a category. Requires an admin caller; without
// one the call fails and nothing is created.
func (Gate) AddMessageCategory(ctx context.Context, name, emailAddress, description string) gatedb.MessageCategory {
	xcheckadmin(ctx)
	if name == "" || emailAddress == "" {
		xcheckuserf(ctx, errors.New("name and email address required"), "checking category")
	}
	c, err := gatedb.AddCategory(ctx, name, emailAddress, description)
	xcheckf(ctx, err, "adding category")
	return c
}

// AddSubscription subscribes an email to a category. Open to any caller
// unless AdminOnlyMutations is configured.
func (Gate) AddSubscription(ctx context.Context, accountID uint64, subscriberEmail string, categoryID int64) gatedb.Subscription {
	xcheckmutate(ctx)
	s, err := gatedb.AddSubscription(ctx, accountID, subscriberEmail, categoryID)
	xcheckf(ctx, err, "adding subscription")
	return s
}

// BlockIP adds an active blocklist entry. Open to any caller unless
// AdminOnlyMutations is configured.
func (Gate) BlockIP(ctx context.Context, ip, reason string) {
	xcheckmutate(ctx)
	err := gatedb.BlockIP(ctx, ip, reason)
	xcheckf(ctx, err, "blocking ip")
}

// AddAdmin grants admin to an identity. Requires an admin caller.
func (Gate) AddAdmin(ctx context.Context, identityHex string) {
	xcheckadmin(ctx)
	id, err := identity.ParseHex(identityHex)
	xcheckuserf(ctx, err, "parsing identity")
	err = gatedb.AddAdmin(ctx, id)
	xcheckf(ctx, err, "granting admin")
}

// Accounts returns the account rows visible to the caller: only rows with
// the caller's own identity, regardless of the caller's admin status.
func (Gate) Accounts(ctx context.Context) []gatedb.Account {
	l, err := gatedb.AccountsForIdentity(ctx, caller(ctx))
	xcheckf(ctx, err, "listing accounts")
	return l
}

// Categories returns all message categories.
func (Gate) Categories(ctx context.Context) []gatedb.MessageCategory {
	l, err := gatedb.Categories(ctx)
	xcheckf(ctx, err, "listing categories")
	return l
}

// Subscriptions returns all subscriptions.
func (Gate) Subscriptions(ctx context.Context) []gatedb.Subscription {
	l, err := gatedb.Subscriptions(ctx)
	xcheckf(ctx, err, "listing subscriptions")
	return l
}

// BlockedIPs returns all blocklist entries, active and inactive.
func (Gate) BlockedIPs(ctx context.Context) []gatedb.BlockedIP {
	l, err := gatedb.BlockedIPs(ctx)
	xcheckf(ctx, err, "listing blocked ips")
	return l
}

// ConnectionLogs returns the connection audit records, oldest first.
func (Gate) ConnectionLogs(ctx context.Context) []gatedb.ConnectionLogEntry {
	l, err := gatedb.ConnectionEntries(ctx)
	xcheckf(ctx, err, "listing connection logs")
	return l
}

// MessageLogs returns the message audit records, oldest first.
func (Gate) MessageLogs(ctx context.Context) []gatedb.MessageLogEntry {
	l, err := gatedb.MessageEntries(ctx)
	xcheckf(ctx, err, "listing message logs")
	return l
}

// DumpLogs writes both audit sequences to the operational log. Diagnostic,
// not a query API.
func (Gate) DumpLogs(ctx context.Context) {
	err := gatedb.DumpLogs(ctx)
	xcheckf(ctx, err, "dumping logs")
}

// AddTestAccounts inserts two accounts with the caller's identity, for
// verifying writes and visibility in a fresh deployment. Requires admin.
func (Gate) AddTestAccounts(ctx context.Context) {
	xcheckadmin(ctx)
	id := caller(ctx).String()
	for i, acc := range []gatedb.Account{
		{ID: 1, Identity: id, Name: "Test User 1", Email: "test1@example.com", IsActive: true},
		{ID: 2, Identity: id, Name: "Test User 2", Email: "test2@example.com", IsActive: true},
	} {
		err := gatedb.UpsertAccount(ctx, acc)
		xcheckf(ctx, err, "inserting test account %d", i+1)
	}
}

// Version returns the running version.
func (Gate) Version(ctx context.Context) string {
	return kzvar.Version
}

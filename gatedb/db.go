// Package gatedb implements the durable state of the mail gate: the IP
// blocklist, message categories with their subscriptions, the append-only
// audit log of stage decisions and message dispositions, the account
// directory synchronized from the identity provider, and the admin registry.
//
// All tables live in a single database file, gate.db in the data directory.
// Each exported operation is one bstore transaction: reads-then-writes either
// commit together or not at all.
package gatedb

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/mlog"
)

var xlog = mlog.New("gatedb")

var (
	// GateDB is the open database. Set by Init, reset by Close. Exported for tests.
	GateDB *bstore.DB
	mutex  sync.Mutex

	metricAudit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kz_gatedb_audit_entries_total",
			Help: "Number of audit log entries written, per kind and action.",
		},
		[]string{"kind", "action"},
	)
	metricSync = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kz_gatedb_account_sync_total",
			Help: "Number of account sync operations applied, per action.",
		},
		[]string{"action"},
	)
)

// BlockedIP is an entry of the connection blocklist. Only active entries
// cause connections to be rejected. Entries are deactivated, not removed, so
// the reason stays available.
type BlockedIP struct {
	IP        string
	Reason    string
	BlockedAt time.Time
	Active    bool
}

// MessageCategory is a named routing destination. Mail to EmailAddress is
// routed to the category's subscribers. Only active categories participate in
// recipient validation and routing.
type MessageCategory struct {
	ID           int64
	Name         string `bstore:"nonzero"`
	EmailAddress string `bstore:"nonzero,index"`
	Description  string
	Active       bool
}

// Subscription authorizes a sender email to deliver to a category. Only
// active subscriptions authorize delivery.
type Subscription struct {
	ID                  int64
	SubscriberAccountID uint64
	SubscriberEmail     string `bstore:"nonzero,index SubscriberEmail+CategoryID"`
	CategoryID          int64  `bstore:"nonzero,ref MessageCategory"`
	SubscribedAt        time.Time
	Active              bool
}

// ConnectionLogEntry is one audit record for a connect/ehlo/mail/rcpt/auth
// stage evaluation. Entries are append-only and never updated or removed.
//
// Retention/redaction policy: entries store the real client IP; this is the
// operational record needed to diagnose gate decisions. Message content is
// never part of connection entries.
type ConnectionLogEntry struct {
	ID        int64
	ClientIP  string
	Stage     string
	Action    string
	Timestamp time.Time
	Details   string
}

// MessageLogEntry is one audit record for a data stage evaluation. Exactly
// one entry is written per data call, whether the message was accepted or
// quarantined. Append-only.
//
// Retention/redaction policy: envelope addresses are stored in full; the
// subject is stored up to 100 bytes and replaced with a fixed sentinel beyond
// that, see policy.RedactedSubject.
type MessageLogEntry struct {
	ID          int64
	FromAddress string
	ToAddresses []string
	Subject     string
	Size        uint64
	Stage       string
	Action      string
	Timestamp   time.Time
	QueueID     string // Empty if the MTA did not assign a queue id yet.
}

// Account is a directory row synchronized from the identity provider. The
// primary key is the external membership number. Rows are owned by the sync
// path; nothing else mutates them.
type Account struct {
	ID         uint64 `bstore:"noauto"`
	Identity   string `bstore:"nonzero,index"` // Hex, see package identity.
	Name       string
	Email      string
	IsActive   bool
	IsAdmin    bool // Not consulted for row visibility, see AccountsForIdentity.
	LastSynced time.Time
}

// AdminIdentity is a privileged identity (hex), granted explicitly or seeded
// with the operator identity at first startup.
type AdminIdentity struct {
	Identity string
}

// DatabaseTypes lists the types stored in gate.db.
var DatabaseTypes = []any{BlockedIP{}, MessageCategory{}, Subscription{}, ConnectionLogEntry{}, MessageLogEntry{}, Account{}, AdminIdentity{}}

func database(ctx context.Context) (rdb *bstore.DB, rerr error) {
	mutex.Lock()
	defer mutex.Unlock()
	if GateDB == nil {
		p := kz.DataDirPath("gate.db")
		db, err := bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DatabaseTypes...)
		if err != nil {
			return nil, err
		}
		GateDB = db
	}
	return GateDB, nil
}

// Init opens and possibly initializes the database, and seeds the operator
// identity into the admin registry if it is not present yet.
func Init(ctx context.Context) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}

	op := AdminIdentity{Identity: kz.OperatorID.String()}
	err = db.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Get(&op); err == bstore.ErrAbsent {
			if err := tx.Insert(&op); err != nil {
				return err
			}
			xlog.Info("seeded operator identity as admin", mlog.Field("identity", op.Identity))
		} else if err != nil {
			return err
		}
		return nil
	})
	return err
}

// Close closes the database connection.
func Close() {
	mutex.Lock()
	defer mutex.Unlock()
	if GateDB != nil {
		err := GateDB.Close()
		xlog.Check(err, "closing database")
		GateDB = nil
	}
}

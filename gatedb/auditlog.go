package gatedb

import (
	"context"

	"github.com/mjl-/bstore"

	"github.com/enaut/kommunikationszentrum/mlog"
)

// Audit entries are append-only: they are only ever inserted, never updated
// or deleted. Insertion is not idempotent; a caller retrying a stage call
// will produce a duplicate row. There is no dedup key, by contract.

// AddConnectionEntry appends one connection audit record.
func AddConnectionEntry(ctx context.Context, e *ConnectionLogEntry) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	if err := db.Insert(ctx, e); err != nil {
		return err
	}
	metricAudit.WithLabelValues("connection", e.Action).Inc()
	return nil
}

// AddMessageEntry appends one message audit record.
func AddMessageEntry(ctx context.Context, e *MessageLogEntry) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	if err := db.Insert(ctx, e); err != nil {
		return err
	}
	metricAudit.WithLabelValues("message", e.Action).Inc()
	return nil
}

// ConnectionEntries returns all connection audit records, oldest first.
func ConnectionEntries(ctx context.Context) ([]ConnectionLogEntry, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[ConnectionLogEntry](ctx, db).SortAsc("ID").List()
}

// MessageEntries returns all message audit records, oldest first.
func MessageEntries(ctx context.Context) ([]MessageLogEntry, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[MessageLogEntry](ctx, db).SortAsc("ID").List()
}

// DumpLogs writes both audit sequences to the operational log. Diagnostic
// helper, not a query API.
func DumpLogs(ctx context.Context) error {
	log := xlog.WithContext(ctx)

	conns, err := ConnectionEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range conns {
		log.Print("connection log entry", mlog.Field("id", e.ID), mlog.Field("stage", e.Stage), mlog.Field("action", e.Action), mlog.Field("details", e.Details))
	}

	msgs, err := MessageEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range msgs {
		log.Print("message log entry", mlog.Field("id", e.ID), mlog.Field("stage", e.Stage), mlog.Field("action", e.Action), mlog.Field("size", e.Size))
	}
	return nil
}

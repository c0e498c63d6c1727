package gatedb

import (
	"context"
	"time"

	"github.com/mjl-/bstore"

	"github.com/enaut/kommunikationszentrum/identity"
	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/mlog"
)

// UpsertAccount replaces the account row with acc's membership id with acc,
// setting LastSynced to the current time. Delete-then-insert in a single
// write transaction, so repeating the same upsert leaves exactly one row with
// the latest values.
func UpsertAccount(ctx context.Context, acc Account) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	acc.LastSynced = time.Now()
	err = db.Write(ctx, func(tx *bstore.Tx) error {
		old := Account{ID: acc.ID}
		if err := tx.Get(&old); err == nil {
			if err := tx.Delete(&old); err != nil {
				return err
			}
		} else if err != bstore.ErrAbsent {
			return err
		}
		return tx.Insert(&acc)
	})
	if err != nil {
		return err
	}
	metricSync.WithLabelValues("upsert").Inc()
	xlog.WithContext(ctx).Info("synced account", mlog.Field("id", acc.ID))
	return nil
}

// DeleteAccount removes the account row for the membership id. Removing a
// non-existent id is a no-op.
func DeleteAccount(ctx context.Context, id uint64) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	err = db.Write(ctx, func(tx *bstore.Tx) error {
		acc := Account{ID: id}
		if err := tx.Get(&acc); err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return err
		}
		return tx.Delete(&acc)
	})
	if err != nil {
		return err
	}
	metricSync.WithLabelValues("delete").Inc()
	return nil
}

// AccountByID returns the account row for the membership id.
func AccountByID(ctx context.Context, id uint64) (Account, error) {
	db, err := database(ctx)
	if err != nil {
		return Account{}, err
	}
	acc := Account{ID: id}
	err = db.Get(ctx, &acc)
	return acc, err
}

// AccountsForIdentity returns the account rows visible to caller: only rows
// whose identity equals the caller's own. This is the row-visibility
// restriction; it applies to every caller, the IsAdmin flag is deliberately
// not consulted (currently unused for visibility).
func AccountsForIdentity(ctx context.Context, caller identity.Identity) ([]Account, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[Account](ctx, db).FilterNonzero(Account{Identity: caller.String()}).SortAsc("ID").List()
}

// IsAdmin returns whether id is privileged: the operator identity, or
// explicitly present in the admin registry.
func IsAdmin(ctx context.Context, id identity.Identity) (bool, error) {
	if id.IsZero() {
		return false, nil
	}
	if id == kz.OperatorID {
		return true, nil
	}
	db, err := database(ctx)
	if err != nil {
		return false, err
	}
	e := AdminIdentity{Identity: id.String()}
	err = db.Get(ctx, &e)
	if err == bstore.ErrAbsent {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// AddAdmin grants admin to id. Granting an existing admin is a no-op. Admin
// identities are never removed automatically.
func AddAdmin(ctx context.Context, id identity.Identity) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	return db.Write(ctx, func(tx *bstore.Tx) error {
		e := AdminIdentity{Identity: id.String()}
		if err := tx.Get(&e); err == bstore.ErrAbsent {
			return tx.Insert(&e)
		} else if err != nil {
			return err
		}
		return nil
	})
}

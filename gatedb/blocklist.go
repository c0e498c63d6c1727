package gatedb

import (
	"context"
	"time"

	"github.com/mjl-/bstore"

	"github.com/enaut/kommunikationszentrum/mlog"
)

// BlockIP adds ip to the blocklist, or reactivates an existing entry with the
// new reason. BlockedAt is set to the current time.
func BlockIP(ctx context.Context, ip, reason string) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	log := xlog.WithContext(ctx)

	err = db.Write(ctx, func(tx *bstore.Tx) error {
		e := BlockedIP{IP: ip}
		err := tx.Get(&e)
		if err == bstore.ErrAbsent {
			return tx.Insert(&BlockedIP{IP: ip, Reason: reason, BlockedAt: time.Now(), Active: true})
		} else if err != nil {
			return err
		}
		e.Reason = reason
		e.BlockedAt = time.Now()
		e.Active = true
		return tx.Update(&e)
	})
	if err == nil {
		log.Info("blocked ip", mlog.Field("ip", ip))
	}
	return err
}

// DeactivateIP marks the blocklist entry for ip inactive. The entry is kept,
// only active entries affect decisions. Unknown ips are a no-op.
func DeactivateIP(ctx context.Context, ip string) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	return db.Write(ctx, func(tx *bstore.Tx) error {
		e := BlockedIP{IP: ip}
		err := tx.Get(&e)
		if err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return err
		}
		e.Active = false
		return tx.Update(&e)
	})
}

// IPBlocked returns whether ip has an active blocklist entry.
func IPBlocked(ctx context.Context, ip string) (bool, error) {
	db, err := database(ctx)
	if err != nil {
		return false, err
	}
	e := BlockedIP{IP: ip}
	err = db.Get(ctx, &e)
	if err == bstore.ErrAbsent {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return e.Active, nil
}

// BlockedIPs returns all blocklist entries, active and inactive.
func BlockedIPs(ctx context.Context) ([]BlockedIP, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[BlockedIP](ctx, db).List()
}

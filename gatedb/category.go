package gatedb

import (
	"context"
	"time"

	"github.com/mjl-/bstore"

	"github.com/enaut/kommunikationszentrum/mlog"
)

// AddCategory creates an active message category routing email sent to
// emailAddress. The caller is responsible for authorization, see webapi.
func AddCategory(ctx context.Context, name, emailAddress, description string) (MessageCategory, error) {
	db, err := database(ctx)
	if err != nil {
		return MessageCategory{}, err
	}
	c := MessageCategory{Name: name, EmailAddress: emailAddress, Description: description, Active: true}
	if err := db.Insert(ctx, &c); err != nil {
		return MessageCategory{}, err
	}
	xlog.WithContext(ctx).Info("added message category", mlog.Field("category", name), mlog.Field("address", emailAddress))
	return c, nil
}

// ActiveCategoryByAddress returns the active category whose routing address
// is emailAddress, and whether one exists.
func ActiveCategoryByAddress(ctx context.Context, emailAddress string) (MessageCategory, bool, error) {
	db, err := database(ctx)
	if err != nil {
		return MessageCategory{}, false, err
	}
	c, err := bstore.QueryDB[MessageCategory](ctx, db).FilterNonzero(MessageCategory{EmailAddress: emailAddress}).FilterEqual("Active", true).Get()
	if err == bstore.ErrAbsent {
		return MessageCategory{}, false, nil
	} else if err != nil {
		return MessageCategory{}, false, err
	}
	return c, true, nil
}

// Categories returns all categories, sorted by id.
func Categories(ctx context.Context) ([]MessageCategory, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[MessageCategory](ctx, db).SortAsc("ID").List()
}

// AddSubscription creates an active subscription of subscriberEmail to the
// category. The category must exist (enforced with a reference), but need not
// be active: inactive categories simply don't authorize delivery.
func AddSubscription(ctx context.Context, accountID uint64, subscriberEmail string, categoryID int64) (Subscription, error) {
	db, err := database(ctx)
	if err != nil {
		return Subscription{}, err
	}
	s := Subscription{SubscriberAccountID: accountID, SubscriberEmail: subscriberEmail, CategoryID: categoryID, SubscribedAt: time.Now(), Active: true}
	if err := db.Insert(ctx, &s); err != nil {
		return Subscription{}, err
	}
	xlog.WithContext(ctx).Info("added subscription", mlog.Field("categoryid", categoryID))
	return s, nil
}

// HasActiveSubscription returns whether senderEmail has an active
// subscription to the category.
func HasActiveSubscription(ctx context.Context, senderEmail string, categoryID int64) (bool, error) {
	db, err := database(ctx)
	if err != nil {
		return false, err
	}
	q := bstore.QueryDB[Subscription](ctx, db)
	q.FilterNonzero(Subscription{SubscriberEmail: senderEmail, CategoryID: categoryID})
	q.FilterEqual("Active", true)
	return q.Exists()
}

// Subscriptions returns all subscriptions, sorted by id.
func Subscriptions(ctx context.Context) ([]Subscription, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[Subscription](ctx, db).SortAsc("ID").List()
}

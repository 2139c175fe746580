package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
)

// stripeEventWindow bounds the events.list replay; older history is already
// represented by the subscription snapshots.
const stripeEventWindow = 30 * 24 * time.Hour

// stripeEventTypes is the subset of event types worth replaying.
var stripeEventTypes = []string{
	"customer.subscription.created",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	"customer.subscription.paused",
	"customer.subscription.resumed",
	"invoice.paid",
	"invoice.payment_failed",
	"charge.refunded",
	"charge.dispute.created",
}

type stripeImporter struct{}

func (s *stripeImporter) run(ctx context.Context, run *runState, creds *credentials) error {
	api := &stripeclient.API{}
	api.Init(creds.APIKey, nil)

	run.setStatus(ctx, StatusCounting, "listing subscriptions")

	if err := s.importSubscriptions(ctx, run, api); err != nil {
		return err
	}
	return s.importEvents(ctx, run, api)
}

// importSubscriptions snapshots every subscription as a synthetic
// subscription.created event. The run id in the event id keeps re-runs from
// colliding with live webhook deliveries.
func (s *stripeImporter) importSubscriptions(ctx context.Context, run *runState, api *stripeclient.API) error {
	run.setStatus(ctx, StatusImportingSubscriptions, "subscriptions")

	params := &stripe.SubscriptionListParams{Status: stripe.String("all")}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.customer")
	params.AddExpand("data.latest_invoice")

	iter := api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		run.progress.TotalCustomers++

		payload, err := s.syntheticEvent(
			fmt.Sprintf("backfill_sub_%s_%s", sub.ID, run.runID),
			"customer.subscription.created", sub.Created, sub)
		if err != nil {
			run.recordError(ctx, err)
			continue
		}
		if err := run.replay(ctx, payload); err != nil {
			run.recordError(ctx, fmt.Errorf("replay subscription %s: %w", sub.ID, err))
			continue
		}
		run.progress.ImportedCustomers++
		if run.progress.ImportedCustomers%100 == 0 {
			run.save(ctx)
			if run.cancelled(ctx) {
				return errCancelled
			}
		}
	}
	if err := run.call(iter.Err); err != nil {
		return fmt.Errorf("stripe subscriptions.list: %w", err)
	}
	run.save(ctx)
	return nil
}

// importEvents replays the recent event stream with the original event ids,
// so anything already delivered by webhook dedupes away.
func (s *stripeImporter) importEvents(ctx context.Context, run *runState, api *stripeclient.API) error {
	run.setStatus(ctx, StatusImportingEvents, "events")

	params := &stripe.EventListParams{
		Types: stripe.StringSlice(stripeEventTypes),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: time.Now().Add(-stripeEventWindow).Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	iter := api.Events.List(params)
	for iter.Next() {
		ev := iter.Event()
		run.progress.TotalEvents++

		var object json.RawMessage
		if ev.Data != nil {
			object = json.RawMessage(ev.Data.Raw)
		}
		payload, err := json.Marshal(map[string]any{
			"id":      ev.ID,
			"type":    ev.Type,
			"created": ev.Created,
			"data":    map[string]any{"object": object},
		})
		if err != nil {
			run.recordError(ctx, err)
			continue
		}
		if err := run.replay(ctx, payload); err != nil {
			run.recordError(ctx, fmt.Errorf("replay event %s: %w", ev.ID, err))
			continue
		}
		run.progress.ImportedEvents++
		if run.progress.ImportedEvents%100 == 0 {
			run.save(ctx)
			if run.cancelled(ctx) {
				return errCancelled
			}
		}
	}
	if err := run.call(iter.Err); err != nil {
		return fmt.Errorf("stripe events.list: %w", err)
	}
	run.save(ctx)
	return nil
}

// syntheticEvent wraps a Stripe object in the webhook event envelope the
// normalizer expects.
func (s *stripeImporter) syntheticEvent(id, eventType string, created int64, object any) ([]byte, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("marshal stripe object: %w", err)
	}
	return json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created,
		"data":    map[string]any{"object": json.RawMessage(raw)},
	})
}

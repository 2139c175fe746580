package backfill

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// googleBaseURL is a var so tests can point the importer at a local server.
var googleBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"

type googleImporter struct {
	client *http.Client
}

type googleSubscriptionV2 struct {
	SubscriptionState string `json:"subscriptionState"`
	StartTime         string `json:"startTime"`
	LineItems         []struct {
		ProductID  string `json:"productId"`
		ExpiryTime string `json:"expiryTime"`
	} `json:"lineItems"`
}

type googleVoidedPage struct {
	VoidedPurchases []struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
	} `json:"voidedPurchases"`
	TokenPagination struct {
		NextPageToken string `json:"nextPageToken"`
	} `json:"tokenPagination"`
}

// googleStateNotification maps the subscriptionsv2 state onto the RTDN
// notification type that would have announced it.
var googleStateNotification = map[string]int{
	"SUBSCRIPTION_STATE_ACTIVE":          4,  // purchased
	"SUBSCRIPTION_STATE_CANCELED":        3,  // canceled
	"SUBSCRIPTION_STATE_EXPIRED":         13, // expired
	"SUBSCRIPTION_STATE_IN_GRACE_PERIOD": 6,  // in grace period
	"SUBSCRIPTION_STATE_ON_HOLD":         5,  // on hold
	"SUBSCRIPTION_STATE_PAUSED":          10, // paused
}

// Google Play has no subscription list API: the tenant supplies known
// purchase tokens, and the Voided Purchases API covers refunds.
func (g *googleImporter) run(ctx context.Context, run *runState, creds *credentials) error {
	if g.client == nil {
		g.client = &http.Client{Timeout: 10 * time.Second}
	}
	if creds.PackageName == "" {
		return fmt.Errorf("google backfill requires package_name in credentials")
	}

	run.setStatus(ctx, StatusImportingSubscriptions, "purchase tokens")
	run.progress.TotalCustomers = len(creds.Tokens)

	for i, token := range creds.Tokens {
		if run.cancelled(ctx) {
			return errCancelled
		}
		var sub googleSubscriptionV2
		err := run.call(func() error {
			path := fmt.Sprintf("/applications/%s/purchases/subscriptionsv2/tokens/%s",
				url.PathEscape(creds.PackageName), url.PathEscape(token))
			return g.fetch(ctx, creds.AccessToken, path, &sub)
		})
		if err != nil {
			run.recordError(ctx, fmt.Errorf("token %d: %w", i, err))
			continue
		}

		notifType, ok := googleStateNotification[sub.SubscriptionState]
		if !ok {
			notifType = 4
		}
		payload, err := googleEnvelope(
			fmt.Sprintf("backfill_%d_%s", i, run.runID),
			creds.PackageName,
			map[string]any{
				"version":          "1.0",
				"notificationType": notifType,
				"purchaseToken":    token,
				"subscriptionId":   firstLineProduct(&sub),
			}, nil)
		if err != nil {
			run.recordError(ctx, err)
			continue
		}
		if err := run.replay(ctx, payload); err != nil {
			run.recordError(ctx, fmt.Errorf("replay token %d: %w", i, err))
			continue
		}
		run.progress.ImportedCustomers++
		run.save(ctx)
	}

	return g.importVoided(ctx, run, creds)
}

// importVoided paginates the Voided Purchases API and synthesizes refund
// notifications.
func (g *googleImporter) importVoided(ctx context.Context, run *runState, creds *credentials) error {
	run.setStatus(ctx, StatusImportingEvents, "voided purchases")

	pageToken := ""
	for {
		var page googleVoidedPage
		err := run.call(func() error {
			path := fmt.Sprintf("/applications/%s/purchases/voidedpurchases", url.PathEscape(creds.PackageName))
			if pageToken != "" {
				path += "?token=" + url.QueryEscape(pageToken)
			}
			return g.fetch(ctx, creds.AccessToken, path, &page)
		})
		if err != nil {
			return fmt.Errorf("voided purchases: %w", err)
		}

		for i, voided := range page.VoidedPurchases {
			run.progress.TotalEvents++
			payload, err := googleEnvelope(
				fmt.Sprintf("backfill_void_%s_%d_%s", voided.OrderID, i, run.runID),
				creds.PackageName, nil,
				map[string]any{
					"purchaseToken": voided.PurchaseToken,
					"orderId":       voided.OrderID,
					"productType":   1,
				})
			if err != nil {
				run.recordError(ctx, err)
				continue
			}
			if err := run.replay(ctx, payload); err != nil {
				run.recordError(ctx, fmt.Errorf("replay voided %s: %w", voided.OrderID, err))
				continue
			}
			run.progress.ImportedEvents++
		}
		run.save(ctx)

		pageToken = page.TokenPagination.NextPageToken
		if pageToken == "" {
			return nil
		}
		if run.cancelled(ctx) {
			return errCancelled
		}
	}
}

func (g *googleImporter) fetch(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("google API returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// googleEnvelope wraps a developer notification in the Pub/Sub push shape the
// normalizer consumes.
func googleEnvelope(messageID, packageName string, subscription, voided map[string]any) ([]byte, error) {
	notif := map[string]any{
		"version":         "1.0",
		"packageName":     packageName,
		"eventTimeMillis": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if subscription != nil {
		notif["subscriptionNotification"] = subscription
	}
	if voided != nil {
		notif["voidedPurchaseNotification"] = voided
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return nil, fmt.Errorf("marshal developer notification: %w", err)
	}
	return json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": messageID,
		},
		"subscription": "projects/backfill/subscriptions/replay",
	})
}

func firstLineProduct(sub *googleSubscriptionV2) string {
	if len(sub.LineItems) > 0 {
		return sub.LineItems[0].ProductID
	}
	return ""
}

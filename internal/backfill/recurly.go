package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

// recurlyBaseURL is a var so tests can point the importer at a local server.
var recurlyBaseURL = "https://v3.recurly.com"

const recurlyAPIVersion = "application/vnd.recurly.v2021-02-25"

type recurlyImporter struct {
	client *http.Client
}

type recurlySubscriptionPage struct {
	HasMore bool                    `json:"has_more"`
	Next    string                  `json:"next"`
	Data    []recurlyV3Subscription `json:"data"`
}

type recurlyV3Subscription struct {
	UUID    string `json:"uuid"`
	State   string `json:"state"`
	Account struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	} `json:"account"`
	Plan struct {
		Code string `json:"code"`
	} `json:"plan"`
	UnitAmount         float64 `json:"unit_amount"`
	Currency           string  `json:"currency"`
	CurrentPeriodEndsAt string `json:"current_period_ends_at"`
	TrialEndsAt        string  `json:"trial_ends_at"`
	CanceledAt         string  `json:"canceled_at"`
}

func (r *recurlyImporter) run(ctx context.Context, run *runState, creds *credentials) error {
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	run.setStatus(ctx, StatusImportingSubscriptions, "subscriptions")

	next := "/subscriptions?" + url.Values{
		"state": {"all"},
		"limit": {"200"},
		"sort":  {"created_at"},
		"order": {"asc"},
	}.Encode()

	for next != "" {
		var page recurlySubscriptionPage
		err := run.call(func() error {
			return r.fetch(ctx, creds.APIKey, next, &page)
		})
		if err != nil {
			return fmt.Errorf("recurly subscriptions: %w", err)
		}

		for i := range page.Data {
			sub := &page.Data[i]
			run.progress.TotalCustomers++
			payload, err := recurlyNotificationXML(sub)
			if err != nil {
				run.recordError(ctx, err)
				continue
			}
			if err := run.replay(ctx, payload); err != nil {
				run.recordError(ctx, fmt.Errorf("replay subscription %s: %w", sub.UUID, err))
				continue
			}
			run.progress.ImportedCustomers++
		}
		run.save(ctx)

		if !page.HasMore {
			break
		}
		if run.cancelled(ctx) {
			return errCancelled
		}
		next = page.Next
	}
	return nil
}

func (r *recurlyImporter) fetch(ctx context.Context, apiKey, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recurlyBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(apiKey, "")
	req.Header.Set("Accept", recurlyAPIVersion)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("recurly API returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// recurlyNotificationXML renders a v3 subscription as the v2-style XML
// notification the normalizer consumes. Terminal states map to their closing
// notification so the entitlement lands in the right state.
func recurlyNotificationXML(sub *recurlyV3Subscription) ([]byte, error) {
	rootName := "new_subscription_notification"
	switch sub.State {
	case "expired":
		rootName = "expired_subscription_notification"
	case "canceled":
		rootName = "canceled_subscription_notification"
	case "paused":
		rootName = "paused_subscription_notification"
	}

	type account struct {
		AccountCode string `xml:"account_code"`
		Email       string `xml:"email,omitempty"`
	}
	type plan struct {
		PlanCode          string `xml:"plan_code"`
		UnitAmountInCents int64  `xml:"unit_amount_in_cents"`
	}
	type subscription struct {
		UUID                string `xml:"uuid"`
		Plan                plan   `xml:"plan"`
		State               string `xml:"state"`
		UnitAmountInCents   int64  `xml:"unit_amount_in_cents"`
		Currency            string `xml:"currency"`
		CurrentPeriodEndsAt string `xml:"current_period_ends_at,omitempty"`
		TrialEndsAt         string `xml:"trial_ends_at,omitempty"`
		CanceledAt          string `xml:"canceled_at,omitempty"`
	}
	type notification struct {
		XMLName      xml.Name
		Account      account      `xml:"account"`
		Subscription subscription `xml:"subscription"`
	}

	cents := int64(math.Round(sub.UnitAmount * 100))
	doc := notification{
		XMLName: xml.Name{Local: rootName},
		Account: account{AccountCode: sub.Account.Code, Email: sub.Account.Email},
		Subscription: subscription{
			UUID:                sub.UUID,
			Plan:                plan{PlanCode: sub.Plan.Code, UnitAmountInCents: cents},
			State:               sub.State,
			UnitAmountInCents:   cents,
			Currency:            sub.Currency,
			CurrentPeriodEndsAt: sub.CurrentPeriodEndsAt,
			TrialEndsAt:         sub.TrialEndsAt,
			CanceledAt:          sub.CanceledAt,
		},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode recurly notification: %w", err)
	}
	return buf.Bytes(), nil
}

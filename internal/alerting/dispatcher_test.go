package alerting

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/circuit"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

func testIssue() models.Issue {
	return models.Issue{
		ID:                    "issue-1",
		OrgID:                 "org-1",
		UserID:                "user-1",
		IssueType:             "duplicate_billing",
		Severity:              models.SeverityCritical,
		Status:                models.IssueOpen,
		Title:                 "User billed on two platforms",
		Description:           "Active stripe subscription overlaps a new apple charge",
		EstimatedRevenueCents: 999,
		Confidence:            0.85,
		DetectorID:            "duplicate_billing",
		CreatedAt:             time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	d := NewDispatcher(store.NewWithDB(db), circuit.NewRegistry(circuit.Config{}), opts...)
	d.sleepFree = true
	t.Cleanup(d.Close)
	return d
}

func TestFilterAdmits(t *testing.T) {
	assert.True(t, filterAdmits(nil, "duplicate_billing"))
	assert.True(t, filterAdmits([]string{"duplicate_*"}, "duplicate_billing"))
	assert.True(t, filterAdmits([]string{"unrevoked_refund", "duplicate_billing"}, "duplicate_billing"))
	assert.False(t, filterAdmits([]string{"unrevoked_refund"}, "duplicate_billing"))
	assert.True(t, filterAdmits([]string{"*"}, "anything"))
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, 60*time.Second, backoff(1))
	assert.Equal(t, 2*time.Minute, backoff(2))
	assert.Equal(t, 8*time.Minute, backoff(4))
	assert.Equal(t, time.Hour, backoff(10))
}

func TestSignPayloadVerifiable(t *testing.T) {
	ts := time.Unix(1756123456, 0)
	body := []byte(`{"id":"dlv_1"}`)
	header := SignPayload("whsec_topsecret", ts, body)

	parts := strings.SplitN(header, ",", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "t=1756123456", parts[0])

	// Recompute with the stripped secret the way a recipient would.
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte("1756123456."))
	mac.Write(body)
	assert.Equal(t, "v1="+hex.EncodeToString(mac.Sum(nil)), parts[1])
}

func TestSendWebhookSignsAndPosts(t *testing.T) {
	got := make(chan *http.Request, 1)
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		got <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	job := deliveryJob{
		config:     models.AlertConfig{Channel: models.ChannelWebhook, URL: srv.URL, Secret: "whsec_abc"},
		issue:      testIssue(),
		eventType:  EventIssueCreated,
		deliveryID: "dlv_01",
	}
	require.NoError(t, d.sendWebhook(context.Background(), job))

	r := <-got
	assert.Equal(t, EventIssueCreated, r.Header.Get("X-Sig-Event"))
	assert.Equal(t, "dlv_01", r.Header.Get("X-Sig-Delivery"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

	sig := r.Header.Get("X-Sig-Signature")
	require.NotEmpty(t, sig)
	tsPart, v1Part, ok := strings.Cut(sig, ",")
	require.True(t, ok)
	ts, err := strconv.ParseInt(strings.TrimPrefix(tsPart, "t="), 10, 64)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte("abc"))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "."))
	mac.Write(gotBody)
	assert.Equal(t, "v1="+hex.EncodeToString(mac.Sum(nil)), v1Part)

	var env envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "dlv_01", env.ID)
	assert.Equal(t, EventIssueCreated, env.EventType)
	assert.Equal(t, webhookAPIVersion, env.APIVersion)
	assert.Equal(t, "issue-1", env.Data.Issue.ID)
}

func TestSendWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	err := d.sendWebhook(context.Background(), deliveryJob{
		config:    models.AlertConfig{Channel: models.ChannelWebhook, URL: srv.URL},
		issue:     testIssue(),
		eventType: EventIssueCreated,
	})
	assert.ErrorContains(t, err, "502")
}

func TestSendPagerDutyTriggerAndResolve(t *testing.T) {
	var events []pagerDutyEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev pagerDutyEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		events = append(events, ev)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	orig := pagerDutyURL
	pagerDutyURL = srv.URL
	t.Cleanup(func() { pagerDutyURL = orig })

	d := newTestDispatcher(t, WithDashboardURL("https://app.example.com"))
	cfg := models.AlertConfig{Channel: models.ChannelPagerDuty, RoutingKey: "rk_1"}

	require.NoError(t, d.sendPagerDuty(context.Background(), deliveryJob{
		config: cfg, issue: testIssue(), eventType: EventIssueCreated,
	}))
	require.NoError(t, d.sendPagerDuty(context.Background(), deliveryJob{
		config: cfg, issue: testIssue(), eventType: EventIssueResolved,
	}))

	require.Len(t, events, 2)
	trigger, resolve := events[0], events[1]
	assert.Equal(t, "trigger", trigger.EventAction)
	assert.Equal(t, "rk_1", trigger.RoutingKey)
	assert.Equal(t, "issue-1", trigger.DedupKey)
	assert.Equal(t, "critical", trigger.Payload.Severity)
	require.Len(t, trigger.Links, 1)
	assert.Equal(t, "https://app.example.com/issues/issue-1", trigger.Links[0].Href)

	assert.Equal(t, "resolve", resolve.EventAction)
	assert.Equal(t, "issue-1", resolve.DedupKey)
	assert.Empty(t, resolve.Payload.Summary)
}

func TestFormatSlackAttachment(t *testing.T) {
	issue := testIssue()
	att := FormatSlackAttachment(&issue, "https://app.example.com")
	assert.Equal(t, "#dc2626", att.Color)
	assert.Equal(t, "User billed on two platforms", att.Title)
	assert.Equal(t, "https://app.example.com/issues/issue-1", att.TitleLink)

	values := map[string]string{}
	for _, f := range att.Fields {
		values[f.Title] = f.Value
	}
	assert.Equal(t, "critical", values["Severity"])
	assert.Equal(t, "$9.99", values["Revenue at risk"])
	assert.Equal(t, "85%", values["Confidence"])
}

type fakeSlackPoster struct {
	channel string
	opts    int
	err     error
}

func (f *fakeSlackPoster) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channel = channelID
	f.opts = len(options)
	return "", "", f.err
}

func TestSendSlackPostsToConfiguredChannel(t *testing.T) {
	d := newTestDispatcher(t)
	poster := &fakeSlackPoster{}
	d.newSlackPoster = func(string) slackPoster { return poster }

	err := d.sendSlack(context.Background(), deliveryJob{
		config: models.AlertConfig{Channel: models.ChannelSlack, Secret: "xoxb-token", SlackChan: "#revenue"},
		issue:  testIssue(), eventType: EventIssueCreated,
	})
	require.NoError(t, err)
	assert.Equal(t, "#revenue", poster.channel)
	assert.Equal(t, 2, poster.opts)
}

func TestNotifyIssueCreatedFansOutWithFilter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cols := []string{"id", "org_id", "channel", "url", "routing_key", "secret",
		"slack_channel", "event_filter", "is_active", "created_at"}
	mock.ExpectQuery(`FROM alert_configs`).WillReturnRows(sqlmock.NewRows(cols).
		AddRow("ac1", "org-1", "webhook", srv.URL, "", "whsec_a", "", "{duplicate_*}", true, time.Now()).
		AddRow("ac2", "org-1", "webhook", srv.URL, "", "whsec_b", "", "{unrevoked_refund}", true, time.Now()))

	d := NewDispatcher(store.NewWithDB(db), circuit.NewRegistry(circuit.Config{}))
	d.sleepFree = true

	issue := testIssue()
	d.NotifyIssueCreated(context.Background(), &issue)
	d.Close() // drains the pool

	assert.Equal(t, int32(1), hits.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetriesThenDeadLetters(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// A high breaker threshold keeps every retry reaching the endpoint.
	d := NewDispatcher(store.NewWithDB(db), circuit.NewRegistry(circuit.Config{FailureThreshold: 100}))
	d.sleepFree = true

	d.enqueue(deliveryJob{
		config:     models.AlertConfig{ID: "ac1", Channel: models.ChannelWebhook, URL: srv.URL},
		issue:      testIssue(),
		eventType:  EventIssueCreated,
		deliveryID: "dlv_retry",
		attempt:    1,
	})

	require.Eventually(t, func() bool { return hits.Load() == int32(maxAttempts) },
		5*time.Second, 10*time.Millisecond)
	d.Close()
	assert.Equal(t, int32(maxAttempts), hits.Load())
}

package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
)

const webhookAPIVersion = "2026-08-01"

// envelope is the outbound webhook body. The delivery id doubles as the
// recipient's dedup key.
type envelope struct {
	ID         string       `json:"id"`
	EventType  string       `json:"eventType"`
	Timestamp  time.Time    `json:"timestamp"`
	APIVersion string       `json:"apiVersion"`
	Data       envelopeData `json:"data"`
}

type envelopeData struct {
	Issue models.Issue `json:"issue"`
}

// SignPayload builds the X-Sig-Signature value for a body at a timestamp. The
// scheme mirrors inbound provider signatures so recipients can verify with
// the same code they already have.
func SignPayload(secret string, ts time.Time, body []byte) string {
	secret = strings.TrimPrefix(secret, "whsec_")
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) sendWebhook(ctx context.Context, job deliveryJob) error {
	now := time.Now().UTC()
	body, err := json.Marshal(envelope{
		ID:         job.deliveryID,
		EventType:  job.eventType,
		Timestamp:  now,
		APIVersion: webhookAPIVersion,
		Data:       envelopeData{Issue: job.issue},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sig-Signature", SignPayload(job.config.Secret, now, body))
	req.Header.Set("X-Sig-Event", job.eventType)
	req.Header.Set("X-Sig-Delivery", job.deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

package adapter

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"erpnotify/internal/model"
)

// SMSMaxLen is the single-segment GSM limit; longer bodies are truncated
// rather than split into billable multi-part messages.
const SMSMaxLen = 160

// SMSAdapter delivers via the SMS gateway's form API, authenticated either by
// api key header or userid/password fields.
type SMSAdapter struct {
	baseURL  string
	userID   string
	password string
	senderID string
	apiKey   string
	client   *http.Client
}

func NewSMSAdapter(baseURL, userID, password, senderID, apiKey string) *SMSAdapter {
	return &SMSAdapter{
		baseURL:  baseURL,
		userID:   userID,
		password: password,
		senderID: senderID,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: TimeoutSMS},
	}
}

func (a *SMSAdapter) Name() string { return model.ChannelSMS }

func (a *SMSAdapter) Send(ctx context.Context, e *Entry) Result {
	if !strings.HasPrefix(e.Address, "+") {
		return permanent("invalid_msisdn", fmt.Errorf("phone not E.164: %q", e.Address))
	}

	body := e.Body
	if len(body) > SMSMaxLen {
		runes := []rune(body)
		if len(runes) > SMSMaxLen-3 {
			runes = runes[:SMSMaxLen-3]
		}
		body = string(runes) + "..."
	}

	start := time.Now()

	form := url.Values{}
	form.Set("userid", a.userID)
	form.Set("password", a.password)
	form.Set("senderid", a.senderID)
	form.Set("sendMethod", "quick")
	form.Set("msgType", "text")
	form.Set("msg", body)
	form.Set("mobile", e.Address)
	form.Set("duplicatecheck", "true")
	form.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/SMSApi/send", strings.NewReader(form.Encode()))
	if err != nil {
		return permanent("bad_request", fmt.Errorf("build sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return transient("sms_timeout", ctx.Err())
		}
		return transient("sms_network", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		log.Printf("[SMS] Sent: to=%s duration=%v", e.Address, time.Since(start))
		return ok("")
	case resp.StatusCode == http.StatusTooManyRequests:
		return transient("rate_limited", fmt.Errorf("sms api: %s", respBody))
	case resp.StatusCode >= 500:
		return transient("sms_5xx", fmt.Errorf("sms api %d: %s", resp.StatusCode, respBody))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return permanent("invalid_credentials", fmt.Errorf("sms api %d: %s", resp.StatusCode, respBody))
	default:
		// The gateway answers 400 for unreachable or malformed MSISDNs.
		return permanent("unreachable_msisdn", fmt.Errorf("sms api %d: %s", resp.StatusCode, respBody))
	}
}

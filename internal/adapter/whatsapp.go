package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"erpnotify/internal/model"
)

// WhatsAppAdapter delivers templated messages through the Graph-style
// Business API. Template names come from configuration keyed by event kind,
// never from hard-coded literals, so a disapproved template can be swapped
// without touching code.
type WhatsAppAdapter struct {
	apiURL  string
	token   string
	phoneID string
	client  *http.Client
}

func NewWhatsAppAdapter(apiURL, token, phoneID string) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		apiURL:  apiURL,
		token:   token,
		phoneID: phoneID,
		client:  &http.Client{Timeout: TimeoutWhatsApp},
	}
}

func (a *WhatsAppAdapter) Name() string { return model.ChannelWhatsApp }

type waTemplatePayload struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Template         waTemplate `json:"template"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components,omitempty"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waParameter `json:"parameters"`
}

type waParameter struct {
	Type  string   `json:"type"`
	Text  string   `json:"text,omitempty"`
	Image *waMedia `json:"image,omitempty"`
}

type waMedia struct {
	Link string `json:"link"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (a *WhatsAppAdapter) Send(ctx context.Context, e *Entry) Result {
	if !strings.HasPrefix(e.Address, "+") {
		return permanent("invalid_msisdn", fmt.Errorf("phone not E.164: %q", e.Address))
	}
	if e.TemplateName == "" {
		return permanent("missing_template", fmt.Errorf("no template configured for kind %q", e.Kind))
	}

	payload := waTemplatePayload{
		MessagingProduct: "whatsapp",
		// Provider expects the number without the plus sign.
		To:       strings.TrimPrefix(e.Address, "+"),
		Type:     "template",
		Template: waTemplate{Name: e.TemplateName, Language: waLanguage{Code: "en"}},
	}

	if e.ImageURL != nil {
		payload.Template.Components = append(payload.Template.Components, waComponent{
			Type:       "header",
			Parameters: []waParameter{{Type: "image", Image: &waMedia{Link: *e.ImageURL}}},
		})
	}
	if len(e.TemplateParams) > 0 {
		params := make([]waParameter, len(e.TemplateParams))
		for i, p := range e.TemplateParams {
			params[i] = waParameter{Type: "text", Text: p}
		}
		payload.Template.Components = append(payload.Template.Components, waComponent{
			Type:       "body",
			Parameters: params,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return permanent("bad_payload", fmt.Errorf("marshal whatsapp payload: %w", err))
	}

	start := time.Now()
	url := fmt.Sprintf("%s/%s/messages", a.apiURL, a.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent("bad_request", fmt.Errorf("build whatsapp request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return transient("whatsapp_timeout", ctx.Err())
		}
		return transient("whatsapp_network", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var parsed waResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		msgID := ""
		if len(parsed.Messages) > 0 {
			msgID = parsed.Messages[0].ID
		}
		log.Printf("[WhatsApp] Sent: to=%s template=%s duration=%v", e.Address, e.TemplateName, time.Since(start))
		return ok(msgID)
	case resp.StatusCode == http.StatusTooManyRequests:
		return transient("rate_limited", fmt.Errorf("whatsapp api: %s", parsed.Error.Message))
	case resp.StatusCode >= 500:
		return transient("whatsapp_5xx", fmt.Errorf("whatsapp api %d: %s", resp.StatusCode, parsed.Error.Message))
	default:
		// 4xx covers numbers without WhatsApp accounts and templates the
		// provider rejected or unlisted.
		category := "whatsapp_rejected"
		msg := strings.ToLower(parsed.Error.Message)
		if strings.Contains(msg, "template") {
			category = "template_rejected"
		} else if strings.Contains(msg, "recipient") || strings.Contains(msg, "phone") {
			category = "not_on_whatsapp"
		}
		return permanent(category, fmt.Errorf("whatsapp api %d: %s", resp.StatusCode, parsed.Error.Message))
	}
}

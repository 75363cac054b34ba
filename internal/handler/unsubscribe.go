package handler

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"erpnotify/internal/model"
	"erpnotify/internal/notify"
)

type UnsubscribeHandler struct {
	registry *notify.Registry
}

func NewUnsubscribeHandler(registry *notify.Registry) *UnsubscribeHandler {
	return &UnsubscribeHandler{registry: registry}
}

// Redeem handles GET /unsubscribe/{token}
// The link lands in a mail client or SMS, so the response is a small HTML
// page rather than JSON. Redeeming twice is harmless.
func (h *UnsubscribeHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "token")
	if value == "" {
		writeUnsubscribePage(w, http.StatusNotFound, "Invalid link", "This unsubscribe link is not valid.")
		return
	}

	t, redeemed, err := h.registry.RedeemToken(r.Context(), value)
	if err != nil {
		if errors.Is(err, model.ErrTokenNotFound) {
			if t != nil {
				// Known token past its expiry.
				writeUnsubscribePage(w, http.StatusGone, "Link expired",
					"This unsubscribe link has expired. Use the link in a more recent message.")
				return
			}
			writeUnsubscribePage(w, http.StatusNotFound, "Invalid link", "This unsubscribe link is not valid.")
			return
		}
		log.Printf("[ERROR] Redeem token: err=%v", err)
		writeUnsubscribePage(w, http.StatusInternalServerError, "Something went wrong",
			"We could not process your request. Please try again later.")
		return
	}

	if redeemed {
		writeUnsubscribePage(w, http.StatusOK, "Unsubscribed",
			fmt.Sprintf("You will no longer receive %s notifications.", channelLabel(t.Channel)))
		return
	}
	writeUnsubscribePage(w, http.StatusOK, "Already unsubscribed",
		fmt.Sprintf("You had already opted out of %s notifications.", channelLabel(t.Channel)))
}

func channelLabel(channel string) string {
	switch channel {
	case model.TokenChannelEmail:
		return "email"
	case model.TokenChannelSMS:
		return "SMS"
	case model.TokenChannelPush:
		return "push"
	default:
		return channel
	}
}

const unsubscribePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; max-width: 32em; margin: 4em auto;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`

func writeUnsubscribePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, unsubscribePage, title, title, message)
}

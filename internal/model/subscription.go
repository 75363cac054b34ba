package model

import (
	"math"
	"net/url"
	"strings"
	"time"
)

// Browser and platform values detected from the User-Agent at registration.
const (
	BrowserFirefox = "Firefox"
	BrowserEdge    = "Edge"
	BrowserChrome  = "Chrome"
	BrowserSafari  = "Safari"
	BrowserOpera   = "Opera"
	BrowserOther   = "Other"

	PlatformAndroid = "Android"
	PlatformIOS     = "iOS"
	PlatformWindows = "Windows"
	PlatformMacOS   = "macOS"
	PlatformLinux   = "Linux"
	PlatformOther   = "Other"
)

// PushSubscription is a single browser/device Web Push endpoint.
//
// The endpoint URL is globally unique. Non-WNS endpoints carry the p256dh and
// auth keys used for payload encryption; WNS endpoints carry neither (Windows
// Notification Service ignores encrypted payloads). An anonymous subscription
// must be identifiable by phone or device id.
type PushSubscription struct {
	ID                 int64      `db:"id" json:"id"`
	Endpoint           string     `db:"endpoint" json:"-"`
	P256dh             string     `db:"p256dh" json:"-"`
	Auth               string     `db:"auth" json:"-"`
	UserID             *int64     `db:"user_id" json:"user_id,omitempty"`
	Phone              *string    `db:"phone" json:"phone,omitempty"`
	DeviceID           *string    `db:"device_id" json:"device_id,omitempty"`
	Browser            string     `db:"browser" json:"browser"`
	Platform           string     `db:"platform" json:"platform"`
	IsWNS              bool       `db:"is_wns" json:"is_wns"`
	IsActive           bool       `db:"is_active" json:"is_active"`
	PushSuccessCount   int64      `db:"push_success_count" json:"push_success_count"`
	PushFailureCount   int64      `db:"push_failure_count" json:"push_failure_count"`
	LastPushAttempt    *time.Time `db:"last_push_attempt" json:"last_push_attempt,omitempty"`
	LastSuccessfulPush *time.Time `db:"last_successful_push" json:"last_successful_push,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// HealthScore derives a delivery quality score in [0,100] for display and
// cleanup ranking. 0 when inactive, 10 when the endpoint has never delivered,
// otherwise a recency score that decays with days since the last successful
// push, blended 70/30 with the lifetime success rate.
func (s *PushSubscription) HealthScore(now time.Time) int {
	if !s.IsActive {
		return 0
	}
	if s.LastSuccessfulPush == nil {
		return 10
	}

	days := now.Sub(*s.LastSuccessfulPush).Hours() / 24
	if days < 0 {
		days = 0
	}
	// Full marks inside a day, linear decay to zero over 30 days.
	recency := 100 * (1 - days/30)
	if recency < 0 {
		recency = 0
	}

	total := s.PushSuccessCount + s.PushFailureCount
	rate := 1.0
	if total > 0 {
		rate = float64(s.PushSuccessCount) / float64(total)
	}

	score := int(math.Round(0.7*recency + 0.3*rate*100))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// IsWNSEndpoint reports whether the endpoint belongs to the Windows
// Notification Service. WNS hosts look like wns2-by3p.notify.windows.com.
func IsWNSEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return strings.HasPrefix(host, "wns2-") || strings.HasSuffix(host, ".windows.com")
}

// DetectBrowser classifies a User-Agent string into the fixed browser set.
// Order matters: Edge and Opera embed "Chrome", Chrome embeds "Safari".
func DetectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "firefox"):
		return BrowserFirefox
	case strings.Contains(ua, "edg"):
		return BrowserEdge
	case strings.Contains(ua, "opr") || strings.Contains(ua, "opera"):
		return BrowserOpera
	case strings.Contains(ua, "chrome"):
		return BrowserChrome
	case strings.Contains(ua, "safari"):
		return BrowserSafari
	default:
		return BrowserOther
	}
}

// DetectPlatform classifies a User-Agent string into the fixed platform set.
func DetectPlatform(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "android"):
		return PlatformAndroid
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		return PlatformIOS
	case strings.Contains(ua, "windows"):
		return PlatformWindows
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		return PlatformMacOS
	case strings.Contains(ua, "linux"):
		return PlatformLinux
	default:
		return PlatformOther
	}
}

// RegisterSubscriptionRequest is the body for POST /subscribe.
type RegisterSubscriptionRequest struct {
	Endpoint string  `json:"endpoint"`
	P256dh   string  `json:"p256dh"`
	Auth     string  `json:"auth"`
	Phone    *string `json:"phone,omitempty"`
	DeviceID *string `json:"device_id,omitempty"`
}

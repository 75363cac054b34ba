package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisURL string

	ServerPort string

	JWTSecret string

	// VAPID key pair identifying this server to push services.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	SMSBaseURL  string
	SMSUserID   string
	SMSPassword string
	SMSSenderID string
	SMSAPIKey   string

	WhatsAppToken   string
	WhatsAppPhoneID string
	WhatsAppAPIURL  string

	// Base URL used to build unsubscribe links embedded in messages.
	PublicBaseURL string

	// Admin broadcast settings.
	BroadcastBatchSize int

	// Worker pool sizes per channel.
	PushWorkers     int
	EmailWorkers    int
	SMSWorkers      int
	WhatsAppWorkers int
	InAppWorkers    int

	// Stream worker count for the event intake bus.
	StreamWorkers int
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables")
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	smtpPort := envInt("SMTP_PORT", 587)

	whatsAppAPIURL := os.Getenv("WHATSAPP_API_URL")
	if whatsAppAPIURL == "" {
		whatsAppAPIURL = "https://graph.facebook.com/v18.0"
	}

	return &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),

		RedisURL: redisURL,

		ServerPort: serverPort,

		JWTSecret: os.Getenv("JWT_SECRET"),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    os.Getenv("VAPID_SUBJECT"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     smtpPort,
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),

		SMSBaseURL:  os.Getenv("SMS_BASE_URL"),
		SMSUserID:   os.Getenv("SMS_USER_ID"),
		SMSPassword: os.Getenv("SMS_PASSWORD"),
		SMSSenderID: os.Getenv("SMS_SENDER_ID"),
		SMSAPIKey:   os.Getenv("SMS_API_KEY"),

		WhatsAppToken:   os.Getenv("WHATSAPP_TOKEN"),
		WhatsAppPhoneID: os.Getenv("WHATSAPP_PHONE_ID"),
		WhatsAppAPIURL:  whatsAppAPIURL,

		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),

		BroadcastBatchSize: envInt("BROADCAST_BATCH_SIZE", 50),

		PushWorkers:     envInt("PUSH_WORKERS", 64),
		EmailWorkers:    envInt("EMAIL_WORKERS", 8),
		SMSWorkers:      envInt("SMS_WORKERS", 4),
		WhatsAppWorkers: envInt("WHATSAPP_WORKERS", 4),
		InAppWorkers:    envInt("INAPP_WORKERS", 8),

		StreamWorkers: envInt("STREAM_WORKERS", 2),
	}, nil
}

// WhatsAppTemplateFor resolves the provider template name for an event kind.
// Template names are configuration, looked up per kind with a generic
// fallback, so a disapproved template can be swapped without a deploy.
func (c *Config) WhatsAppTemplateFor(kind string) string {
	if v := os.Getenv("WHATSAPP_TEMPLATE_" + strings.ToUpper(kind)); v != "" {
		return v
	}
	if v := os.Getenv("WHATSAPP_TEMPLATE_DEFAULT"); v != "" {
		return v
	}
	return "erp_notification"
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

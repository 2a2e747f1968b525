package config

import (
	"os"
	"strings"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// Engine behavior.
	AllowConsumerCreation bool
	AllowSharing          bool
	DefaultEmail          string

	// Admin API.
	AdminUser        string
	AdminPassHash    string // bcrypt
	OperatorUser     string // optional read-only login
	OperatorPassHash string // bcrypt
	AuthSecret       string // HMAC for admin session JWTs

	// Tool descriptor.
	ToolTitle       string
	ToolDescription string
	ToolIconURL     string
	VendorCode      string
	VendorName      string
	VendorURL       string

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pub := os.Getenv("PUBLIC_URL")
	return Config{
		HTTPAddr:  addr,
		PublicURL: pub,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		AllowConsumerCreation: envBool("ALLOW_CONSUMER_CREATION", false),
		AllowSharing:          envBool("ALLOW_SHARING", true),
		DefaultEmail:          os.Getenv("DEFAULT_EMAIL"),

		AdminUser:        envOr("ADMIN_USER", "admin"),
		AdminPassHash:    envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),
		OperatorUser:     os.Getenv("OPERATOR_USER"),
		OperatorPassHash: os.Getenv("OPERATOR_PASS_HASH"),
		AuthSecret:       envOr("AUTH_HMAC_SECRET", "supersecret-dev-key"),

		ToolTitle:       envOr("TOOL_TITLE", "LTI Tool Provider"),
		ToolDescription: os.Getenv("TOOL_DESCRIPTION"),
		ToolIconURL:     os.Getenv("TOOL_ICON_URL"),
		VendorCode:      os.Getenv("VENDOR_CODE"),
		VendorName:      os.Getenv("VENDOR_NAME"),
		VendorURL:       os.Getenv("VENDOR_URL"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration for the authorization engine.
type Server struct {
	Addr          string
	Environment   string
	DatabaseURL   string
	JWTSigningKey string

	// StepUpWindow is how long a successful step-up verification stays fresh.
	StepUpWindow time.Duration
	// TOTPIssuer is the issuer label embedded in enrollment provisioning URLs.
	TOTPIssuer string
	// RecoveryCodeCount is how many single-use recovery codes an enrollment gets.
	RecoveryCodeCount int
	// ClientRateLimit is the per-client request rate (requests per second).
	ClientRateLimit float64
	// ClientRateBurst is the per-client burst allowance.
	ClientRateBurst int
	// TrustedProxies lists CIDR blocks whose forwarding headers are honored.
	TrustedProxies []string
}

const (
	defaultStepUpWindow      = 5 * time.Minute
	defaultRecoveryCodeCount = 10
	defaultClientRateLimit   = 20.0
	defaultClientRateBurst   = 40
)

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Server{
		Addr:              envOr("BASTION_ADDR", ":8080"),
		Environment:       envOr("BASTION_ENV", "development"),
		DatabaseURL:       os.Getenv("BASTION_DATABASE_URL"),
		JWTSigningKey:     envOr("BASTION_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		TOTPIssuer:        envOr("BASTION_TOTP_ISSUER", "bastion"),
		StepUpWindow:      defaultStepUpWindow,
		RecoveryCodeCount: defaultRecoveryCodeCount,
		ClientRateLimit:   defaultClientRateLimit,
		ClientRateBurst:   defaultClientRateBurst,
	}

	if v := os.Getenv("BASTION_STEPUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StepUpWindow = d
		}
	}
	if v := os.Getenv("BASTION_RECOVERY_CODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RecoveryCodeCount = n
		}
	}
	if v := os.Getenv("BASTION_CLIENT_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.ClientRateLimit = f
		}
	}
	if v := os.Getenv("BASTION_CLIENT_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClientRateBurst = n
		}
	}
	if v := os.Getenv("BASTION_TRUSTED_PROXIES"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.TrustedProxies = append(cfg.TrustedProxies, p)
			}
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"strconv"
	"strings"
)

// MasterKeyEnvPrefix prefixes the versioned vault master secrets, e.g.
// CAPSULE_MASTER_KEY_V2.
const MasterKeyEnvPrefix = "CAPSULE_MASTER_KEY_V"

// parseEnv applies secrets from environ ("KEY=value" pairs). Environment
// values win over the file and flags.
func parseEnv(config *Config, environ []string) {
	secrets := map[string]*string{
		"CAPSULE_DATABASE_DSN":           &config.DatabaseDSN,
		"CAPSULE_JWT_SECRET":             &config.SecretKey,
		"CAPSULE_EMAIL_API_KEY":          &config.EmailAPIKey,
		"CAPSULE_MAIL_API_KEY":           &config.MailAPIKey,
		"CAPSULE_EMAIL_WEBHOOK_SECRET":   &config.EmailWebhookSecret,
		"CAPSULE_MAIL_WEBHOOK_SECRET":    &config.MailWebhookSecret,
		"CAPSULE_BILLING_WEBHOOK_SECRET": &config.BillingWebhookSecret,
		"CAPSULE_S3_ACCESS_KEY":          &config.S3RootUser,
		"CAPSULE_S3_SECRET_KEY":          &config.S3RootPassword,
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if dst, found := secrets[key]; found {
			*dst = value
			continue
		}
		if v, found := strings.CutPrefix(key, MasterKeyEnvPrefix); found {
			version, err := strconv.Atoi(v)
			if err != nil || version <= 0 {
				continue
			}
			if config.MasterKeys == nil {
				config.MasterKeys = map[int]string{}
			}
			config.MasterKeys[version] = value
		}
	}
}

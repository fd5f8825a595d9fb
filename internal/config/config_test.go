package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAPIDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg := LoadAPI()
	if cfg.ContactRateLimit != 5 || cfg.ContactRateWindow != 15*time.Minute {
		t.Fatalf("unexpected contact limit: %d per %v", cfg.ContactRateLimit, cfg.ContactRateWindow)
	}
	if cfg.WebhookRateLimit != 100 || cfg.WebhookRateWindow != time.Minute {
		t.Fatalf("unexpected webhook limit: %d per %v", cfg.WebhookRateLimit, cfg.WebhookRateWindow)
	}
	if cfg.Port != "8080" || cfg.ChatAPITimeout != 5*time.Second || cfg.SMTPPort != 587 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadAPIRequiresDSNForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_DSN", "")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without DB_DSN")
		}
	}()
	LoadAPI()
}

func TestLoadWebhookRequiresTwilio(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	// Setenv registers the restore; the variables must be absent, not empty.
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("PUBLIC_WEBHOOK_URL", "")
	os.Unsetenv("TWILIO_AUTH_TOKEN")
	os.Unsetenv("PUBLIC_WEBHOOK_URL")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without twilio settings")
		}
	}()
	LoadWebhook()
}

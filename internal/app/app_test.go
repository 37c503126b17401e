package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/stateledger/internal/app"
	"github.com/jmerrifield20/stateledger/internal/email"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestLoad_defaults(t *testing.T) {
	v := viper.New()
	if err := app.Load(v, "ledgerd-test-missing", "", zap.NewNop()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetInt("ledger.retirement_threshold"); got != 49 {
		t.Errorf("retirement_threshold: got %d, want 49", got)
	}
	if got := v.GetDuration("approval.token_ttl"); got != 3*time.Hour {
		t.Errorf("token_ttl: got %v, want 3h", got)
	}
	if got := v.GetString("ledger.default_currency"); got != "USD" {
		t.Errorf("default_currency: got %q", got)
	}
}

func TestLoad_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	body := "ledger:\n  retirement_threshold: 10\napproval:\n  token_ttl: 30m\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	if err := app.Load(v, "", path, zap.NewNop()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetInt("ledger.retirement_threshold"); got != 10 {
		t.Errorf("retirement_threshold: got %d, want 10", got)
	}
	if got := v.GetDuration("approval.token_ttl"); got != 30*time.Minute {
		t.Errorf("token_ttl: got %v, want 30m", got)
	}
}

func TestLoad_env(t *testing.T) {
	t.Setenv("LEDGER_DEFAULT_CURRENCY", "EUR")
	v := viper.New()
	if err := app.Load(v, "ledgerd-test-missing", "", zap.NewNop()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetString("ledger.default_currency"); got != "EUR" {
		t.Errorf("default_currency: got %q, want EUR", got)
	}
}

func TestOpen_requiresTokenSecret(t *testing.T) {
	v := viper.New()
	app.SetDefaults(v)
	_, err := app.Open(context.Background(), v, zap.NewNop())
	if !errors.Is(err, app.ErrMissingTokenSecret) {
		t.Errorf("expected ErrMissingTokenSecret, got %v", err)
	}
}

func TestWebhooks_endpointsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	body := "webhooks:\n  max_attempts: 5\n  endpoints:\n" +
		"    - url: http://localhost:9/hook\n      secret: abc\n      events: [cost_request.approved]\n" +
		"    - url: http://localhost:9/all\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	if err := app.Load(v, "", path, zap.NewNop()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var eps []struct {
		URL    string   `mapstructure:"url"`
		Events []string `mapstructure:"events"`
	}
	if err := v.UnmarshalKey("webhooks.endpoints", &eps); err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 || eps[0].Events[0] != "cost_request.approved" || len(eps[1].Events) != 0 {
		t.Errorf("unexpected endpoints: %+v", eps)
	}
	if _, err := app.Webhooks(v, zap.NewNop()); err != nil {
		t.Errorf("Webhooks: %v", err)
	}
}

func TestWebhooks_none(t *testing.T) {
	v := viper.New()
	app.SetDefaults(v)
	d, err := app.Webhooks(v, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	d.Wait()
}

func TestMailer(t *testing.T) {
	v := viper.New()
	app.SetDefaults(v)
	if _, ok := app.Mailer(v, zap.NewNop()).(*email.NoopSender); !ok {
		t.Error("expected NoopSender without smtp_host")
	}
	v.Set("email.smtp_host", "smtp.example.com")
	if _, ok := app.Mailer(v, zap.NewNop()).(*email.SMTPSender); !ok {
		t.Error("expected SMTPSender with smtp_host")
	}
}

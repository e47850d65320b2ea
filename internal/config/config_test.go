package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callsig"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	c.ApplyDefaults()
	return c
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, key := range []string{"APP_ENV", "DB_HOST", "REDIS_HOST", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %q", key, err)
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "callsig", "callsig-clients"
	c.ApplyDefaults()
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestApplyDefaults_Local(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Signal.RateWindow != time.Minute || c.Signal.Retention != 24*time.Hour || c.Signal.MaxStreams != 4 {
		t.Fatalf("unexpected signal defaults %+v", c.Signal)
	}
	if len(c.Call.STUNURLs) != 1 || c.Call.RingTimeout != 45*time.Second {
		t.Fatalf("unexpected call defaults %+v", c.Call)
	}
}

func TestValidate_RejectsTURNAndNegativeValues(t *testing.T) {
	c := validLocal()
	c.Call.STUNURLs = []string{"turn:relay.example.com"}
	c.Call.RingTimeout = -time.Second
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	if !strings.Contains(err.Error(), "CALL_STUN_URLS") || !strings.Contains(err.Error(), "CALL_RING_TIMEOUT") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	env := map[string]string{
		"APP_ENV":           "dev",
		"APP_PORT":          "8080",
		"DB_HOST":           "db",
		"DB_PORT":           "5432",
		"DB_USER":           "u",
		"DB_NAME":           "n",
		"REDIS_HOST":        "redis",
		"REDIS_PORT":        "6379",
		"JWT_SECRET":        "s",
		"CALL_STUN_URLS":    "stun:a.example:3478, stun:b.example:3478",
		"CALL_RING_TIMEOUT": "30s",
		"SIGNAL_RATE_LIMIT": "10",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Call.STUNURLs) != 2 || c.Call.STUNURLs[1] != "stun:b.example:3478" {
		t.Fatalf("unexpected stun urls %v", c.Call.STUNURLs)
	}
	if c.Call.RingTimeout != 30*time.Second || c.Signal.RateLimit != 10 {
		t.Fatalf("unexpected values %+v %+v", c.Call, c.Signal)
	}
	if c.RedisAddr() != "redis:6379" || c.HTTPAddr() != ":8080" {
		t.Fatalf("unexpected addresses")
	}
}

func TestLoad_ReportsBadNumbers(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("SIGNAL_RATE_WINDOW", "soon")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "APP_PORT") || !strings.Contains(err.Error(), "SIGNAL_RATE_WINDOW") {
		t.Fatalf("expected parse errors, got %v", err)
	}
}

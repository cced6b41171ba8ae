package config

import "testing"

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Address: "0.0.0.0", Port: 9090, WorkerPool: 10},
		Store:   StoreConfig{DSN: "postgres://localhost/fenrir"},
		Matcher: MatcherConfig{RetryBound: 3},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsMissingDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing store.dsn")
	}
}

func TestValidate_RejectsBadLoggingFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported logging.format")
	}
}

func TestValidate_RejectsNonPositivePort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive server.port")
	}
}

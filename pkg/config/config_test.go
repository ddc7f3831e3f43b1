package config

import "testing"

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Engine.HeartbeatIntervalSeconds != 30 {
		t.Fatalf("expected default heartbeat interval 30, got %d", cfg.Engine.HeartbeatIntervalSeconds)
	}
	if cfg.Engine.LivenessWindowSeconds != 120 {
		t.Fatalf("expected default liveness window 120, got %d", cfg.Engine.LivenessWindowSeconds)
	}
	if cfg.Engine.MaxLoopIterations != 1000 {
		t.Fatalf("expected default max loop iterations 1000, got %d", cfg.Engine.MaxLoopIterations)
	}
}

func TestNormalizeEnforcesLivenessFloor(t *testing.T) {
	cfg := &Config{Engine: EngineConfig{HeartbeatIntervalSeconds: 30, LivenessWindowSeconds: 10}}
	cfg.normalize()
	if cfg.Engine.LivenessWindowSeconds != 90 {
		t.Fatalf("expected liveness window raised to 3x heartbeat (90), got %d", cfg.Engine.LivenessWindowSeconds)
	}
}

func TestNormalizeFillsZeroedFields(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()
	if cfg.Engine.DefaultMaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.Engine.DefaultMaxRetries)
	}
	if cfg.Engine.MutexLockTTLSeconds != 300 {
		t.Fatalf("expected default mutex lock ttl 300, got %d", cfg.Engine.MutexLockTTLSeconds)
	}
}

func TestDatabaseConnectionStringPrefersDSN(t *testing.T) {
	cfg := DatabaseConfig{DSN: "postgres://explicit", Host: "ignored"}
	if got := cfg.ConnectionString(); got != "postgres://explicit" {
		t.Fatalf("expected explicit DSN to win, got %q", got)
	}
}

func TestDatabaseConnectionStringBuildsFromParts(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	got := cfg.ConnectionString()
	want := "host=db port=5432 user=u password=p dbname=n sslmode=disable"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected missing file to be tolerated, got %v", err)
	}
	if cfg.Engine.HeartbeatIntervalSeconds != 30 {
		t.Fatalf("expected defaults preserved, got %d", cfg.Engine.HeartbeatIntervalSeconds)
	}
}

package config

import "testing"

func TestFromEnvDefaultsWhenUnset(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ReplicationFactor != 3 {
		t.Errorf("ReplicationFactor = %d, want 3", cfg.ReplicationFactor)
	}
	if cfg.VerificationSchedule != "0 3 * * *" {
		t.Errorf("VerificationSchedule = %q, want %q", cfg.VerificationSchedule, "0 3 * * *")
	}
}

func TestFromEnvOverridesFromEnvironment(t *testing.T) {
	t.Setenv("REPLICATION_FACTOR", "5")
	t.Setenv("STORAGE_NODES", "http://a,http://b, http://c")
	t.Setenv("CHUNK_UPLOAD_DEADLINE", "90s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ReplicationFactor != 5 {
		t.Errorf("ReplicationFactor = %d, want 5", cfg.ReplicationFactor)
	}
	if len(cfg.StorageNodes) != 3 {
		t.Fatalf("StorageNodes = %v, want 3 entries", cfg.StorageNodes)
	}
	if cfg.ChunkUploadDeadline.String() != "1m30s" {
		t.Errorf("ChunkUploadDeadline = %s, want 1m30s", cfg.ChunkUploadDeadline)
	}
}

func TestValidateRejectsOversizeChunk(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = 200 << 20
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for oversize chunk")
	}
}

func TestValidateRejectsZeroReplicationFactor(t *testing.T) {
	cfg := Default()
	cfg.ReplicationFactor = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero replication factor")
	}
}

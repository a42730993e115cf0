package config

import (
	"os"
	"testing"
	"time"
)

func TestQuoteTTLAndReplicationIntervalConversions(t *testing.T) {
	c := &NodeConfig{}
	c.Quote.TTLSeconds = 120
	c.Replication.IntervalSeconds = 30

	if got := c.QuoteTTL(); got != 120*time.Second {
		t.Fatalf("QuoteTTL() = %v, want 120s", got)
	}
	if got := c.ReplicationInterval(); got != 30*time.Second {
		t.Fatalf("ReplicationInterval() = %v, want 30s", got)
	}
}

func TestApplyClientEnvOverridesPrefersEnvOverFileDefaults(t *testing.T) {
	os.Setenv("CHUNK_UPLOAD_BATCH_SIZE", "7")
	defer os.Unsetenv("CHUNK_UPLOAD_BATCH_SIZE")

	c := &ClientConfig{}
	c.Upload.FileUploadBatchSize = 4 // file-provided, no env override for this one
	applyClientEnvOverrides(c)

	if c.Upload.ChunkUploadBatchSize != 7 {
		t.Fatalf("expected env override to win, got %d", c.Upload.ChunkUploadBatchSize)
	}
	if c.Upload.FileUploadBatchSize != 4 {
		t.Fatalf("expected the file-provided value to survive when no env var is set, got %d", c.Upload.FileUploadBatchSize)
	}
	if c.Upload.FlowBatchSize != 64 {
		t.Fatalf("expected the spec default of 64 for an unset, unconfigured knob, got %d", c.Upload.FlowBatchSize)
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault(0, 5); got != 5 {
		t.Fatalf("orDefault(0, 5) = %d, want 5", got)
	}
	if got := orDefault(3, 5); got != 3 {
		t.Fatalf("orDefault(3, 5) = %d, want 3", got)
	}
}

func TestApplyNodeEnvOverridesOnlyFillsEmptyVersionMode(t *testing.T) {
	os.Setenv("NETWORK_VERSION_MODE", "from-env")
	defer os.Unsetenv("NETWORK_VERSION_MODE")

	c := &NodeConfig{}
	applyNodeEnvOverrides(c)
	if c.Network.VersionMode != "from-env" {
		t.Fatalf("expected empty VersionMode to be filled from env, got %q", c.Network.VersionMode)
	}

	c2 := &NodeConfig{}
	c2.Network.VersionMode = "from-file"
	applyNodeEnvOverrides(c2)
	if c2.Network.VersionMode != "from-file" {
		t.Fatalf("expected a file-provided VersionMode to not be overridden, got %q", c2.Network.VersionMode)
	}
}

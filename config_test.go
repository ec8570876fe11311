package mkern

import "testing"

func TestPublishConfigOnce(t *testing.T) {
	resetConfig()
	t.Cleanup(resetConfig)

	if _, ok := BootConfig(); ok {
		t.Fatal("configuration visible before publication")
	}

	err := PublishConfig(Config{CPUCount: 4, PhysMemBytes: 1 << 24})
	if err != nil {
		t.Fatalf("first publish failed: %v", err)
	}

	got, ok := BootConfig()
	if !ok {
		t.Fatal("published configuration not readable")
	}
	if got.CPUCount != 4 {
		t.Errorf("CPUCount = %d, want 4", got.CPUCount)
	}

	// The record is written once during boot and read-only thereafter.
	err = PublishConfig(Config{CPUCount: 8})
	if !IsCode(err, ErrCodeInvalidState) {
		t.Errorf("second publish: got %v, want invalid-state", err)
	}
	got, _ = BootConfig()
	if got.CPUCount != 4 {
		t.Error("failed publish must not alter the record")
	}
}

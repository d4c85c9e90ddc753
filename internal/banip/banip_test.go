package banip

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunRejectsEmptyCommand(t *testing.T) {
	if err := Run("", "192.0.2.1", nil); err == nil {
		t.Fatal("empty command accepted")
	}
	if err := Run("   ", "192.0.2.1", nil); err == nil {
		t.Fatal("blank command accepted")
	}
}

func TestRunExposesAddressToCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "banned")
	if err := Run(`printf '%s' "$IP_ADDRESS" > `+out, "192.0.2.1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(out)
		if err == nil && string(data) == "192.0.2.1" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("command output = %q, err = %v", data, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

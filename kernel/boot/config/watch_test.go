package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.json")
	if err := os.WriteFile(path, []byte(`{"ap_count": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = w.Close() }()

	// changes to other files in the directory are ignored
	if err = os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err = os.WriteFile(path, []byte(`{"ap_count": 4}`), 0o644); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-w.Configs():
			if cfg.APCount == 4 {
				return
			}
		case err := <-w.Errors():
			// a write may be observed before the file is complete
			t.Logf("reload error: %v", err)
		case <-timeout:
			t.Fatal("timed out waiting for the configuration to reload")
		}
	}
}

package main

import (
	"path/filepath"
	"testing"
)

func TestNewCenterRequiresCodecKey(t *testing.T) {
	if _, err := newCenter(centerOptions{DBPath: filepath.Join(t.TempDir(), "files.db")}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewCenterRequiresDBPath(t *testing.T) {
	if _, err := newCenter(centerOptions{CodecKey: "secret"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewCenterOpensStore(t *testing.T) {
	center, err := newCenter(centerOptions{
		DBPath:   filepath.Join(t.TempDir(), "files.db"),
		CodecKey: "secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := center.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

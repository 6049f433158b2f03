package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_Prefix(t *testing.T) {
	var buf bytes.Buffer
	sink, err := Open(Options{Stderr: &buf})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer sink.Close()

	sink.Logger("engine").Printf("WARNING: queue is %d deep", 3)
	if got := buf.String(); !strings.HasPrefix(got, "[engine] ") || !strings.Contains(got, "WARNING: queue is 3 deep") {
		t.Errorf("output = %q", got)
	}

	buf.Reset()
	sink.Logger("").Print("bare")
	if strings.HasPrefix(buf.String(), "[") {
		t.Errorf("empty component should have no prefix: %q", buf.String())
	}
}

func TestFileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "calsync.log")
	sink, err := Open(Options{File: path, MaxSizeMB: 1, MaxBackups: 1, Stderr: &buf})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	sink.Logger("store").Print("persisted")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "[store] ") {
		t.Errorf("file = %q", data)
	}
	if !strings.Contains(buf.String(), "persisted") {
		t.Error("stderr copy missing")
	}
}

func TestQuietWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	sink, err := Open(Options{Quiet: true, Stderr: &buf})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	sink.Logger("x").Print("dropped")
	if buf.Len() != 0 {
		t.Errorf("quiet sink wrote %q", buf.String())
	}
	if err := sink.Rotate(); err != nil {
		t.Errorf("Rotate() without file = %v", err)
	}
}

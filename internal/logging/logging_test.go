package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadTail_NoFileConfigured(t *testing.T) {
	got, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "" {
		t.Errorf("ReadTail without a log file = %q, want empty", got)
	}
}

func TestInitAndReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "service.log")
	Init(path)
	defer func() {
		log.SetOutput(os.Stdout)
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
		logPath = ""
	}()

	log.Printf("first line")
	log.Printf("second line")
	log.Printf("third line")

	got, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2 (%q)", len(lines), got)
	}
	if !strings.Contains(lines[0], "second line") || !strings.Contains(lines[1], "third line") {
		t.Errorf("tail = %q", got)
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err = ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail after clear: %v", err)
	}
	if got != "" {
		t.Errorf("log should be empty after clear, got %q", got)
	}
}

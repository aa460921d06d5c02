package utils

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func listBackups(t *testing.T, dir, prefix string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix+"-") {
			backups = append(backups, name)
		}
	}
	return backups
}

func TestNewLogRotator(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "engine.log")

	config := &RotationConfig{
		Filename:   logFile,
		MaxSize:    1, // 1 MB
		MaxAge:     7,
		MaxBackups: 3,
		Compress:   false,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	// Check file was created
	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("Log file was not created")
	}
}

func TestNewLogRotator_Validation(t *testing.T) {
	if _, err := NewLogRotator(nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := NewLogRotator(&RotationConfig{}); err == nil {
		t.Error("Expected error for empty filename")
	}
}

func TestLogRotator_Write(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "engine.log")

	config := &RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 3,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	message := "cache maintenance sweep complete\n"
	n, err := rotator.Write([]byte(message))
	if err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if n != len(message) {
		t.Errorf("Expected to write %d bytes, wrote %d", len(message), n)
	}

	if err := rotator.Sync(); err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if string(content) != message {
		t.Errorf("Expected content %q, got %q", message, string(content))
	}
}

func TestLogRotator_SizeBasedRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "engine.log")

	config := &RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 3,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	_, _ = rotator.Write([]byte(strings.Repeat("entry\n", 100)))

	// Pretend the size limit has already been reached
	rotator.size = 2 * 1024 * 1024

	_, _ = rotator.Write([]byte("trigger rotation\n"))

	if backups := listBackups(t, tmpDir, "engine"); len(backups) == 0 {
		t.Error("Backup file was not created after rotation")
	}
}

func TestLogRotator_Rotate(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "engine.log")

	config := &RotationConfig{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	_, _ = rotator.Write([]byte("before rotation\n"))
	_ = rotator.Sync()

	if err := rotator.Rotate(); err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}

	if backups := listBackups(t, tmpDir, "engine"); len(backups) == 0 {
		t.Error("Backup file was not created after forced rotation")
	}

	newMessage := "after rotation\n"
	_, _ = rotator.Write([]byte(newMessage))
	_ = rotator.Sync()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if string(content) != newMessage {
		t.Errorf("Expected new file to contain %q, got %q", newMessage, string(content))
	}
}

func TestLogRotator_Compression(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "engine.log")

	config := &RotationConfig{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
		Compress:   true,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	original := "compressed entry\n"
	_, _ = rotator.Write([]byte(original))
	_ = rotator.Sync()

	if err := rotator.Rotate(); err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}

	var gzBackup string
	for _, name := range listBackups(t, tmpDir, "engine") {
		if strings.HasSuffix(name, ".gz") {
			gzBackup = name
		} else if strings.HasSuffix(name, ".log") {
			t.Errorf("Uncompressed backup %s left behind", name)
		}
	}
	if gzBackup == "" {
		t.Fatal("Compressed backup was not created")
	}

	// Decompress and verify content survived
	file, err := os.Open(filepath.Join(tmpDir, gzBackup))
	if err != nil {
		t.Fatalf("Failed to open backup: %v", err)
	}
	defer func() { _ = file.Close() }()

	reader, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("Failed to create gzip reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	content, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("Failed to decompress backup: %v", err)
	}
	if string(content) != original {
		t.Errorf("Expected decompressed content %q, got %q", original, string(content))
	}
}

func TestLogRotator_MaxBackupsCleanup(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "engine.log")

	// Seed old backups with spread-out modification times
	old := []string{
		"engine-2024-01-01T00-00-00.log",
		"engine-2024-01-02T00-00-00.log",
		"engine-2024-01-03T00-00-00.log",
	}
	for i, name := range old {
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, []byte("old\n"), 0644); err != nil {
			t.Fatalf("Failed to seed backup: %v", err)
		}
		mtime := time.Now().Add(-time.Duration(len(old)-i) * time.Hour)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("Failed to age backup: %v", err)
		}
	}

	config := &RotationConfig{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 2,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	_, _ = rotator.Write([]byte("current\n"))
	_ = rotator.Sync()

	// Rotation adds a fourth backup and must trim back down to MaxBackups
	if err := rotator.Rotate(); err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}

	backups := listBackups(t, tmpDir, "engine")
	if len(backups) != 2 {
		t.Errorf("Expected 2 backups after cleanup, got %d: %v", len(backups), backups)
	}
	for _, name := range backups {
		if name == old[0] || name == old[1] {
			t.Errorf("Oldest backup %s should have been removed", name)
		}
	}
}

func TestLogRotator_MaxAgeCleanup(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "engine.log")

	stale := filepath.Join(tmpDir, "engine-2024-01-01T00-00-00.log")
	if err := os.WriteFile(stale, []byte("stale\n"), 0644); err != nil {
		t.Fatalf("Failed to seed backup: %v", err)
	}
	mtime := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(stale, mtime, mtime); err != nil {
		t.Fatalf("Failed to age backup: %v", err)
	}

	config := &RotationConfig{
		Filename: logFile,
		MaxSize:  10,
		MaxAge:   7,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer func() { _ = rotator.Close() }()

	_, _ = rotator.Write([]byte("current\n"))
	if err := rotator.Rotate(); err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Backup older than MaxAge should have been removed")
	}
}

package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

func TestExecute(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	tests := []struct {
		name           string
		command        string
		expectedCode   int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test\n",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error\n",
		},
		{
			name:           "non-zero exit is not an error",
			command:        "exit 3",
			expectedCode:   3,
			expectedStderr: "boom\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Execute(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.ExitCode != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, result.ExitCode)
			}
			if result.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, result.Stdout)
			}
			if result.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, result.Stderr)
			}
			if result.FinishedAt.Before(result.StartedAt) {
				t.Error("finished before started")
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Execute(ctx, "sleep 10")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Errorf("expected IsTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("execute did not return promptly after the deadline")
	}

	// The connection survives a timed-out command.
	if _, err := client.Execute(context.Background(), "true"); err != nil {
		t.Errorf("follow-up command failed: %v", err)
	}
}

func TestUploadAndReadFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	remotePath := filepath.Join(t.TempDir(), "nested", "dir", "task.sh")
	content := []byte("#!/bin/sh\necho hello\n")

	if err := client.Upload(context.Background(), content, remotePath, 0750); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	got, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("expected content %q, got %q", content, got)
	}

	info, err := os.Stat(remotePath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("expected mode 0750, got %v", info.Mode().Perm())
	}
	if _, err := os.Stat(remotePath + ".pilot-tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	read, err := client.ReadFile(context.Background(), remotePath)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(read) != string(content) {
		t.Errorf("expected read content %q, got %q", content, read)
	}
}

func TestUploadCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remotePath := filepath.Join(t.TempDir(), "never.txt")
	if err := client.Upload(ctx, []byte("data"), remotePath, 0644); err == nil {
		t.Fatal("expected cancelled upload to fail")
	}
	if _, err := os.Stat(remotePath); !os.IsNotExist(err) {
		t.Error("cancelled upload created the file")
	}
}

func TestPoolReusesClients(t *testing.T) {
	server := newTestSSHServer(t)
	pool := NewPool()
	defer pool.Close()

	ctx := context.Background()
	config := testConfig(server)

	first, err := pool.Get(ctx, config)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	second, err := pool.Get(ctx, testConfig(server))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if first != second {
		t.Error("expected the cached client to be reused")
	}
	if pool.Len() != 1 {
		t.Errorf("expected 1 cached client, got %d", pool.Len())
	}

	pool.Evict(config)
	if pool.Len() != 0 {
		t.Errorf("expected empty pool after evict, got %d", pool.Len())
	}
	if first.IsConnected() {
		t.Error("expected evicted client to be disconnected")
	}
}

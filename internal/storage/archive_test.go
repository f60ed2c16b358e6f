package storage

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	var out []byte
	var err error
	if runtime.GOOS == "windows" {
		out, err = runCommand(ctx, "cmd", []string{"/C", "echo", "ok"}, []byte("input"))
	} else {
		out, err = runCommand(ctx, "sh", []string{"-c", "cat >/dev/null; echo ok"}, []byte("input"))
	}
	if err != nil {
		t.Fatalf("err: %v out: %s", err, strings.TrimSpace(string(out)))
	}
	if !strings.Contains(string(out), "ok") {
		t.Fatalf("out: %s", out)
	}
}

func TestArchivePutDisabled(t *testing.T) {
	archive := ReportArchive{}
	if _, err := archive.Put(context.Background(), "reports/r/p.json", []byte("{}")); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("err: %v", err)
	}
}

func TestArchivePutInvalidKey(t *testing.T) {
	archive := ReportArchive{Bucket: "bucket"}
	for _, key := range []string{" ", "/", "reports/../secrets"} {
		if _, err := archive.Put(context.Background(), key, []byte("{}")); !errors.Is(err, ErrInvalidObjectKey) {
			t.Fatalf("key %q: err %v", key, err)
		}
	}
}

func TestArchivePut(t *testing.T) {
	archive := ReportArchive{Bucket: "bucket", Endpoint: "http://minio:9000", Prefix: "/changegate/"}
	oldRun := runCommand
	defer func() { runCommand = oldRun }()
	var gotArgs []string
	runCommand = func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
		if name != "aws" {
			t.Fatalf("cmd: %s", name)
		}
		gotArgs = append([]string(nil), args...)
		if string(stdin) != `{"plan_id":"p"}` {
			t.Fatalf("stdin: %s", string(stdin))
		}
		return nil, nil
	}
	uri, err := archive.Put(context.Background(), "reports/req_1/p.json", []byte(`{"plan_id":"p"}`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if uri != "s3://bucket/changegate/reports/req_1/p.json" {
		t.Fatalf("uri: %s", uri)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "--endpoint-url http://minio:9000") || !strings.Contains(joined, "--content-type application/json") {
		t.Fatalf("args: %v", gotArgs)
	}
	if gotArgs[len(gotArgs)-1] != uri || gotArgs[len(gotArgs)-2] != "-" {
		t.Fatalf("args: %v", gotArgs)
	}
}

func TestArchivePutError(t *testing.T) {
	archive := ReportArchive{Bucket: "bucket"}
	oldRun := runCommand
	defer func() { runCommand = oldRun }()
	runCommand = func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
		return []byte("AccessDenied"), errors.New("exit status 1")
	}
	_, err := archive.Put(context.Background(), "reports/r/p.json", []byte("{}"))
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("expected error with output, got %v", err)
	}
}

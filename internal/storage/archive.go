package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

var ErrArchiveDisabled = errors.New("report archive disabled")
var ErrInvalidObjectKey = errors.New("invalid object key")

var runCommand = func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// ReportArchive copies execution reports into an S3-compatible bucket with
// the aws CLI. Objects are written once and never overwritten in place by
// the engine; a rerun of the same plan replaces the previous report.
type ReportArchive struct {
	Endpoint string
	Bucket   string
	Prefix   string
}

func (a ReportArchive) Enabled() bool {
	return strings.TrimSpace(a.Bucket) != ""
}

func (a ReportArchive) Put(ctx context.Context, key string, data []byte) (string, error) {
	uri, err := a.objectURI(key)
	if err != nil {
		return "", err
	}
	args := []string{"s3", "cp", "--only-show-errors", "--content-type", "application/json"}
	if a.Endpoint != "" {
		args = append(args, "--endpoint-url", a.Endpoint)
	}
	args = append(args, "-", uri)
	out, err := runCommand(ctx, "aws", args, data)
	if err != nil {
		return "", fmt.Errorf("aws s3 cp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return uri, nil
}

func (a ReportArchive) objectURI(key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" || strings.Contains(trimmed, "..") {
		return "", ErrInvalidObjectKey
	}
	if !a.Enabled() {
		return "", ErrArchiveDisabled
	}
	if p := strings.Trim(a.Prefix, "/"); p != "" {
		trimmed = path.Join(p, trimmed)
	}
	return fmt.Sprintf("s3://%s/%s", a.Bucket, trimmed), nil
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

func TestNew_Kinds(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "<nil>"},
		{Config{Kind: "none"}, "<nil>"},
		{Config{Kind: "log"}, "*backup.LogTarget"},
		{Config{Kind: "memory"}, "*backup.MemoryTarget"},
		{Config{Kind: "dir", Dir: t.TempDir()}, "*backup.DirTarget"},
		{Config{Kind: "webhook", WebhookURL: "https://example.com/hook"}, "*backup.WebhookTarget"},
	}
	for _, tt := range tests {
		target, err := New(ctx, tt.cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("New(%q) error: %v", tt.cfg.Kind, err)
		}
		if got := fmt.Sprintf("%T", target); got != tt.want {
			t.Errorf("New(%q) = %s, want %s", tt.cfg.Kind, got, tt.want)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Kind: "ftp"}, zerolog.Nop()); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
	if _, err := New(ctx, Config{Kind: "s3"}, zerolog.Nop()); err == nil {
		t.Error("expected error for s3 without bucket")
	}
	if _, err := New(ctx, Config{Kind: "webhook", WebhookURL: "ftp://x"}, zerolog.Nop()); err == nil {
		t.Error("expected error for non-http webhook url")
	}
	if _, err := New(ctx, Config{Kind: "dir"}, zerolog.Nop()); err == nil {
		t.Error("expected error for dir without path")
	}
}

func TestLogTarget(t *testing.T) {
	ref, err := NewLogTarget(zerolog.Nop()).Upload(context.Background(), "k.json", []byte("{}"))
	if err != nil || ref != "k.json" {
		t.Errorf("expected k.json, nil; got %q, %v", ref, err)
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Target_Upload(t *testing.T) {
	fake := &fakeS3{}
	target := newS3Target(fake, "clinic-backups", "meditrack")

	ref, err := target.Upload(context.Background(), "meditrack-backup-1.json", []byte(`{"patients":[]}`))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if ref != "s3://clinic-backups/meditrack/meditrack-backup-1.json" {
		t.Errorf("unexpected ref %s", ref)
	}
	if aws.ToString(fake.input.Bucket) != "clinic-backups" {
		t.Errorf("unexpected bucket %s", aws.ToString(fake.input.Bucket))
	}
	if aws.ToString(fake.input.Key) != "meditrack/meditrack-backup-1.json" {
		t.Errorf("unexpected key %s", aws.ToString(fake.input.Key))
	}
	if aws.ToString(fake.input.ContentType) != "application/json" {
		t.Errorf("unexpected content type %s", aws.ToString(fake.input.ContentType))
	}
	if string(fake.body) != `{"patients":[]}` {
		t.Errorf("unexpected body %s", fake.body)
	}
}

func TestS3Target_NoPrefix(t *testing.T) {
	target := newS3Target(&fakeS3{}, "b", "")
	if got := target.objectKey("k.json"); got != "k.json" {
		t.Errorf("expected k.json, got %s", got)
	}
}

func TestS3Target_Error(t *testing.T) {
	boom := errors.New("access denied")
	target := newS3Target(&fakeS3{err: boom}, "b", "")
	if _, err := target.Upload(context.Background(), "k.json", nil); !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := SignPayload(payload, "secret")
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected signature with wrong secret to fail")
	}
}

func TestWebhookTarget_Upload(t *testing.T) {
	var gotSig, gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotKey = r.Header.Get(HeaderKey)
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"fileId":"drive-123"}`))
	}))
	defer srv.Close()

	target, err := NewWebhookTarget(srv.URL, "secret")
	if err != nil {
		t.Fatalf("NewWebhookTarget() error: %v", err)
	}
	payload := []byte(`{"patients":[]}`)
	ref, err := target.Upload(context.Background(), "meditrack-backup-1.json", payload)
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if ref != "drive-123" {
		t.Errorf("expected receiver file id, got %s", ref)
	}
	if gotKey != "meditrack-backup-1.json" {
		t.Errorf("unexpected key header %s", gotKey)
	}
	if gotSig != "sha256="+SignPayload(payload, "secret") {
		t.Errorf("unexpected signature %s", gotSig)
	}
	if string(gotBody) != string(payload) {
		t.Errorf("unexpected body %s", gotBody)
	}
}

func TestWebhookTarget_Unsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSignature) != "" {
			t.Error("expected no signature without secret")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	target, _ := NewWebhookTarget(srv.URL, "")
	ref, err := target.Upload(context.Background(), "k.json", []byte("{}"))
	if err != nil || ref != "k.json" {
		t.Errorf("expected k.json, nil; got %q, %v", ref, err)
	}
}

func TestWebhookTarget_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	target, _ := NewWebhookTarget(srv.URL, "")
	_, err := target.Upload(context.Background(), "k.json", []byte("{}"))
	if err == nil || !strings.Contains(err.Error(), "507") {
		t.Errorf("expected 507 error, got %v", err)
	}
}

func TestWebhookTarget_Timestamp(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(HeaderTimestamp)
	}))
	defer srv.Close()

	target, _ := NewWebhookTarget(srv.URL, "")
	target.now = func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	target.Upload(context.Background(), "k.json", nil)
	if got != "2024-06-01T09:00:00Z" {
		t.Errorf("unexpected timestamp %s", got)
	}
}

func TestDirTarget_Upload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	target, err := NewDirTarget(dir)
	if err != nil {
		t.Fatalf("NewDirTarget() error: %v", err)
	}

	ref, err := target.Upload(context.Background(), "meditrack-backup-1.json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if ref != filepath.Join(dir, "meditrack-backup-1.json") {
		t.Errorf("unexpected ref %s", ref)
	}
	b, err := os.ReadFile(ref)
	if err != nil || string(b) != `{"ok":true}` {
		t.Errorf("unexpected file contents %q, %v", b, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the snapshot file, got %d entries", len(entries))
	}
}

func TestDirTarget_KeyCannotEscape(t *testing.T) {
	dir := t.TempDir()
	target, _ := NewDirTarget(dir)
	ref, err := target.Upload(context.Background(), "../../etc/evil.json", []byte("{}"))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if filepath.Dir(ref) != dir {
		t.Errorf("expected file inside %s, got %s", dir, ref)
	}
}

func TestDirTarget_CancelledContext(t *testing.T) {
	target, _ := NewDirTarget(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := target.Upload(ctx, "k.json", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryTarget(t *testing.T) {
	target := NewMemoryTarget()
	payload := []byte("abc")
	ref, err := target.Upload(context.Background(), "k.json", payload)
	if err != nil || ref != "memory://k.json" {
		t.Fatalf("unexpected result %q, %v", ref, err)
	}
	payload[0] = 'x'
	got, ok := target.Get("k.json")
	if !ok || string(got) != "abc" {
		t.Errorf("expected stored copy abc, got %q", got)
	}
	if target.Len() != 1 {
		t.Errorf("expected 1 object, got %d", target.Len())
	}
}

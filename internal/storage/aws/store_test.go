package aws

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/storage/storagetest"
)

func TestClassifyPutObjectError(t *testing.T) {
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed"}
	missing := &smithy.GenericAPIError{Code: "NoSuchKey"}
	other := &smithy.GenericAPIError{Code: "AccessDenied"}

	if got := classifyPutObjectError(precondition, false); got != storage.ErrCASMismatch {
		t.Fatalf("precondition: got %v", got)
	}
	if got := classifyPutObjectError(missing, true); got != storage.ErrNotFound {
		t.Fatalf("missing with etag: got %v", got)
	}
	if got := classifyPutObjectError(missing, false); got != nil {
		t.Fatalf("missing without etag: got %v", got)
	}
	if got := classifyPutObjectError(other, true); got != nil {
		t.Fatalf("access denied: got %v", got)
	}
}

func TestWrapErrorMarksRetryable(t *testing.T) {
	s := &Store{}
	err := s.wrapError(context.DeadlineExceeded, "aws: put object")
	if !storage.IsTransient(err) {
		t.Fatalf("expected deadline to be transient: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped cause to survive: %v", err)
	}
	if storage.IsTransient(s.wrapError(errors.New("boom"), "")) {
		t.Fatal("plain error must not be transient")
	}
}

func TestObjectKeyMapping(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "tenant"}}
	if got := s.objectKey("attractor", "mailbox/x/msg/1"); got != "tenant/attractor/mailbox/x/msg/1" {
		t.Fatalf("unexpected object key %q", got)
	}
	s = &Store{}
	if got := s.objectKey("attractor", ""); got != "attractor" {
		t.Fatalf("unexpected namespace root %q", got)
	}
}

func TestEndpointURL(t *testing.T) {
	if got := endpointURL("localhost:9000", true); got != "http://localhost:9000" {
		t.Fatalf("got %q", got)
	}
	if got := endpointURL("s3.example.com", false); got != "https://s3.example.com" {
		t.Fatalf("got %q", got)
	}
	if got := endpointURL("http://x", false); got != "http://x" {
		t.Fatalf("got %q", got)
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected missing region error")
	}
}


// TestAWSBackendSuite runs against a real bucket when ATTRACTOR_TEST_AWS_BUCKET
// is set; credentials come from the default AWS chain.
func TestAWSBackendSuite(t *testing.T) {
	bucket := os.Getenv("ATTRACTOR_TEST_AWS_BUCKET")
	if bucket == "" {
		t.Skip("ATTRACTOR_TEST_AWS_BUCKET not set")
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	store, err := New(Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ATTRACTOR_TEST_AWS_ENDPOINT"),
		Prefix:   "attractor-test/" + time.Now().UTC().Format("20060102T150405"),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	storagetest.Run(t, store, storagetest.Options{})
}

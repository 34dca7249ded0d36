package azure

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/storage/storagetest"
)

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=b", "sv=1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?a=b&sv=1" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestObjectBlobNaming(t *testing.T) {
	s := &Store{prefix: "tenant"}
	name, err := s.objectBlob("attractor", "mailbox/a b/msg/1")
	if err != nil {
		t.Fatalf("object blob: %v", err)
	}
	if name != "tenant/attractor/mailbox/a%20b/msg/1" {
		t.Fatalf("unexpected blob name %q", name)
	}
	if _, err := s.objectBlob("attractor", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if root := s.namespaceRoot("attractor"); root != "tenant/attractor/" {
		t.Fatalf("unexpected namespace root %q", root)
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	missing := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	busy := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	denied := &azcore.ResponseError{StatusCode: http.StatusForbidden}

	if !isPreconditionFailed(precondition) || isPreconditionFailed(missing) {
		t.Fatal("precondition classification wrong")
	}
	if !isNotFound(missing) || isNotFound(precondition) {
		t.Fatal("not-found classification wrong")
	}
	if err := wrapError(busy, "azure: upload"); !storage.IsTransient(err) {
		t.Fatalf("expected 503 to be transient: %v", err)
	}
	if err := wrapError(denied, "azure: upload"); storage.IsTransient(err) {
		t.Fatalf("expected 403 to be permanent: %v", err)
	}
	if err := wrapError(denied, "azure: upload"); !errors.As(err, new(*azcore.ResponseError)) {
		t.Fatalf("expected cause preserved: %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected missing account error")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected missing container error")
	}
	if _, err := New(Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected missing credential error")
	}
}

// TestAzureBackendSuite runs against Azurite or a real account when
// ATTRACTOR_TEST_AZURE_ENDPOINT is set.
func TestAzureBackendSuite(t *testing.T) {
	endpoint := os.Getenv("ATTRACTOR_TEST_AZURE_ENDPOINT")
	if endpoint == "" {
		t.Skip("ATTRACTOR_TEST_AZURE_ENDPOINT not set")
	}
	store, err := New(Config{
		Account:    os.Getenv("ATTRACTOR_TEST_AZURE_ACCOUNT"),
		AccountKey: os.Getenv("ATTRACTOR_TEST_AZURE_KEY"),
		Endpoint:   endpoint,
		Container:  "attractor-test",
		Prefix:     time.Now().UTC().Format("20060102T150405"),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	storagetest.Run(t, store, storagetest.Options{})
}

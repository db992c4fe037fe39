package savefile

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

func TestOpenRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "ftp://host/x", "s3://host/onlybucket", "file://"} {
		if _, err := Open(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFileStoreAppendLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dsv.save")

	store, err := Open("file://" + path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// A store that was never written loads empty.
	data, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty stream, got %q", data)
	}

	if err := store.Append(ctx, []byte("[1]/A=1;")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, []byte("[1]/A=2;[1]/B=x;")); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != "[1]/A=1;[1]/A=2;[1]/B=x;" {
		t.Fatalf("stream %q", data)
	}
}

func TestFileStoreBarePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsv.save")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Location() != "file://"+path {
		t.Fatalf("location %q", store.Location())
	}
}

func TestS3StoreAppendLoad(t *testing.T) {
	backend := s3mem.New()
	fake := gofakes3.New(backend)
	server := httptest.NewServer(fake.Server())
	defer server.Close()
	if err := backend.CreateBucket("dsv-test"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	endpoint := strings.TrimPrefix(server.URL, "http://")
	store, err := Open("s3://" + endpoint + "/dsv-test/dsv.save?insecure=1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx := context.Background()
	data, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load missing key: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty stream, got %q", data)
	}

	if err := store.Append(ctx, []byte("[1]/A=1;")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, []byte("[1]/A=2;")); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != "[1]/A=1;[1]/A=2;" {
		t.Fatalf("stream %q", data)
	}
}

package blob

import (
	"bytes"
	"context"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"index.html":          "index.html",
		"assets/img/logo.png": "assets_img_logo.png",
		"../../etc/passwd":    ".._.._etc_passwd",
		"weird name!.txt":     "weird_name_.txt",
		"..":                  "_",
		"":                    "_",
	}
	for input, want := range cases {
		if got := SanitizeName(input); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	payload := []byte("ciphertext bytes")
	if err := store.Put(ctx, "example.com", "abc123", "index.html", payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "example.com", "abc123", "index.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestFilesystemStoreMissingBlob(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Get(context.Background(), "example.com", "abc123", "missing"); err == nil {
		t.Fatal("expected error for missing blob")
	}
}

func TestFilesystemStoreConfinesTraversal(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	// Hostile key segments are sanitized into the root, never outside it.
	if err := store.Put(ctx, "../escape", "../../hash", "../../../etc/passwd", []byte("x")); err != nil {
		t.Fatalf("put sanitized hostile key: %v", err)
	}
	if _, err := store.Get(ctx, "../escape", "../../hash", "../../../etc/passwd"); err != nil {
		t.Fatalf("get sanitized hostile key: %v", err)
	}
}

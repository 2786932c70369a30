package upload

import (
	"strings"
	"testing"
	"time"
)

func TestBuildObjectKeyScheme(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := BuildObjectKey(42, "Front Door.jpg", now)
	if !strings.HasPrefix(key, "property-images/user-42/") {
		t.Fatalf("key missing user prefix: %q", key)
	}
	if !strings.HasSuffix(key, "-FrontDoor.jpg") {
		t.Fatalf("key must keep sanitized stem and extension: %q", key)
	}
}

func TestBuildObjectKeyWithoutUser(t *testing.T) {
	key := BuildObjectKey(0, "a.png", time.Now())
	if strings.Contains(key, "user-") {
		t.Fatalf("unexpected user prefix: %q", key)
	}
	if !strings.HasPrefix(key, "property-images/") {
		t.Fatalf("key missing scheme prefix: %q", key)
	}
}

func TestBuildObjectKeyBlocksPathTraversal(t *testing.T) {
	key := BuildObjectKey(7, "../../etc/passwd", time.Now())
	if strings.Contains(key, "..") {
		t.Fatalf("traversal sequence leaked into key: %q", key)
	}
	rest := strings.TrimPrefix(key, "property-images/user-7/")
	if strings.Contains(rest, "/") {
		t.Fatalf("filename must not contribute path separators: %q", key)
	}
}

func TestBuildObjectKeyDefaultExtension(t *testing.T) {
	key := BuildObjectKey(1, "noextension", time.Now())
	if !strings.HasSuffix(key, ".jpg") {
		t.Fatalf("expected default extension: %q", key)
	}
}

func TestBuildObjectKeyIsCollisionResistant(t *testing.T) {
	now := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := BuildObjectKey(1, "same.jpg", now)
		if seen[key] {
			t.Fatalf("duplicate key generated: %q", key)
		}
		seen[key] = true
	}
}

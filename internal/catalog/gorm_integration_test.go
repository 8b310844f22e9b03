package catalog

import (
	"os"
	"strings"
	"testing"
)

func TestGormStoreIntegrationLifecycle(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CURRICULUM_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("CURRICULUM_TEST_POSTGRES_DSN not set")
	}
	store, err := OpenGormStore(dsn)
	if err != nil {
		t.Fatalf("open gorm store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

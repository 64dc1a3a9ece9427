package memory

import (
	"testing"

	"distfs/internal/store"
	"distfs/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return NewStore()
	})
}

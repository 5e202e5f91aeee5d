package memory

import (
	"testing"

	"transithub/internal/store"
	"transithub/internal/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

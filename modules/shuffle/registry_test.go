package shuffle

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.User("app-1")
	assert.False(t, ok)

	r.Register("app-1", "alice")
	r.Register("app-2", "bob")

	u, ok := r.User("app-1")
	assert.True(t, ok)
	assert.Equal(t, "alice", u)
	assert.Equal(t, 2, r.Len())

	r.Unregister("app-1")
	_, ok = r.User("app-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())

	// unregistering twice is harmless
	r.Unregister("app-1")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appID := fmt.Sprintf("app-%d", i)
			r.Register(appID, "user")
			_, _ = r.User(appID)
			r.Unregister(appID)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}

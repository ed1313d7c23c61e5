package shuffle

import "sync"

// Registry tracks which user owns each running application. It is mutated
// only on application init/stop, never on the per-request path, so a plain
// RWMutex map is enough.
type Registry struct {
	mtx   sync.RWMutex
	users map[string]string
}

func NewRegistry() *Registry {
	return &Registry{users: map[string]string{}}
}

// Register records the owning user of an application.
func (r *Registry) Register(appID, user string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.users[appID] = user
}

// Unregister forgets an application.
func (r *Registry) Unregister(appID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.users, appID)
}

// User returns the owning user of an application, if registered.
func (r *Registry) User(appID string) (string, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	u, ok := r.users[appID]
	return u, ok
}

// Len returns the number of registered applications.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.users)
}

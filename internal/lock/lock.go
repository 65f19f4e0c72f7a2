// Package lock serializes work per invoice id. The in-process Local
// locker suits a single instance; Redis extends the same contract across
// instances sharing one ledger.
package lock

import "context"

// Locker grants exclusive access to a key until the returned release
// function is called. Lock blocks until the key is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

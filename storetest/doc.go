// Package storetest provides reusable contract tests for callcache.Store
// implementations.
//
// Example pattern (driver test):
//
//	func TestRedisStoreContract(t *testing.T) {
//		mr := miniredis.RunT(t)
//		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
//		store := callcache.NewRedisStore(context.Background(), client)
//
//		storetest.RunStoreContract(t, store, storetest.Options{
//			Advance: mr.FastForward,
//		})
//	}
package storetest

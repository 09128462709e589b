// Package statecache is a client-side cache and sync layer between UI views and
// a remote API. Views subscribe to hierarchical keys and get fast reads of
// server state that stays fresh under concurrent access.
//
// Components:
//   - Store: key -> entry table with versions, observer counts and staleness.
//   - Orchestrator: at most one in-flight fetch per key, shared by every awaiter.
//   - Invalidator: semantic events -> key prefixes; observed matches refetch,
//     the rest are marked stale and revalidate lazily.
//   - Coordinator: optimistic patches with exact snapshot rollback.
//   - Prefetcher: route-map and visit-frequency driven warmups.
//   - Syncer: periodic refresh of live keys while foregrounded.
//   - Sweeper: evicts entries that are unobserved and past retention.
//
// Keys:
//
//	NewKey("performance", "u1")                       // performance/u1
//	NewKey("quiz", "q9", Filter{"difficulty": "hard"}) // quiz/q9/f:<digest>
//
// A key is a prefix of every longer key sharing its leading segments, so
// invalidating NewKey("performance") covers every user's performance entry.
//
// Fetch results are written only if the key's generation is unchanged since
// the fetch started; responses for keys evicted mid-flight are dropped.
//
// Typical use:
//
//	cl, _ := statecache.New[Stats](statecache.Options[Stats]{Loaders: loaders})
//	defer cl.Close()
//	sub, _ := cl.Subscribe(ctx, statecache.NewKey("performance", userID))
//	defer sub.Close()
//	v, ok, err := sub.Value(ctx) // err with ok: stale-but-available
package statecache

// Package idxcas implements get-or-create-or-update for records that are
// reachable both by a generated primary id and by a unique numeric index
// value, on backends that only offer per-key atomicity plus either
// server-side scripting or optimistic transactions.
//
// Components:
//   - backend.Backend: record store + unique index, an atomic conditional
//     apply (Apply) and an optimistic lock (Watch). Implementations for
//     redis (Lua + WATCH/MULTI) and badger (SSI transactions).
//   - Store: Upsert runs a bounded retry loop over one of two protocols,
//     ProtocolCAS (default) or ProtocolWatch.
//   - A batching proxy in front of the two reads the protocols need. Misses
//     are grouped into one backend call per window; replies are cached for
//     a short TTL (bigcache, ristretto or redis providers).
//
// Cached reads may be stale by up to CacheTTL. Every commit re-validates the
// index owner and version atomically, so staleness costs a retry, never a
// lost update or a duplicate index entry.
//
// Usage:
//
//	be, _ := redisbackend.New(redisbackend.Config{Client: rdb, Namespace: "acct"})
//	st, _ := idxcas.New(idxcas.Options{Backend: be})
//	rec, err := st.Upsert(ctx, 42, func(cur *idxcas.Record) (map[string]any, error) {
//	    if cur == nil {
//	        return map[string]any{"balance": 0}, nil
//	    }
//	    b, _ := strconv.Atoi(cur.Fields["balance"])
//	    return map[string]any{"balance": b + 10}, nil
//	})
package idxcas

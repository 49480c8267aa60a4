// Package ring implements a consistent hashing ring with virtual nodes.
// It maps cache keys to worker nodes while minimizing key movement when
// membership changes and resolves ordered candidate lists (primary plus
// fallbacks) for replica-aware reads. A built Ring is immutable; membership
// changes produce a new Ring.
package ring

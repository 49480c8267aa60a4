// Package fallback runs an operation against an ordered list of candidate
// workers, moving to the next candidate on failure until one succeeds or
// the list is exhausted. Attempts are sequential; the number of attempts is
// bounded by the number of candidates.
package fallback

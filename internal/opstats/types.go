// Package opstats is a Redis-backed cache of operator-facing
// statistics: per-worker hashrate history, per-address solved counts,
// and the upstream health snapshot the API layer serves. It is a
// cheap, lossy, rebuildable view next to the ledger's authoritative
// receipt/error log, not itself a source of truth.
package opstats

// UpstreamStatus is a point-in-time health snapshot of one configured
// network endpoint.
type UpstreamStatus struct {
	Name    string `json:"name"`
	Weight  int    `json:"weight"`
	Healthy bool   `json:"healthy"`
	Active  bool   `json:"active"`
}

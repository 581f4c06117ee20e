package api

import (
	"net/http"
	"sort"
)

// handleListBreakers implements GET /v1/breakers.
func (d *Dependencies) handleListBreakers(w http.ResponseWriter, _ *http.Request) {
	snaps := d.Breaker.Snapshots()
	out := make([]BreakerResp, 0, len(snaps))
	for name, s := range snaps {
		b := BreakerResp{
			Guard:             name,
			State:             s.State.String(),
			Failures:          s.Failures,
			HalfOpenSuccesses: s.HalfOpenSuccesses,
		}
		if !s.OpenedAt.IsZero() {
			t := s.OpenedAt
			b.OpenedAt = &t
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Guard < out[j].Guard })
	writeJSON(w, http.StatusOK, out)
}

// handleResetBreaker implements POST /v1/breakers/{guard}/reset. Only
// registered guards have circuits worth resetting.
func (d *Dependencies) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	guard := r.PathValue("guard")
	if !d.knownGuard(guard) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Unknown guard."})
		return
	}
	d.Breaker.Reset(guard)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetLoad implements GET /v1/load.
func (d *Dependencies) handleGetLoad(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Shedder.Stats())
}

// handleGetPools implements GET /v1/pools.
func (d *Dependencies) handleGetPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Pools.Stats())
}

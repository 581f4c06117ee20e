package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	rows, err := d.Policies.ListGuardPolicies(r.Context())
	if err != nil {
		d.Logger.Error("failed to list policies", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list policies"})
		return
	}
	out := make([]PolicyResp, 0, len(rows))
	for _, row := range rows {
		out = append(out, policyToResp(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	guard := r.PathValue("guard")
	if !d.knownGuard(guard) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Unknown guard."})
		return
	}

	var req engine.GuardPolicy
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Severity != nil {
		if _, err := engine.ParseThreatLevel(*req.Severity); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
			return
		}
	}

	row, err := d.Policies.UpsertGuardPolicy(r.Context(), guard, req)
	if err != nil {
		d.Logger.Error("failed to upsert policy", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update policy"})
		return
	}
	if err := d.ReloadPolicies(r.Context()); err != nil {
		d.Logger.Error("failed to reload policies", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, policyToResp(*row))
}

func (d *Dependencies) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	err := d.Policies.DeleteGuardPolicy(r.Context(), r.PathValue("guard"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Policy not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete policy", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete policy"})
		return
	}
	if err := d.ReloadPolicies(r.Context()); err != nil {
		d.Logger.Error("failed to reload policies", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadPolicies reads the stored overrides and applies them to the engine
// over BasePolicies.
func (d *Dependencies) ReloadPolicies(ctx context.Context) error {
	pc, err := d.Policies.LoadPolicyConfig(ctx)
	if err != nil {
		return err
	}
	d.Engine.SetPolicies(d.BasePolicies.Merge(pc))
	return nil
}

func (d *Dependencies) knownGuard(name string) bool {
	for _, r := range d.Engine.Guards() {
		if r.Name() == name {
			return true
		}
	}
	return false
}

func policyToResp(row store.GuardPolicyRow) PolicyResp {
	return PolicyResp{
		Guard:     row.GuardName,
		Policy:    row.Policy,
		UpdatedAt: row.UpdatedAt,
	}
}

package guards

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

// Each protected field's spelling variants contain at least one token.
var massAssignmentTokens = []string{
	"admin", "role", "permission", "superuser", "staff", "verified",
	"balance", "credit", "user_id", "userid", "user-id", "owner", "account",
	"password", "api_key", "apikey", "api-key",
}

// protectedFields are normalized: lowercase with '_' and '-' removed.
var protectedFields = map[string]bool{
	"isadmin": true, "admin": true, "role": true, "roles": true,
	"permissions": true, "issuperuser": true, "superuser": true, "isstaff": true,
	"verified": true, "emailverified": true, "balance": true, "credits": true,
	"userid": true, "ownerid": true, "accountid": true, "passwordhash": true,
	"apikey": true,
}

var privilegedValues = map[string]bool{
	"admin": true, "administrator": true, "root": true, "superuser": true, "owner": true,
}

// MassAssignment detects write requests that set server-owned fields.
type MassAssignment struct {
	base
}

func NewMassAssignment(cache *pool.PatternCache) *MassAssignment {
	return &MassAssignment{
		base: newBase(cache, "mass_assignment", 60, engine.ThreatMedium, massAssignmentTokens, nil),
	}
}

func (g *MassAssignment) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	switch strings.ToUpper(in.Context.Method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete:
		return engine.Pass(g.name), nil
	}

	body, ok := in.ParsedBody()
	if !ok {
		return engine.Pass(g.name), nil
	}

	found := map[string]bool{}
	collectKeys(body, found, 0)
	if len(found) == 0 || ctx.Err() != nil {
		return engine.Pass(g.name), nil
	}

	fields := make([]string, 0, len(found))
	for f := range found {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	res := g.fail("protected fields in body: "+strings.Join(fields, ", "), "").
		WithMetadata("fields", fields)
	for _, v := range in.InputValues() {
		if privilegedValues[strings.ToLower(strings.TrimSpace(v))] {
			res = res.WithMetadata("privileged_value", true)
			break
		}
	}
	return res, nil
}

func collectKeys(v any, found map[string]bool, depth int) {
	if depth > maxBodyDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if protectedFields[normalizeField(k)] {
				found[k] = true
			}
			collectKeys(child, found, depth+1)
		}
	case []any:
		for _, child := range t {
			collectKeys(child, found, depth+1)
		}
	}
}

func normalizeField(k string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(k))
}

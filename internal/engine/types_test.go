package engine

import (
	"context"
	"encoding/json"
	"testing"
)

func TestThreatLevel_ParseAndTier(t *testing.T) {
	tests := []struct {
		in   string
		want ThreatLevel
		tier int
	}{
		{"critical", ThreatCritical, 1},
		{"HIGH", ThreatHigh, 2},
		{" medium ", ThreatMedium, 3},
		{"low", ThreatLow, 4},
		{"none", ThreatNone, 4},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseThreatLevel(tt.in)
			if err != nil {
				t.Fatalf("ParseThreatLevel: %v", err)
			}
			if got != tt.want || got.Tier() != tt.tier {
				t.Errorf("got %v tier %d, want %v tier %d", got, got.Tier(), tt.want, tt.tier)
			}
		})
	}
	if _, err := ParseThreatLevel("severe"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestResult_JSONUsesLevelNames(t *testing.T) {
	data, err := json.Marshal(Fail("xss", ThreatCritical, "script tag"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"guard":"xss","passed":false,"severity":"critical","message":"script tag"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestResult_WithMetadataCopies(t *testing.T) {
	orig := Pass("ssrf").WithMetadata("host", "10.0.0.1")
	next := orig.WithMetadata("status", StatusTimeout)

	if _, ok := orig.Metadata["status"]; ok {
		t.Error("WithMetadata modified the receiver")
	}
	if next.Metadata["host"] != "10.0.0.1" || next.Metadata["status"] != StatusTimeout {
		t.Errorf("metadata = %v", next.Metadata)
	}
}

func TestInspectionContext_Payload(t *testing.T) {
	ic := &InspectionContext{
		Path:  "/search",
		Query: map[string][]string{"q": {"shoes"}, "page": {"2"}},
		Body:  []byte(`{"a":1}`),
	}
	if got, want := ic.Payload(), `/search 2 shoes {"a":1}`; got != want {
		t.Errorf("Payload() = %q, want %q", got, want)
	}
	var nilCtx *InspectionContext
	if nilCtx.Payload() != "" {
		t.Error("nil context should have empty payload")
	}
}

func TestSharedComputations(t *testing.T) {
	ic := &InspectionContext{
		Path:  "/q",
		Query: map[string][]string{"id": {"1%27%20OR%201%3D1"}},
		Body:  []byte(`{"user":{"name":"Bob","tags":["a","b"]},"n":3}`),
	}
	comps := BuiltinComputations()
	ctx := context.Background()

	parsed, err := comps[KeyParsedBody].Compute(ctx, ic)
	if err != nil {
		t.Fatalf("parsed_body: %v", err)
	}
	if m, ok := parsed.(map[string]any); !ok || m["n"] != float64(3) {
		t.Errorf("parsed_body = %#v", parsed)
	}

	decoded, _ := comps[KeyDecodedPayload].Compute(ctx, ic)
	if s := decoded.(string); s[:15] != "/q 1' or 1=1 {\"" {
		t.Errorf("decoded_payload = %q", s)
	}

	values, _ := comps[KeyInputValues].Compute(ctx, ic)
	got := values.([]string)
	want := []string{"1%27%20OR%201%3D1", "Bob", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("input_values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("input_values[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := comps[KeyParsedBody].Compute(ctx, &InspectionContext{Body: []byte("a=b")}); err == nil {
		t.Error("form body should not parse as JSON")
	}
}

type layeredGuard struct {
	stubGuard
	quick       *Result
	deepCalls   int
	inspectCall int
	hasDeep     bool
}

func (g *layeredGuard) QuickScan(context.Context, *Input) *Result { return g.quick }

func (g *layeredGuard) Inspect(context.Context, *Input) (*Result, error) {
	g.inspectCall++
	return Pass(g.name), nil
}

type deepGuard struct{ *layeredGuard }

func (g deepGuard) DeepInspect(context.Context, *Input) (*Result, error) {
	g.deepCalls++
	return Fail(g.name, ThreatHigh, "deep"), nil
}

func TestInvoke_Order(t *testing.T) {
	ctx := context.Background()
	in := &Input{Context: &InspectionContext{}}

	conclusive := &layeredGuard{stubGuard: stubGuard{name: "g"}, quick: Pass("g")}
	if _, err := invoke(ctx, conclusive, in); err != nil || conclusive.inspectCall != 0 {
		t.Errorf("conclusive quick scan should skip Inspect (calls %d)", conclusive.inspectCall)
	}

	inconclusive := &layeredGuard{stubGuard: stubGuard{name: "g"}}
	if _, _ = invoke(ctx, inconclusive, in); inconclusive.inspectCall != 1 {
		t.Errorf("inconclusive quick scan should fall through to Inspect (calls %d)", inconclusive.inspectCall)
	}

	deep := deepGuard{&layeredGuard{stubGuard: stubGuard{name: "g"}}}
	r, _ := invoke(ctx, deep, in)
	if deep.deepCalls != 1 || deep.inspectCall != 0 || r.Passed {
		t.Errorf("DeepInspect should replace Inspect (deep %d inspect %d)", deep.deepCalls, deep.inspectCall)
	}
}

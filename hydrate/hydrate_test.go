package hydrate

import (
	"testing"

	"github.com/petal-labs/petalstream/blocks"
	"github.com/petal-labs/petalstream/graph"
)

func firDef() *graph.GraphDefinition {
	return &graph.GraphDefinition{
		ID: "fir_chain",
		Blocks: []graph.BlockDef{
			{ID: "src", Type: "vector_source", Params: map[string]any{"data": []any{1.0, 2.0}}},
			{ID: "fir", Type: "fir_filter", Params: map[string]any{"taps": []any{1.0}}},
			{ID: "sink", Type: "vector_sink"},
		},
		Edges: []graph.EdgeDef{
			{Source: "src", Target: "fir"},
			{Source: "fir", Target: "sink"},
		},
	}
}

func TestParseSetFlags(t *testing.T) {
	got, err := ParseSetFlags([]string{"fir.taps=[1, 0.5, 0.25]", "src.repeat=true", "head.n=42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taps, ok := got["fir"]["taps"].([]any); !ok || len(taps) != 3 {
		t.Errorf("fir.taps = %v", got["fir"]["taps"])
	}
	if got["src"]["repeat"] != true {
		t.Errorf("src.repeat = %v, want true", got["src"]["repeat"])
	}
	if got["head"]["n"] != 42 {
		t.Errorf("head.n = %v (%T), want 42", got["head"]["n"], got["head"]["n"])
	}
}

func TestParseSetFlags_Invalid(t *testing.T) {
	for _, flag := range []string{"novalue", "nodot=1", ".param=1", "block.=1", "fir.taps=[1,"} {
		if _, err := ParseSetFlags([]string{flag}); err == nil {
			t.Errorf("ParseSetFlags(%q) should fail", flag)
		}
	}
}

func TestResolveOverrides_FlagsBeatEnv(t *testing.T) {
	t.Setenv("PETALSTREAM_SET_FIR__TAPS", "[2]")
	t.Setenv("PETALSTREAM_SET_SRC__REPEAT", "true")

	o, err := ResolveOverrides([]string{"fir.taps=[3]"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taps := o["fir"]["taps"].([]any); taps[0] != 3 {
		t.Errorf("fir.taps = %v, want flag value [3]", taps)
	}
	if o["src"]["repeat"] != true {
		t.Errorf("src.repeat = %v, want env value true", o["src"]["repeat"])
	}
}

func TestResolveOverrides_BadEnvName(t *testing.T) {
	t.Setenv("PETALSTREAM_SET_NOSEPARATOR", "1")
	if _, err := ResolveOverrides(nil); err == nil {
		t.Error("expected error for variable without block/param separator")
	}
}

func TestOverrides_ApplyDoesNotMutate(t *testing.T) {
	def := firDef()
	o := Overrides{"fir": {"taps": []any{0.5, 0.5}}}

	out, err := o.Apply(def)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if taps := out.Blocks[1].Params["taps"].([]any); len(taps) != 2 {
		t.Errorf("applied taps = %v", taps)
	}
	if taps := def.Blocks[1].Params["taps"].([]any); len(taps) != 1 {
		t.Errorf("original definition mutated: %v", taps)
	}

	if _, err := (Overrides{"ghost": {"n": 1}}).Apply(def); err == nil {
		t.Error("override for unknown block should fail")
	}
}

func TestBuild(t *testing.T) {
	fg, err := Build(firDef(), nil, Overrides{"fir": {"taps": []any{1, 1, 1}}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, ok := fg.Block("fir")
	if !ok {
		t.Fatal("fir block missing")
	}
	fir, ok := b.(*blocks.FIRFilter)
	if !ok {
		t.Fatalf("fir is %T", b)
	}
	if fir.History() != 3 {
		t.Errorf("History = %d, want 3 from overridden taps", fir.History())
	}
	if err := fg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBuild_Errors(t *testing.T) {
	if _, err := Build(nil, nil, nil); err == nil {
		t.Error("nil definition should fail")
	}
	def := firDef()
	def.Blocks[1].Type = "warp_drive"
	if _, err := Build(def, nil, nil); err == nil {
		t.Error("unknown block type should fail")
	}
}

package openai

import "testing"

func TestModelDimensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			if got := modelDimensions(tt.model); got != tt.want {
				t.Errorf("modelDimensions(%q) = %d, want %d", tt.model, got, tt.want)
			}
			p := &Provider{model: tt.model}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions() for %q = %d, want %d", tt.model, got, tt.want)
			}
			if got := p.ModelID(); got != tt.model {
				t.Errorf("ModelID() = %q, want %q", got, tt.model)
			}
		})
	}

	// Unknown models still report a usable positive dimension count.
	if got := modelDimensions("embedding-model-of-the-future"); got <= 0 {
		t.Errorf("unknown model dimensions = %d, want > 0", got)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty API key")
	}

	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("empty model = %q, want default %q", p.ModelID(), DefaultModel)
	}

	if _, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL("https://llm-gateway.internal"),
		WithOrganization("org-voxloop"),
	); err != nil {
		t.Fatalf("New with options: %v", err)
	}
}

func TestFloat64ToFloat32(t *testing.T) {
	t.Parallel()

	in := []float64{0.25, -1.5, 3.0}
	out := float64ToFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != float32(in[i]) {
			t.Errorf("out[%d] = %v, want %v", i, out[i], float32(in[i]))
		}
	}
}

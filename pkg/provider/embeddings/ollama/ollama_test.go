package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pearl-project/pearl/pkg/provider/embeddings/ollama"
)

// unreachable is a base URL no test server listens on, for tests that must
// not issue a request.
const unreachable = "http://127.0.0.1:1"

// embedServer serves /api/embed, asserting the requested model and returning
// one vector per input text from vecs.
func embedServer(t *testing.T, wantModel string, vecs [][]float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/embed" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model	string		`json:"model"`
			Input	[]string	`json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != wantModel {
			t.Errorf("request model = %q, want %q", req.Model, wantModel)
		}
		out := vecs
		if len(out) > len(req.Input) {
			out = out[:len(req.Input)]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":	wantModel,
			"embeddings":	out,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresModel(t *testing.T) {
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("New with empty model should fail")
	}
}

func TestNewDefaultsBaseURL(t *testing.T) {
	p, err := ollama.New("", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != "nomic-embed-text" {
		t.Errorf("ModelID() = %q, want nomic-embed-text", p.ModelID())
	}
}

func TestEmbedReturnsVector(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3, 0.4}
	srv := embedServer(t, "nomic-embed-text", [][]float32{want})

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Embed(t.Context(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("vector length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEmbedBatchKeepsOrder(t *testing.T) {
	vecs := [][]float32{
		{0.1, 0.2},
		{0.3, 0.4},
		{0.5, 0.6},
	}
	srv := embedServer(t, "nomic-embed-text", vecs)

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.EmbedBatch(t.Context(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != len(vecs) {
		t.Fatalf("got %d vectors, want %d", len(got), len(vecs))
	}
	for i := range vecs {
		if got[i][0] != vecs[i][0] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], vecs[i])
		}
	}
}

func TestEmbedBatchEmptySkipsRequest(t *testing.T) {
	p, err := ollama.New(unreachable, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.EmbedBatch(t.Context(), nil)
	if err != nil || got != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestDimensionsKnownModelsOffline(t *testing.T) {
	tests := []struct {
		model	string
		want	int
	}{
		{"nomic-embed-text", 768},
		{"nomic-embed-text:latest", 768},
		{"mxbai-embed-large", 1024},
		{"all-minilm", 384},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := ollama.New(unreachable, tt.model)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDimensionsMeasuresUnknownModelOnce(t *testing.T) {
	const dim = 512
	vec := make([]float32, dim)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":	"custom-embed",
			"embeddings":	[][]float32{vec},
		})
	}))
	t.Cleanup(srv.Close)

	p, err := ollama.New(srv.URL, "custom-embed")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 3 {
		if got := p.Dimensions(); got != dim {
			t.Errorf("Dimensions() = %d, want %d", got, dim)
		}
	}
	if calls != 1 {
		t.Errorf("server saw %d measurement requests, want 1", calls)
	}
}

func TestDimensionsOptionWins(t *testing.T) {
	p, err := ollama.New(unreachable, "custom-model", ollama.WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 256 {
		t.Errorf("Dimensions() = %d, want 256", got)
	}
}

func TestEmbedErrors(t *testing.T) {
	badStatus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(badStatus.Close)

	badJSON := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not-json"))
	}))
	t.Cleanup(badJSON.Close)

	tests := []struct {
		name	string
		baseURL	string
	}{
		{"server unreachable", unreachable},
		{"500 status", badStatus.URL},
		{"malformed body", badJSON.URL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ollama.New(tt.baseURL, "nomic-embed-text", ollama.WithTimeout(500*time.Millisecond))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := p.Embed(t.Context(), "hello"); err == nil {
				t.Fatal("Embed should fail")
			}
		})
	}
}

func TestEmbedHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	if _, err := p.Embed(ctx, "hello"); err == nil {
		t.Fatal("Embed should fail once the context deadline passes")
	}
}

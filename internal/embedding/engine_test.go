package embedding

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("CosineSimilarity: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); err == nil {
		t.Fatal("mismatched dimensions must error")
	}
}

func TestFindTopKRanksAndTruncates(t *testing.T) {
	query := []float32{1, 0, 0}
	corpus := [][]float32{
		{0, 1, 0},        // orthogonal
		{1, 0, 0},        // exact
		{0.9, 0.1, 0},    // close
		{-1, 0, 0},       // opposite
	}

	top := FindTopK(query, corpus, 2)
	if len(top) != 2 {
		t.Fatalf("got %d results, want 2", len(top))
	}
	if top[0].Index != 1 {
		t.Errorf("best match index = %d, want the exact vector", top[0].Index)
	}
	if top[1].Index != 2 {
		t.Errorf("second match index = %d", top[1].Index)
	}
	if top[0].Similarity < top[1].Similarity {
		t.Error("results are not sorted by similarity descending")
	}
}

func TestFindTopKSkipsMismatchedDimensions(t *testing.T) {
	top := FindTopK([]float32{1, 0}, [][]float32{
		{1, 0},
		{1, 0, 0},
	}, 5)
	if len(top) != 1 {
		t.Fatalf("got %d results, want the mismatched vector skipped", len(top))
	}
	if top[0].Index != 0 {
		t.Errorf("kept index = %d", top[0].Index)
	}
}

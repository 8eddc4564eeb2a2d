// Package similarity groups embedded ideas into cosine-similarity clusters
// and flags near-duplicates inside each cluster. Two thresholds separate
// the concerns: clusterThreshold decides "same theme", dedupThreshold
// decides "same idea", so one cluster may carry several distinct keepers.
package similarity

import (
	"fmt"
	"math"
	"time"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// Annotation is the per-idea outcome, indexed like the input slices.
// DuplicateOfIdx refers to the keeper's position in the input and is -1
// for keepers; Similarity is only meaningful when IsDuplicate is set.
type Annotation struct {
	ClusterID      int
	IsDuplicate    bool
	DuplicateOfIdx int
	Similarity     float64
}

// Result pairs the annotations with the session-level summary.
type Result struct {
	Annotations []Annotation
	Summary     domain.DedupSummary
}

// Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	clusterThreshold float64
	dedupThreshold   float64
}

// NewEngine builds an engine with the given thresholds. Callers are
// expected to pass clusterThreshold <= dedupThreshold (config validates).
func NewEngine(clusterThreshold, dedupThreshold float64) *Engine {
	return &Engine{clusterThreshold: clusterThreshold, dedupThreshold: dedupThreshold}
}

// Analyze clusters the embeddings and flags intra-cluster duplicates.
// confidences must align 1-to-1 with embeddings; it breaks dedup ties.
func (e *Engine) Analyze(embeddings [][]float32, confidences []float64) (Result, error) {
	if len(embeddings) != len(confidences) {
		return Result{}, fmt.Errorf("op=similarity.Analyze: %d embeddings vs %d confidences: %w",
			len(embeddings), len(confidences), domain.ErrInternal)
	}
	n := len(embeddings)
	if n == 0 {
		return Result{Annotations: []Annotation{}}, nil
	}
	dim := len(embeddings[0])
	for i, v := range embeddings {
		if len(v) != dim {
			return Result{}, fmt.Errorf("op=similarity.Analyze: embedding %d has dimension %d, want %d: %w",
				i, len(v), dim, domain.ErrInternal)
		}
	}

	start := time.Now()
	matrix := cosineMatrix(embeddings)
	clusters, clusterCount := e.assignClusters(matrix)
	annotations := e.dedup(matrix, clusters, confidences)

	duplicates := 0
	for _, a := range annotations {
		if a.IsDuplicate {
			duplicates++
		}
	}
	observability.ObserveStage("similarity", time.Since(start).Seconds())

	return Result{
		Annotations: annotations,
		Summary: domain.DedupSummary{
			TotalIdeas:  n,
			UniqueIdeas: n - duplicates,
			Duplicates:  duplicates,
			Clusters:    clusterCount,
		},
	}, nil
}

// cosineMatrix computes the full N×N similarity matrix. Only the upper
// triangle is computed; the lower triangle mirrors it and the diagonal
// is fixed at 1.
func cosineMatrix(embeddings [][]float32) [][]float64 {
	n := len(embeddings)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := cosine(embeddings[i], embeddings[j])
			m[i][j] = s
			m[j][i] = s
		}
	}
	return m
}

// cosine accumulates in float64 and clamps to [-1,1]; a zero-norm vector
// yields 0 rather than dividing by zero.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, s))
}

// assignClusters unions every pair at or above the cluster threshold,
// then renumbers roots into contiguous ids in encounter order so the
// first idea always lands in cluster 0.
func (e *Engine) assignClusters(matrix [][]float64) ([]int, int) {
	n := len(matrix)
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if matrix[i][j] >= e.clusterThreshold {
				uf.union(i, j)
			}
		}
	}

	clusters := make([]int, n)
	rootToCluster := make(map[int]int, n)
	next := 0
	for i := 0; i < n; i++ {
		root := uf.find(i)
		id, ok := rootToCluster[root]
		if !ok {
			id = next
			rootToCluster[root] = id
			next++
		}
		clusters[i] = id
	}
	return clusters, next
}

// dedup scans same-cluster pairs (i,j) in index order. A pair only fires
// when neither side is already flagged and neither side already keeps
// another duplicate it would orphan; the lower-confidence idea is flagged,
// confidence ties keep the lower index. Triggering similarity is rounded
// half away from zero to 4 decimal places.
func (e *Engine) dedup(matrix [][]float64, clusters []int, confidences []float64) []Annotation {
	n := len(matrix)
	annotations := make([]Annotation, n)
	for i := range annotations {
		annotations[i] = Annotation{ClusterID: clusters[i], DuplicateOfIdx: -1}
	}

	keeps := make([]bool, n) // index keeps at least one flagged duplicate
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if clusters[i] != clusters[j] {
				continue
			}
			if annotations[i].IsDuplicate || annotations[j].IsDuplicate {
				continue
			}
			if matrix[i][j] < e.dedupThreshold {
				continue
			}
			loser, keeper := j, i
			if confidences[i] < confidences[j] {
				loser, keeper = i, j
			}
			// Flagging an idea that other duplicates point at would
			// orphan them; leave the pair as two keepers instead.
			if keeps[loser] {
				continue
			}
			annotations[loser].IsDuplicate = true
			annotations[loser].DuplicateOfIdx = keeper
			annotations[loser].Similarity = round4(matrix[i][j])
			keeps[keeper] = true
		}
	}
	return annotations
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

// unionFind with path compression and union-by-rank.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

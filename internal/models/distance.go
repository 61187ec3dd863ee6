package models

import (
	"fmt"
	"math"
	"strings"
)

type DistanceMetric string

const (
	Cosine     DistanceMetric = "cosine"
	Euclidean  DistanceMetric = "euclidean"
	DotProduct DistanceMetric = "dot-product"
)

var DistanceMetrics = []DistanceMetric{Cosine, Euclidean, DotProduct}

func ParseDistanceMetric(s string) (DistanceMetric, error) {
	switch DistanceMetric(strings.ToLower(strings.TrimSpace(s))) {
	case Cosine:
		return Cosine, nil
	case Euclidean, "l2":
		return Euclidean, nil
	case DotProduct, "ip", "dot":
		return DotProduct, nil
	}
	return "", fmt.Errorf("unknown distance metric %q (want cosine, euclidean or dot-product)", s)
}

// Distance returns the metric's distance between a and b, smaller is
// closer. Dot-product is negated inner product, matching pgvector's <#>.
func (m DistanceMetric) Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb, sq float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		d := x - y
		sq += d * d
	}
	switch m {
	case Euclidean:
		return math.Sqrt(sq)
	case DotProduct:
		return -dot
	default:
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}

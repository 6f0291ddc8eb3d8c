package logits

import "math"

// Candidate is one entry of a ranked logits vector.
type Candidate struct {
	Token int     `json:"token"`
	Logit float32 `json:"logit"`
}

// Argmax returns the index of the largest logit. The first index wins ties,
// NaN entries are ignored, and -1 is returned when nothing is comparable.
func Argmax(x []float32) int {
	best := -1
	var bestV float32
	for i, v := range x {
		if isNaN(v) {
			continue
		}
		if best < 0 || v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

// TopK returns the k largest logits ordered from largest to smallest. Equal
// logits keep their index order. This is O(V*K), which suits small k.
func TopK(x []float32, k int) []Candidate {
	if k <= 0 {
		return nil
	}
	k = min(k, len(x))
	top := make([]Candidate, 0, k+1)
	for i, v := range x {
		if isNaN(v) {
			continue
		}
		pos := len(top)
		for pos > 0 && top[pos-1].Logit < v {
			pos--
		}
		if pos >= k {
			continue
		}
		top = append(top, Candidate{})
		copy(top[pos+1:], top[pos:])
		top[pos] = Candidate{Token: i, Logit: v}
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}

func isNaN(v float32) bool {
	return math.IsNaN(float64(v))
}

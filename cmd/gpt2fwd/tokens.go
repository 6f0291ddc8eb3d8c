package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// randomTokenLimit caps random token ids, matching the reference harness.
const randomTokenLimit = 10000

// parseTokens parses a comma or whitespace separated list of token ids.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	tokens := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("token %d: %q is not an integer", i, f)
		}
		tokens[i] = v
	}
	return tokens, nil
}

// randomTokens draws n ids uniformly from [0, min(vocab, randomTokenLimit)).
func randomTokens(n, vocab int, seed int64) []int {
	limit := min(vocab, randomTokenLimit)
	rng := rand.New(rand.NewSource(seed))
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = rng.Intn(limit)
	}
	return tokens
}

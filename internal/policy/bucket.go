package policy

import (
	"fmt"
	"sort"
)

// Bucketizer discretizes continuous task features into the string keys
// the value table is indexed by. Boundaries are fixed configuration, not
// learned, so the table stays small and estimates stay comparable over
// time.
type Bucketizer struct {
	// brackets are ascending input-size boundaries. A size lands in the
	// first bracket it does not exceed; above the last boundary it lands
	// in the overflow bracket.
	brackets []int
}

// NewBucketizer creates a Bucketizer with the given size boundaries.
// Boundaries are sorted; an empty slice collapses all sizes into one
// bracket.
func NewBucketizer(brackets []int) *Bucketizer {
	sorted := append([]int(nil), brackets...)
	sort.Ints(sorted)
	return &Bucketizer{brackets: sorted}
}

// Bucket returns the table key for a task's (type, input size) features,
// e.g. "test_generation|le4096" or "coverage|gt16384".
func (b *Bucketizer) Bucket(taskType string, inputSize int) string {
	if taskType == "" {
		taskType = "default"
	}
	return taskType + "|" + b.sizeBracket(inputSize)
}

func (b *Bucketizer) sizeBracket(size int) string {
	for _, bound := range b.brackets {
		if size <= bound {
			return fmt.Sprintf("le%d", bound)
		}
	}
	if len(b.brackets) == 0 {
		return "any"
	}
	return fmt.Sprintf("gt%d", b.brackets[len(b.brackets)-1])
}

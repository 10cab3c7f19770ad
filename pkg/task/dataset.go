// Package task supplies the behavioral side of an attribution run: paired
// clean/corrupted examples and the metrics that score model outputs.
//
// The corrupted member of a pair is engineered to remove the signal the
// behavior depends on; attribution measures sensitivity to the
// difference. Batch composition and shuffling live with the caller; this
// package only validates and iterates.
package task

import (
	"encoding/json"
	"fmt"
	"os"
)

// Label names the behavioral target of one example: the token the model
// should favor and the distractor it is measured against.
type Label struct {
	Answer     int `json:"answer"`
	Distractor int `json:"distractor"`
}

// Example is one clean/corrupted input pair. Both sequences must have the
// same length: activations are compared position-wise.
type Example struct {
	Clean     []int `json:"clean"`
	Corrupted []int `json:"corrupted"`
	Label     Label `json:"label"`
}

// Length returns the token count of the pair.
func (e Example) Length() int { return len(e.Clean) }

// Batch groups examples that are processed back to back before scores are
// flushed into the graph.
type Batch struct {
	Examples []Example `json:"examples"`
}

// Dataset is an ordered list of batches. Order is part of the run
// definition: attribution results are deterministic for a fixed dataset.
type Dataset []Batch

// NumExamples counts examples across all batches.
func (d Dataset) NumExamples() int {
	n := 0
	for _, b := range d {
		n += len(b.Examples)
	}
	return n
}

// Validate fail-fast checks every batch and example before any model
// execution: no empty batches, non-empty pairs, equal clean/corrupted
// lengths, lengths within maxSeq. Vocabulary-range checks belong to the
// model, which knows its vocab.
func (d Dataset) Validate(maxSeq int) error {
	if d.NumExamples() == 0 {
		return fmt.Errorf("task: dataset has no examples")
	}
	for bi, b := range d {
		if len(b.Examples) == 0 {
			return fmt.Errorf("task: batch %d has no examples", bi)
		}
		for ei, ex := range b.Examples {
			if len(ex.Clean) == 0 {
				return fmt.Errorf("task: batch %d example %d is empty", bi, ei)
			}
			if len(ex.Clean) != len(ex.Corrupted) {
				return fmt.Errorf("task: batch %d example %d: clean length %d != corrupted length %d",
					bi, ei, len(ex.Clean), len(ex.Corrupted))
			}
			if len(ex.Clean) > maxSeq {
				return fmt.Errorf("task: batch %d example %d: length %d exceeds model max %d",
					bi, ei, len(ex.Clean), maxSeq)
			}
		}
	}
	return nil
}

// Split cuts the dataset into two at batch index i. Useful for verifying
// that attribution scores are additive over dataset halves.
func (d Dataset) Split(i int) (Dataset, Dataset) {
	if i < 0 {
		i = 0
	}
	if i > len(d) {
		i = len(d)
	}
	return d[:i], d[i:]
}

// datasetFile is the on-disk JSON shape.
type datasetFile struct {
	Batches []Batch `json:"batches"`
}

// LoadJSON reads a dataset from a JSON file.
func LoadJSON(path string) (Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("task: read dataset: %w", err)
	}
	var f datasetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("task: parse dataset: %w", err)
	}
	return Dataset(f.Batches), nil
}

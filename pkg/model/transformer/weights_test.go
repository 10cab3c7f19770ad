package transformer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestWeightsRoundTrip(t *testing.T) {
	cfg := testConfig()
	src, err := New(cfg, 31)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := src.WriteWeights(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := ReadWeights(cfg, &buf)
	if err != nil {
		t.Fatal(err)
	}

	// A restored model is behaviorally identical, bit for bit.
	tokens := []int{4, 1, 8, 2}
	a, err := src.Forward(tokens, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.Forward(tokens, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(a.Logits(), b.Logits()) {
		t.Error("restored model diverges from the original")
	}
}

func TestWeightsDetectCorruption(t *testing.T) {
	src, err := New(testConfig(), 2)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := src.WriteWeights(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[len(raw)/2] ^= 0xFF

	if _, err := ReadWeights(testConfig(), bytes.NewReader(raw)); !errors.Is(err, ErrWeightsChecksum) {
		t.Errorf("corrupted payload: got %v, want ErrWeightsChecksum", err)
	}
}

func TestWeightsRejectBogusLength(t *testing.T) {
	// A corrupted length field is caught against the expected payload size
	// before the payload buffer is allocated.
	src, err := New(testConfig(), 2)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := src.WriteWeights(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	binary.LittleEndian.PutUint32(raw[2:6], 0xFFFFFFF0)

	if _, err := ReadWeights(testConfig(), bytes.NewReader(raw)); !errors.Is(err, ErrWeightsConfig) {
		t.Errorf("want ErrWeightsConfig, got %v", err)
	}
}

func TestWeightsRejectWrongConfig(t *testing.T) {
	src, err := New(testConfig(), 2)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := src.WriteWeights(&buf); err != nil {
		t.Fatal(err)
	}

	other := testConfig()
	other.Layers = 3
	if _, err := ReadWeights(other, &buf); !errors.Is(err, ErrWeightsConfig) {
		t.Errorf("wrong config: got %v, want ErrWeightsConfig", err)
	}
}

func TestWeightsRejectForeignStream(t *testing.T) {
	if _, err := ReadWeights(testConfig(), bytes.NewReader([]byte("not a weight file at all"))); !errors.Is(err, ErrInvalidWeights) {
		t.Errorf("foreign stream: got %v, want ErrInvalidWeights", err)
	}
}

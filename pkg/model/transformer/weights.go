package transformer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/model"
)

// Binary weight file: [Magic(1)][Version(1)][Length(4)][CRC32(4)][Payload],
// little endian, CRC over the payload. The payload echoes the seven model
// dimensions as u32 and then streams every weight matrix as float64 bits
// in a fixed order: WEmbed, WPos, per layer (per head WQ WK WV WO, then
// W1 B1 W2 B2), WUnembed. Same framing as the circuit snapshot format so
// both artifacts fail the same way on truncation or corruption.

const (
	weightsMagic   = 0xE9
	weightsVersion = 1
	weightsHeader  = 10
)

var (
	// ErrInvalidWeights indicates the stream is not a transformer weight file.
	ErrInvalidWeights = errors.New("transformer: invalid weights magic byte")
	// ErrWeightsChecksum indicates payload corruption.
	ErrWeightsChecksum = errors.New("transformer: weights checksum mismatch")
	// ErrWeightsConfig indicates the file was written for different dimensions.
	ErrWeightsConfig = errors.New("transformer: weights config mismatch")
)

// WriteWeights serializes every weight of the model.
func (m *Model) WriteWeights(w io.Writer) error {
	var payload []byte
	var scratch [8]byte

	u32 := func(v int) {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(v))
		payload = append(payload, scratch[:4]...)
	}
	u32(m.cfg.Layers)
	u32(m.cfg.Heads)
	u32(m.cfg.DModel)
	u32(m.cfg.DHead)
	u32(m.cfg.DMLP)
	u32(m.cfg.Vocab)
	u32(m.cfg.MaxSeq)

	f64s := func(data []float64) {
		for _, v := range data {
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
			payload = append(payload, scratch[:]...)
		}
	}
	m.visitWeights(func(d *mat.Dense) { f64s(d.RawMatrix().Data) }, f64s)

	header := make([]byte, weightsHeader)
	header[0] = weightsMagic
	header[1] = weightsVersion
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("transformer: write weights header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transformer: write weights payload: %w", err)
	}
	return nil
}

// ReadWeights loads weights previously written by WriteWeights into a
// model of the same dimensions, replacing every weight in place.
func ReadWeights(cfg model.Config, r io.Reader) (*Model, error) {
	header := make([]byte, weightsHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("transformer: read weights header: %w", err)
	}
	if header[0] != weightsMagic {
		return nil, ErrInvalidWeights
	}
	if header[1] != weightsVersion {
		return nil, fmt.Errorf("transformer: unsupported weights version %d", header[1])
	}
	length := binary.LittleEndian.Uint32(header[2:6])
	want := binary.LittleEndian.Uint32(header[6:10])

	// Payload size follows from the dimensions alone; checking it before
	// allocating keeps a corrupted length field from forcing a multi-GiB
	// allocation.
	if int(length) != weightsPayloadLen(cfg) {
		return nil, ErrWeightsConfig
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transformer: read weights payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != want {
		return nil, ErrWeightsChecksum
	}
	if len(payload) < 28 {
		return nil, fmt.Errorf("transformer: weights payload truncated")
	}

	dims := make([]int, 7)
	for i := range dims {
		dims[i] = int(binary.LittleEndian.Uint32(payload[4*i : 4*i+4]))
	}
	got := model.Config{
		Layers: dims[0], Heads: dims[1],
		DModel: dims[2], DHead: dims[3], DMLP: dims[4],
		Vocab: dims[5], MaxSeq: dims[6],
	}
	if got != cfg {
		return nil, ErrWeightsConfig
	}

	m, err := NewZero(cfg)
	if err != nil {
		return nil, err
	}

	off := 28
	readErr := error(nil)
	f64s := func(data []float64) {
		if readErr != nil {
			return
		}
		need := 8 * len(data)
		if off+need > len(payload) {
			readErr = fmt.Errorf("transformer: weights payload size mismatch")
			return
		}
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[off : off+8]))
			off += 8
		}
	}
	m.visitWeights(func(d *mat.Dense) { f64s(d.RawMatrix().Data) }, f64s)
	if readErr != nil {
		return nil, readErr
	}
	if off != len(payload) {
		return nil, fmt.Errorf("transformer: weights payload size mismatch")
	}
	return m, nil
}

// weightsPayloadLen is the exact payload size for a configuration: the
// seven-dimension echo plus eight bytes per weight.
func weightsPayloadLen(cfg model.Config) int {
	d, dh, dm := cfg.DModel, cfg.DHead, cfg.DMLP
	n := cfg.Vocab*d + cfg.MaxSeq*d
	n += cfg.Layers * (cfg.Heads*(3*d*dh+dh*d) + d*dm + dm + dm*d + d)
	n += d * cfg.Vocab
	return 28 + 8*n
}

// visitWeights walks every weight tensor and bias vector in the canonical
// serialization order.
func (m *Model) visitWeights(dense func(*mat.Dense), vec func([]float64)) {
	dense(m.WEmbed)
	dense(m.WPos)
	for l := range m.Blocks {
		b := &m.Blocks[l]
		for h := range b.Heads {
			dense(b.Heads[h].WQ)
			dense(b.Heads[h].WK)
			dense(b.Heads[h].WV)
			dense(b.Heads[h].WO)
		}
		dense(b.W1)
		vec(b.B1)
		dense(b.W2)
		vec(b.B2)
	}
	dense(m.WUnembed)
}

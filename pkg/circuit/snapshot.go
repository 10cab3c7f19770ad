package circuit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// Binary snapshot of a graph's mutable state (edge scores, in-circuit
// flags). Topology is rebuilt from Config, so the payload only carries the
// configuration echo plus per-edge and per-node state. Long attribution
// runs checkpoint between dataset chunks with this; the additive score
// semantics make resuming a plain continuation.
//
// Frame format: [Magic(1)][Version(1)][Length(4)][CRC32(4)][Payload(N)],
// little endian, CRC over the payload only.

const (
	snapshotMagic   = 0xC1
	snapshotVersion = 1
	snapshotHeader  = 10
)

var (
	// ErrInvalidMagic indicates the stream is not a circuit snapshot.
	ErrInvalidMagic = errors.New("circuit: invalid snapshot magic byte")
	// ErrChecksumMismatch indicates payload corruption.
	ErrChecksumMismatch = errors.New("circuit: snapshot checksum mismatch")
	// ErrConfigMismatch indicates the snapshot was taken from a graph with
	// a different topology than the receiver.
	ErrConfigMismatch = errors.New("circuit: snapshot config mismatch")
)

// WriteSnapshot serializes the graph's scores and flags.
func (g *Graph) WriteSnapshot(w io.Writer) error {
	payload := make([]byte, 0, 16+9*len(g.edges)+len(g.nodes))
	var scratch [8]byte

	u32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		payload = append(payload, scratch[:4]...)
	}
	u32(uint32(g.cfg.Layers))
	u32(uint32(g.cfg.Heads))
	u32(uint32(len(g.edges)))
	u32(uint32(len(g.nodes)))

	for i := range g.edges {
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(g.edges[i].Score))
		payload = append(payload, scratch[:]...)
		payload = append(payload, boolByte(g.edges[i].InCircuit))
	}
	for i := range g.nodes {
		payload = append(payload, boolByte(g.nodes[i].InCircuit))
	}

	header := make([]byte, snapshotHeader)
	header[0] = snapshotMagic
	header[1] = snapshotVersion
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("circuit: write snapshot header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("circuit: write snapshot payload: %w", err)
	}
	return nil
}

// ReadSnapshot restores scores and flags previously written by
// WriteSnapshot into a graph built from the same Config. Restoring is a
// replacement, not an accumulation.
func (g *Graph) ReadSnapshot(r io.Reader) error {
	header := make([]byte, snapshotHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("circuit: read snapshot header: %w", err)
	}
	if header[0] != snapshotMagic {
		return ErrInvalidMagic
	}
	if header[1] != snapshotVersion {
		return fmt.Errorf("circuit: unsupported snapshot version %d", header[1])
	}
	length := binary.LittleEndian.Uint32(header[2:6])
	want := binary.LittleEndian.Uint32(header[6:10])

	// Payload size is fully determined by the receiver's topology; checking
	// it before allocating keeps a corrupted length field from forcing a
	// multi-GiB allocation.
	if int(length) != 16+9*len(g.edges)+len(g.nodes) {
		return ErrConfigMismatch
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("circuit: read snapshot payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != want {
		return ErrChecksumMismatch
	}

	if len(payload) < 16 {
		return fmt.Errorf("circuit: snapshot payload truncated")
	}
	layers := int(binary.LittleEndian.Uint32(payload[0:4]))
	heads := int(binary.LittleEndian.Uint32(payload[4:8]))
	edges := int(binary.LittleEndian.Uint32(payload[8:12]))
	nodes := int(binary.LittleEndian.Uint32(payload[12:16]))
	if layers != g.cfg.Layers || heads != g.cfg.Heads || edges != len(g.edges) || nodes != len(g.nodes) {
		return ErrConfigMismatch
	}
	if len(payload) != 16+9*edges+nodes {
		return fmt.Errorf("circuit: snapshot payload size mismatch")
	}

	off := 16
	for i := 0; i < edges; i++ {
		bits := binary.LittleEndian.Uint64(payload[off : off+8])
		g.edges[i].Score = math.Float64frombits(bits)
		g.edges[i].InCircuit = payload[off+8] != 0
		off += 9
	}
	for i := 0; i < nodes; i++ {
		g.nodes[i].InCircuit = payload[off+i] != 0
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Package transformer is the reference hooked model: a small decoder-only
// transformer written directly against the attribution contract.
//
// The architecture is deliberately bare: token + position embedding into a
// residual stream, per-layer causal attention heads and an MLP adding
// their outputs back to the stream, and a linear unembedding. There is no
// normalization layer, so every component's contribution to a downstream
// input is exactly its recorded output and the computation graph's edge
// semantics hold with no folding tricks. Backward passes are exact manual
// differentiation, which is what lets the tests finite-difference-check
// the whole contract.
package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/model"
)

// Head holds one attention head's projection weights.
type Head struct {
	WQ *mat.Dense // dModel x dHead
	WK *mat.Dense // dModel x dHead
	WV *mat.Dense // dModel x dHead
	WO *mat.Dense // dHead x dModel
}

// Block holds one layer: its attention heads and MLP weights.
type Block struct {
	Heads []Head
	W1    *mat.Dense // dModel x dMLP
	B1    []float64
	W2    *mat.Dense // dMLP x dModel
	B2    []float64
}

// Model is a hooked decoder-only transformer. Weight fields are exported
// so tests can plant synthetic circuits directly.
type Model struct {
	cfg    model.Config
	WEmbed *mat.Dense // vocab x dModel
	WPos   *mat.Dense // maxSeq x dModel
	Blocks []Block
	WUnembed *mat.Dense // dModel x vocab
}

// NewZero builds a model with every weight at zero. Useful as a blank
// canvas for synthetic-circuit tests.
func NewZero(cfg model.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:      cfg,
		WEmbed:   mat.NewDense(cfg.Vocab, cfg.DModel, nil),
		WPos:     mat.NewDense(cfg.MaxSeq, cfg.DModel, nil),
		WUnembed: mat.NewDense(cfg.DModel, cfg.Vocab, nil),
		Blocks:   make([]Block, cfg.Layers),
	}
	for l := range m.Blocks {
		b := &m.Blocks[l]
		b.Heads = make([]Head, cfg.Heads)
		for h := range b.Heads {
			b.Heads[h] = Head{
				WQ: mat.NewDense(cfg.DModel, cfg.DHead, nil),
				WK: mat.NewDense(cfg.DModel, cfg.DHead, nil),
				WV: mat.NewDense(cfg.DModel, cfg.DHead, nil),
				WO: mat.NewDense(cfg.DHead, cfg.DModel, nil),
			}
		}
		b.W1 = mat.NewDense(cfg.DModel, cfg.DMLP, nil)
		b.B1 = make([]float64, cfg.DMLP)
		b.W2 = mat.NewDense(cfg.DMLP, cfg.DModel, nil)
		b.B2 = make([]float64, cfg.DModel)
	}
	return m, nil
}

// New builds a model with small random weights drawn deterministically
// from the seed. Same seed, same model.
func New(cfg model.Config, seed int64) (*Model, error) {
	m, err := NewZero(cfg)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	fill := func(d *mat.Dense, scale float64) {
		raw := d.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.NormFloat64() * scale
		}
	}
	es := 1.0 / math.Sqrt(float64(cfg.DModel))
	fill(m.WEmbed, es)
	fill(m.WPos, es)
	fill(m.WUnembed, es)
	for l := range m.Blocks {
		b := &m.Blocks[l]
		for h := range b.Heads {
			fill(b.Heads[h].WQ, es)
			fill(b.Heads[h].WK, es)
			fill(b.Heads[h].WV, es)
			fill(b.Heads[h].WO, 1.0/math.Sqrt(float64(cfg.DHead)))
		}
		fill(b.W1, es)
		fill(b.W2, 1.0/math.Sqrt(float64(cfg.DMLP)))
	}
	return m, nil
}

// Config returns the model dimensions.
func (m *Model) Config() model.Config { return m.cfg }

// headTrace caches the per-head intermediates backward needs.
type headTrace struct {
	q, k, v *mat.Dense // T x dHead
	probs   *mat.Dense // T x T, causal row softmax
}

// result carries the forward outputs plus the trace for Backward. It is
// opaque to callers; holding it keeps passes free of ambient model state.
type result struct {
	logits *mat.Dense
	seqLen int
	heads  [][]headTrace // [layer][head]
	mlpPre []*mat.Dense  // [layer] T x dMLP pre-activation
}

// Logits returns the seq x vocab output.
func (r *result) Logits() *mat.Dense { return r.logits }

// Forward runs the model over one token sequence, recording catalog
// activations into cap and applying the rewiring plan ov (both optional).
func (m *Model) Forward(tokens []int, cap *model.Capture, ov *model.Overrides) (model.Result, error) {
	T := len(tokens)
	if T < 1 || T > m.cfg.MaxSeq {
		return nil, fmt.Errorf("transformer: sequence length %d outside [1, %d]", T, m.cfg.MaxSeq)
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= m.cfg.Vocab {
			return nil, fmt.Errorf("transformer: token %d at position %d outside vocab %d", tok, i, m.cfg.Vocab)
		}
	}

	ccfg := m.cfg.Circuit()
	outs := make([]*mat.Dense, ccfg.NumNodes())
	res := &result{
		seqLen: T,
		heads:  make([][]headTrace, m.cfg.Layers),
		mlpPre: make([]*mat.Dense, m.cfg.Layers),
	}

	record := func(id circuit.NodeID, out *mat.Dense) (*mat.Dense, error) {
		if ov != nil {
			if rep := ov.Output(id); rep != nil {
				if err := sameDims(rep, out); err != nil {
					return nil, fmt.Errorf("transformer: output override for %s: %w", ccfg.NodeName(id), err)
				}
				out = rep
			}
		}
		outs[id] = out
		if cap != nil {
			cap.Set(id, out)
		}
		return out, nil
	}

	// Embedding: the catalog input node's output.
	emb := mat.NewDense(T, m.cfg.DModel, nil)
	for t, tok := range tokens {
		row := emb.RawRowView(t)
		copy(row, m.WEmbed.RawRowView(tok))
		axpyKernel(1, m.WPos.RawRowView(t), row)
	}
	if _, err := record(ccfg.InputID(), emb); err != nil {
		return nil, err
	}

	for l := 0; l < m.cfg.Layers; l++ {
		block := &m.Blocks[l]
		res.heads[l] = make([]headTrace, m.cfg.Heads)
		for h := 0; h < m.cfg.Heads; h++ {
			id := ccfg.AttentionID(l, h)
			xq, err := m.slotInput(ccfg, id, circuit.SlotQuery, outs, ov)
			if err != nil {
				return nil, err
			}
			xk, err := m.slotInput(ccfg, id, circuit.SlotKey, outs, ov)
			if err != nil {
				return nil, err
			}
			xv, err := m.slotInput(ccfg, id, circuit.SlotValue, outs, ov)
			if err != nil {
				return nil, err
			}
			out, tr := block.Heads[h].forward(xq, xk, xv)
			res.heads[l][h] = tr
			if _, err := record(id, out); err != nil {
				return nil, err
			}
		}

		id := ccfg.MLPID(l)
		x, err := m.slotInput(ccfg, id, circuit.SlotIn, outs, ov)
		if err != nil {
			return nil, err
		}
		out, pre := block.mlpForward(x)
		res.mlpPre[l] = pre
		if _, err := record(id, out); err != nil {
			return nil, err
		}
	}

	id := ccfg.LogitsID()
	x, err := m.slotInput(ccfg, id, circuit.SlotIn, outs, ov)
	if err != nil {
		return nil, err
	}
	logits := &mat.Dense{}
	logits.Mul(x, m.WUnembed)
	if _, err := record(id, logits); err != nil {
		return nil, err
	}
	res.logits = outs[id]
	return res, nil
}

// slotInput assembles one destination slot's input: the sum over every
// legal upstream source of either the live output from this pass or, when
// the rewiring plan says so, the baseline capture's recorded output.
func (m *Model) slotInput(ccfg circuit.Config, dst circuit.NodeID, slot circuit.Slot, outs []*mat.Dense, ov *model.Overrides) (*mat.Dense, error) {
	T, _ := outs[ccfg.InputID()].Dims()
	in := mat.NewDense(T, m.cfg.DModel, nil)
	limit := ccfg.UpstreamLimit(dst)
	for src := circuit.NodeID(0); src < limit; src++ {
		o := outs[src]
		if ov != nil && ov.FromBaseline(dst, slot, src) {
			base, err := ov.Baseline().Out(src)
			if err != nil {
				return nil, fmt.Errorf("transformer: baseline for %s into %s<%s>: %w",
					ccfg.NodeName(src), ccfg.NodeName(dst), slot, err)
			}
			if err := sameDims(base, o); err != nil {
				return nil, fmt.Errorf("transformer: baseline for %s: %w", ccfg.NodeName(src), err)
			}
			o = base
		}
		for t := 0; t < T; t++ {
			axpyKernel(1, o.RawRowView(t), in.RawRowView(t))
		}
	}
	return in, nil
}

// forward computes one head: separate q/k/v projections of the (possibly
// rewired) slot inputs, causal softmax attention, output projection.
func (hd *Head) forward(xq, xk, xv *mat.Dense) (*mat.Dense, headTrace) {
	var q, k, v mat.Dense
	q.Mul(xq, hd.WQ)
	k.Mul(xk, hd.WK)
	v.Mul(xv, hd.WV)

	T, dHead := q.Dims()
	invSqrt := 1.0 / math.Sqrt(float64(dHead))
	probs := mat.NewDense(T, T, nil)
	scores := make([]float64, T)
	for i := 0; i < T; i++ {
		maxS := math.Inf(-1)
		for j := 0; j <= i; j++ {
			scores[j] = dotKernel(q.RawRowView(i), k.RawRowView(j)) * invSqrt
			if scores[j] > maxS {
				maxS = scores[j]
			}
		}
		sum := 0.0
		for j := 0; j <= i; j++ {
			scores[j] = math.Exp(scores[j] - maxS)
			sum += scores[j]
		}
		for j := 0; j <= i; j++ {
			probs.Set(i, j, scores[j]/sum)
		}
	}

	var z, out mat.Dense
	z.Mul(probs, &v)
	out.Mul(&z, hd.WO)
	return &out, headTrace{q: &q, k: &k, v: &v, probs: probs}
}

// mlpForward computes gelu(x W1 + b1) W2 + b2, keeping the pre-activation
// for backward.
func (b *Block) mlpForward(x *mat.Dense) (*mat.Dense, *mat.Dense) {
	var pre mat.Dense
	pre.Mul(x, b.W1)
	T, dMLP := pre.Dims()
	hid := mat.NewDense(T, dMLP, nil)
	for t := 0; t < T; t++ {
		preRow := pre.RawRowView(t)
		hidRow := hid.RawRowView(t)
		for i := range preRow {
			preRow[i] += b.B1[i]
			hidRow[i] = gelu(preRow[i])
		}
	}
	var out mat.Dense
	out.Mul(hid, b.W2)
	for t := 0; t < T; t++ {
		axpyKernel(1, b.B2, out.RawRowView(t))
	}
	return &out, &pre
}

// gelu is the exact (erf-based) GELU.
func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// geluPrime is d(gelu)/dx.
func geluPrime(x float64) float64 {
	phi := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
	return 0.5*(1+math.Erf(x/math.Sqrt2)) + x*phi
}

func sameDims(a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return fmt.Errorf("dimension mismatch: %dx%d vs %dx%d", ar, ac, br, bc)
	}
	return nil
}

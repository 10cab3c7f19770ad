package transformer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/model"
)

// Backward computes d(sum(seed .* logits))/d(slot input) for every
// destination slot of the forward pass that produced res.
//
// One reverse sweep suffices. Every slot input is a sum over upstream
// outputs, so the gradient of the metric with respect to the residual
// stream at a given depth is the sum of the slot-input gradients of
// everything consuming the stream at or after that depth. The sweep keeps
// that running sum in gResid: record a component's slot gradients off the
// current gResid, then fold them back in while stepping past the
// component.
func (m *Model) Backward(res model.Result, seed *mat.Dense) (*model.Gradients, error) {
	r, ok := res.(*result)
	if !ok {
		return nil, fmt.Errorf("transformer: result was produced by a different model implementation")
	}
	sr, sc := seed.Dims()
	if sr != r.seqLen || sc != m.cfg.Vocab {
		return nil, fmt.Errorf("transformer: seed is %dx%d, want %dx%d", sr, sc, r.seqLen, m.cfg.Vocab)
	}

	ccfg := m.cfg.Circuit()
	grads := model.NewGradients()

	// Logits read-out: logits = resid . WUnembed.
	gResid := &mat.Dense{}
	gResid.Mul(seed, m.WUnembed.T())
	grads.Set(ccfg.LogitsID(), circuit.SlotIn, mat.DenseCopyOf(gResid))

	for l := m.cfg.Layers - 1; l >= 0; l-- {
		block := &m.Blocks[l]

		// MLP first: it executes after the heads, so its gradient joins the
		// stream before the heads see it.
		gIn := block.mlpBackward(r.mlpPre[l], gResid)
		grads.Set(ccfg.MLPID(l), circuit.SlotIn, gIn)
		gResid = sum(gResid, gIn)

		// Heads of this layer all read the pre-attention stream and none
		// feed each other, so each one's output gradient is the same
		// current gResid.
		layerSum := mat.NewDense(r.seqLen, m.cfg.DModel, nil)
		for h := 0; h < m.cfg.Heads; h++ {
			gq, gk, gv := block.Heads[h].backward(&r.heads[l][h], gResid)
			id := ccfg.AttentionID(l, h)
			grads.Set(id, circuit.SlotQuery, gq)
			grads.Set(id, circuit.SlotKey, gk)
			grads.Set(id, circuit.SlotValue, gv)
			layerSum.Add(layerSum, gq)
			layerSum.Add(layerSum, gk)
			layerSum.Add(layerSum, gv)
		}
		gResid = sum(gResid, layerSum)
	}

	return grads, nil
}

// mlpBackward maps the gradient at the MLP output back to its input slot.
func (b *Block) mlpBackward(pre, gOut *mat.Dense) *mat.Dense {
	var gHid mat.Dense
	gHid.Mul(gOut, b.W2.T())

	T, dMLP := pre.Dims()
	gPre := mat.NewDense(T, dMLP, nil)
	for t := 0; t < T; t++ {
		preRow := pre.RawRowView(t)
		gHidRow := gHid.RawRowView(t)
		gPreRow := gPre.RawRowView(t)
		for i := range preRow {
			gPreRow[i] = gHidRow[i] * geluPrime(preRow[i])
		}
	}

	var gIn mat.Dense
	gIn.Mul(gPre, b.W1.T())
	return &gIn
}

// backward maps the gradient at a head's output back to its three input
// slots, through the output projection, the attention pattern (softmax
// Jacobian row by row) and the q/k/v projections.
func (hd *Head) backward(tr *headTrace, gOut *mat.Dense) (gxq, gxk, gxv *mat.Dense) {
	T, dHead := tr.q.Dims()
	invSqrt := 1.0 / math.Sqrt(float64(dHead))

	var gz mat.Dense
	gz.Mul(gOut, hd.WO.T())

	var gProbs mat.Dense
	gProbs.Mul(&gz, tr.v.T())

	var gV mat.Dense
	gV.Mul(tr.probs.T(), &gz)

	// Softmax Jacobian per row; the causal zeros in probs kill the j > i
	// terms on their own.
	gScores := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		pRow := tr.probs.RawRowView(i)
		gpRow := gProbs.RawRowView(i)
		inner := dotKernel(pRow, gpRow)
		gsRow := gScores.RawRowView(i)
		for j := 0; j <= i; j++ {
			gsRow[j] = pRow[j] * (gpRow[j] - inner)
		}
	}

	var gq, gk mat.Dense
	gq.Mul(gScores, tr.k)
	gq.Scale(invSqrt, &gq)
	gk.Mul(gScores.T(), tr.q)
	gk.Scale(invSqrt, &gk)

	gxq, gxk, gxv = &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	gxq.Mul(&gq, hd.WQ.T())
	gxk.Mul(&gk, hd.WK.T())
	gxv.Mul(&gV, hd.WV.T())
	return gxq, gxk, gxv
}

func sum(a, b *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(a)
	out.Add(out, b)
	return out
}

package attribution

import "fmt"

// Method selects the scoring variant.
type Method int

const (
	// MethodEAP is plain edge attribution patching: one gradient at the
	// clean point, a first-order estimate of each edge's patch effect.
	MethodEAP Method = iota
	// MethodEAPIGInputs integrates the gradient along the straight path
	// from the corrupted to the clean input embedding, reducing the
	// linear-approximation error of plain EAP.
	MethodEAPIGInputs
	// MethodCleanCorrupted averages the two endpoint gradients only, an
	// ablation baseline against the full integral.
	MethodCleanCorrupted
)

// String returns the configuration spelling of the method.
func (m Method) String() string {
	switch m {
	case MethodEAP:
		return "EAP"
	case MethodEAPIGInputs:
		return "EAP-IG-inputs"
	case MethodCleanCorrupted:
		return "clean-corrupted"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod resolves a configuration string.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "EAP":
		return MethodEAP, nil
	case "EAP-IG-inputs":
		return MethodEAPIGInputs, nil
	case "clean-corrupted":
		return MethodCleanCorrupted, nil
	}
	return 0, configErrf("unknown method %q (want EAP, EAP-IG-inputs or clean-corrupted)", s)
}

// Options configures an attribution run.
type Options struct {
	Method Method
	// IGSteps is the number of interpolation points for EAP-IG-inputs.
	// Ignored by the other methods.
	IGSteps int
	// HalfPrecisionCaptures stores corrupted-run activations as float16,
	// halving capture memory at the cost of ~3 decimal digits. Clean-run
	// captures stay full precision either way.
	HalfPrecisionCaptures bool
}

// Validate rejects impossible configurations before any model execution.
func (o Options) Validate() error {
	switch o.Method {
	case MethodEAP, MethodCleanCorrupted:
		return nil
	case MethodEAPIGInputs:
		if o.IGSteps < 1 {
			return configErrf("EAP-IG-inputs requires ig_steps >= 1, got %d", o.IGSteps)
		}
		return nil
	}
	return configErrf("unknown method %d", int(o.Method))
}

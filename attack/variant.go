// Package attack implements the adversarial robustness evaluation:
// surrogate decoder training and fine-tuning against the victim decoder,
// and the ensemble momentum PGD search that probes the watermark.
package attack

import (
	"fmt"

	"github.com/pkg/errors"
)

// Variant tags the attack scoring mode. It is a closed set: unknown tags
// are a configuration error rejected before any computation starts.
type Variant int

const (
	// BaseBaseline scores candidates with the victim decoder directly,
	// without the secret masking transform.
	BaseBaseline Variant = iota
	// BaseSecure scores candidates through the mask network.
	BaseSecure
	// CombinedSecure scores through the mask network; the watermark was
	// embedded by the combined generator.
	CombinedSecure
	// FixedSecure scores through the mask network with a fixed embedded
	// pattern.
	FixedSecure
)

var variantNames = map[Variant]string{
	BaseBaseline:   "base_baseline",
	BaseSecure:     "base_secure",
	CombinedSecure: "combined_secure",
	FixedSecure:    "fixed_secure",
}

// ParseVariant maps a configuration tag to its Variant. The error names
// the literal invalid value.
func ParseVariant(tag string) (Variant, error) {
	for v, name := range variantNames {
		if name == tag {
			return v, nil
		}
	}
	return 0, errors.Errorf("unknown attack variant %q, must be one of %q, %q, %q or %q",
		tag, variantNames[BaseBaseline], variantNames[BaseSecure],
		variantNames[CombinedSecure], variantNames[FixedSecure])
}

// String implements fmt.Stringer.
func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Masked reports whether scoring applies the secret masking transform
// before the victim decoder.
func (v Variant) Masked() bool { return v != BaseBaseline }

// SourceMode selects where attack images come from.
type SourceMode int

const (
	// SourceGenerated uses generator outputs.
	SourceGenerated SourceMode = iota
	// SourceRandom uses uniform noise in [-1, 1].
	SourceRandom
	// SourceBlurred uses gaussian-blurred generator outputs.
	SourceBlurred
)

var sourceModeNames = map[SourceMode]string{
	SourceGenerated: "original",
	SourceRandom:    "random",
	SourceBlurred:   "blurred",
}

// ParseSourceMode maps a configuration tag to its SourceMode.
func ParseSourceMode(tag string) (SourceMode, error) {
	for m, name := range sourceModeNames {
		if name == tag {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown image source %q, must be one of %q, %q or %q",
		tag, sourceModeNames[SourceGenerated], sourceModeNames[SourceRandom], sourceModeNames[SourceBlurred])
}

// String implements fmt.Stringer.
func (m SourceMode) String() string {
	if name, ok := sourceModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("SourceMode(%d)", int(m))
}

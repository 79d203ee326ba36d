package testexec

import (
	"github.com/shopspring/decimal"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

// ItemConclusion is the tester's verdict on one sample item
type ItemConclusion string

const (
	ItemAppropriate ItemConclusion = "appropriate"
	ItemException   ItemConclusion = "exception"
)

func (c ItemConclusion) IsValid() bool {
	return c == ItemAppropriate || c == ItemException
}

// Conclusion is the overall verdict on a control
type Conclusion string

const (
	ConclusionEffective             Conclusion = "effective"
	ConclusionDeficiency            Conclusion = "deficiency"
	ConclusionSignificantDeficiency Conclusion = "significant_deficiency"
	ConclusionMaterialWeakness      Conclusion = "material_weakness"
)

// String returns the string representation of the conclusion
func (c Conclusion) String() string {
	return string(c)
}

func (c Conclusion) IsValid() bool {
	switch c {
	case ConclusionEffective, ConclusionDeficiency, ConclusionSignificantDeficiency, ConclusionMaterialWeakness:
		return true
	}
	return false
}

// IsDeficient reports whether the conclusion requires a finding
func (c Conclusion) IsDeficient() bool {
	return c.IsValid() && c != ConclusionEffective
}

// Bands maps an exception rate to a conclusion. Rates at or below
// EffectiveMax are effective, rates above SignificantAbove are a significant
// deficiency, and everything between is a deficiency. Any catastrophic item
// is a material weakness regardless of rate.
type Bands struct {
	EffectiveMax     decimal.Decimal `json:"effective_max"`
	SignificantAbove decimal.Decimal `json:"significant_above"`
}

// DefaultBands: 0% effective, up to 20% deficiency, above significant
func DefaultBands() Bands {
	return Bands{
		EffectiveMax:     decimal.Zero,
		SignificantAbove: decimal.NewFromFloat(0.20),
	}
}

// Validate checks 0 <= EffectiveMax < SignificantAbove <= 1
func (b Bands) Validate() error {
	if b.EffectiveMax.IsNegative() || b.EffectiveMax.GreaterThanOrEqual(b.SignificantAbove) ||
		b.SignificantAbove.GreaterThan(decimal.NewFromInt(1)) {
		return errors.NewValidationError("INVALID_CONCLUSION_BANDS",
			"conclusion bands must satisfy 0 <= effective_max < significant_above <= 1")
	}
	return nil
}

// Conclude derives the overall conclusion. It is deterministic.
func (b Bands) Conclude(rate decimal.Decimal, catastrophic bool) Conclusion {
	switch {
	case catastrophic:
		return ConclusionMaterialWeakness
	case rate.LessThanOrEqual(b.EffectiveMax):
		return ConclusionEffective
	case rate.GreaterThan(b.SignificantAbove):
		return ConclusionSignificantDeficiency
	default:
		return ConclusionDeficiency
	}
}

// ExceptionRate returns exceptions / tested rounded to four places
func ExceptionRate(exceptions, tested int) decimal.Decimal {
	if tested == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(exceptions)).
		Div(decimal.NewFromInt(int64(tested))).
		Round(4)
}

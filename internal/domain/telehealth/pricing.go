package telehealth

import (
	"github.com/shopspring/decimal"
)

const Currency = "USD"

var visitPrices = map[VisitType]decimal.Decimal{
	VisitInitialConsultation: decimal.NewFromInt(150),
	VisitFollowUp:            decimal.NewFromInt(100),
	VisitUrgentCare:          decimal.NewFromInt(175),
	VisitPrescriptionRefill:  decimal.NewFromInt(50),
	VisitSecondOpinion:       decimal.NewFromInt(200),
	VisitPostOpCheckup:       decimal.NewFromInt(75),
	VisitChronicCare:         decimal.NewFromInt(125),
}

// PriceFor returns the flat fee for a visit type, rounded to cents.
func PriceFor(t VisitType) (decimal.Decimal, bool) {
	p, ok := visitPrices[t]
	if !ok {
		return decimal.Zero, false
	}
	return p.Round(2), true
}

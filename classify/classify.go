// Package classify decides whether a tradeline is a disputable derogatory
// item. The scorer is a fixed weighted sum of five independent factors; every
// non-zero factor is reported back as a human-readable indicator.
package classify

import (
	"fmt"
	"math"
	"strings"

	"disputeflow/tradeline"
)

// Factor names, in descending weight order.
const (
	FactorStatus         = "status"
	FactorPaymentHistory = "payment_history"
	FactorBalance        = "balance"
	FactorCreditor       = "creditor"
	FactorRemarks        = "remarks"
)

// NegativeThreshold is the fixed decision boundary for IsNegative.
const NegativeThreshold = 0.50

// factorWeights are integer percentages so the total is exactly 100.
var factorWeights = []struct {
	name    string
	percent int
}{
	{FactorStatus, 40},
	{FactorPaymentHistory, 30},
	{FactorBalance, 15},
	{FactorCreditor, 10},
	{FactorRemarks, 5},
}

// Weight returns the weight of the named factor in [0,1].
func Weight(factor string) float64 {
	for _, w := range factorWeights {
		if w.name == factor {
			return float64(w.percent) / 100
		}
	}
	return 0
}

// Result is the immutable outcome of scoring one tradeline.
type Result struct {
	IsNegative bool               `json:"is_negative"`
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
	Factors    map[string]float64 `json:"factors"`
	Indicators []string           `json:"indicators"`
}

type factorScore struct {
	value    float64
	evidence string
}

// Classify scores rec. It fails only when a mandatory field is missing;
// absent optional fields contribute zero.
func Classify(rec tradeline.Record) (Result, error) {
	if err := checkMandatory(rec); err != nil {
		return Result{}, err
	}

	status := normalize(rec.Status)
	scores := map[string]factorScore{
		FactorStatus:         scoreStatus(status),
		FactorPaymentHistory: scorePaymentHistory(rec.Late),
		FactorBalance:        scoreBalance(status, rec),
		FactorCreditor:       scoreCreditor(rec.CreditorName),
		FactorRemarks:        scoreRemarks(rec.Remarks),
	}

	res := Result{
		Factors:    make(map[string]float64, len(factorWeights)),
		Indicators: []string{},
	}
	var total float64
	for _, w := range factorWeights {
		fs := scores[w.name]
		res.Factors[w.name] = fs.value
		total += fs.value * float64(w.percent)
		if fs.value > 0 {
			res.Indicators = append(res.Indicators,
				fmt.Sprintf("%s score: %.2f (%s)", w.name, fs.value, fs.evidence))
		}
	}

	res.Score = clamp(total / 100)
	res.IsNegative = res.Score >= NegativeThreshold
	if res.IsNegative {
		res.Confidence = math.Min(1.0, res.Score+0.2)
	} else {
		res.Confidence = math.Min(1.0, (1.0-res.Score)+0.1)
	}
	return res, nil
}

func checkMandatory(rec tradeline.Record) error {
	switch {
	case strings.TrimSpace(rec.CreditorName) == "":
		return &tradeline.ValidationError{Field: "creditor_name", Reason: "required"}
	case rec.AccountType == "":
		return &tradeline.ValidationError{Field: "account_type", Reason: "required"}
	case rec.Bureau == "":
		return &tradeline.ValidationError{Field: "bureau", Reason: "required"}
	}
	return nil
}

func scoreStatus(status string) factorScore {
	r, ok := firstMatch(statusRules, status)
	if !ok {
		return factorScore{}
	}
	return factorScore{value: r.score, evidence: fmt.Sprintf("status matches %q", r.pattern)}
}

func scorePaymentHistory(late tradeline.LatePayments) factorScore {
	weighted := float64(late.Days120)*1.0 +
		float64(late.Days90)*0.9 +
		float64(late.Days60)*0.7 +
		float64(late.Days30)*0.4
	value := math.Min(1.0, weighted/3.0)
	if value <= 0 {
		return factorScore{}
	}
	return factorScore{
		value: value,
		evidence: fmt.Sprintf("late 30/60/90/120: %d/%d/%d/%d",
			late.Days30, late.Days60, late.Days90, late.Days120),
	}
}

func scoreBalance(status string, rec tradeline.Record) factorScore {
	if !rec.HasPositiveBalance() {
		return factorScore{}
	}
	r, ok := firstMatch(balanceRules, status)
	if !ok {
		return factorScore{}
	}
	return factorScore{
		value:    r.score,
		evidence: fmt.Sprintf("balance %s on %q status", rec.Balance.Decimal.StringFixed(2), r.pattern),
	}
}

func scoreCreditor(name string) factorScore {
	r, ok := firstMatch(collectionAgencies, normalize(name))
	if !ok {
		return factorScore{}
	}
	return factorScore{value: r.score, evidence: fmt.Sprintf("known collection agency %q", r.pattern)}
}

func scoreRemarks(remarks *string) factorScore {
	if remarks == nil {
		return factorScore{}
	}
	r, ok := firstMatch(derogatoryRemarks, normalize(*remarks))
	if !ok {
		return factorScore{}
	}
	return factorScore{value: r.score, evidence: fmt.Sprintf("remarks mention %q", r.pattern)}
}

// normalize lowercases text and folds separators so "Charge-Off" and
// "charge  off" compare equal.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("-", " ", "_", " ", "/", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

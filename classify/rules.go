package classify

import "strings"

// rule is one first-match-wins entry: the first pattern found in the
// normalized text decides the sub-score.
type rule struct {
	pattern string
	score   float64
}

// statusRules is ordered most severe first. "settled for less" must stay
// ahead of "settled".
var statusRules = []rule{
	{"charge off", 1.0},
	{"charged off", 1.0},
	{"chargeoff", 1.0},
	{"written off", 1.0},
	{"collection", 1.0},
	{"bankruptcy", 1.0},
	{"foreclosure", 1.0},
	{"repossession", 1.0},
	{"settled for less", 1.0},
	{"default", 0.9},
	{"delinquent", 0.8},
	{"past due", 0.8},
	{"settled", 0.8},
}

// balanceRules apply only when the balance is positive.
var balanceRules = []rule{
	{"charge", 1.0},
	{"collection", 1.0},
	{"settled", 0.8},
}

var collectionAgencies = []rule{
	{"portfolio recovery", 1.0},
	{"midland credit", 1.0},
	{"midland funding", 1.0},
	{"encore capital", 1.0},
	{"lvnv funding", 1.0},
	{"cavalry", 1.0},
	{"convergent outsourcing", 1.0},
	{"ic system", 1.0},
	{"transworld systems", 1.0},
	{"enhanced recovery", 1.0},
	{"jefferson capital", 1.0},
	{"credit collection services", 1.0},
	{"national credit systems", 1.0},
	{"resurgent capital", 1.0},
	{"collection bureau", 1.0},
}

var derogatoryRemarks = []rule{
	{"charged off", 1.0},
	{"sent to collections", 1.0},
	{"placed for collection", 1.0},
	{"collection account", 1.0},
	{"profit and loss", 1.0},
	{"repossession", 1.0},
	{"foreclosure", 1.0},
	{"bankruptcy", 1.0},
	{"closed by credit grantor", 1.0},
	{"consumer disputes", 1.0},
}

// firstMatch returns the first rule whose pattern occurs in text.
func firstMatch(rules []rule, text string) (rule, bool) {
	if text == "" {
		return rule{}, false
	}
	for _, r := range rules {
		if strings.Contains(text, r.pattern) {
			return r, true
		}
	}
	return rule{}, false
}

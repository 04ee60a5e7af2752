package consensus

import (
	"math"
	"sort"
)

// Vote is one model's candidate value for a semantic unit. Key identifies
// equivalent values; Value is what gets accepted if the key wins.
type Vote struct {
	Model      string
	Key        string
	Value      any
	Confidence float64
	// Order is the model's reporting order; lower reported earlier.
	Order int
}

// Outcome is the resolved value for a unit.
type Outcome struct {
	Unit          string
	Key           string
	Value         any
	Weight        float64
	Total         float64
	Share         float64
	LowConfidence bool
	// Supporters are the models whose vote matched the winning key.
	Supporters []string
	// Confidence is the highest individual confidence among supporters.
	Confidence float64
}

type tally struct {
	key       string
	weight    float64
	bestConf  float64
	bestValue any
	first     int
	models    []string
}

const weightEpsilon = 1e-9

// Resolve picks the value with the highest total weight among votes for one
// unit. Ties are broken by highest individual confidence, then by the
// earliest-reporting model. When the winner's share of total weight does not
// exceed the policy's MajorityShare, the outcome is flagged LowConfidence.
func (p Policy) Resolve(unit string, votes []Vote, issues map[string]int) Outcome {
	out := Outcome{Unit: unit}
	if len(votes) == 0 {
		out.LowConfidence = true
		return out
	}

	byKey := make(map[string]*tally)
	var order []*tally
	for _, v := range votes {
		w := p.Weight(v.Model, issues[v.Model])
		out.Total += w
		t, ok := byKey[v.Key]
		if !ok {
			t = &tally{key: v.Key, bestConf: math.Inf(-1), first: v.Order}
			byKey[v.Key] = t
			order = append(order, t)
		}
		t.weight += w
		t.models = append(t.models, v.Model)
		if v.Confidence > t.bestConf || (v.Confidence == t.bestConf && v.Order < t.first) {
			t.bestConf = v.Confidence
			t.bestValue = v.Value
		}
		if v.Order < t.first {
			t.first = v.Order
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if math.Abs(a.weight-b.weight) > weightEpsilon {
			return a.weight > b.weight
		}
		if a.bestConf != b.bestConf {
			return a.bestConf > b.bestConf
		}
		return a.first < b.first
	})

	win := order[0]
	out.Key = win.key
	out.Value = win.bestValue
	out.Weight = win.weight
	out.Confidence = win.bestConf
	out.Supporters = append([]string(nil), win.models...)
	if out.Total > 0 {
		out.Share = win.weight / out.Total
	}
	out.LowConfidence = out.Share <= p.MajorityShare
	return out
}

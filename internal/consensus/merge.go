package consensus

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/planogram-cli/internal/model"
)

// absentKey is the vote a model casts for a unit it did not report.
const absentKey = "<absent>"

// ShelfCandidate is one model's product list for a shelf.
type ShelfCandidate struct {
	Model    string
	Order    int
	Products []model.ProductEntry
	Gaps     []model.GapRecord
}

// ShelfResult is the accepted product list for a shelf.
type ShelfResult struct {
	Shelf         int
	Products      []model.ProductEntry
	Gaps          []model.GapRecord
	LowConfidence []model.Location
	// Supporters maps a unit to the models whose vote was accepted.
	Supporters map[string][]string
}

// normalize folds case and collapses whitespace so cosmetic differences in
// brand or name text do not split votes. A Caser is stateful, so each call
// gets its own.
func normalize(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// ProductKey identifies equivalent product reports.
func ProductKey(p model.ProductEntry) string {
	return fmt.Sprintf("%s|%s|%d|%d", normalize(p.Brand), normalize(p.Name), max(p.Facings, 1), max(p.Stack, 1))
}

// MergeShelf votes position by position across candidates. A model that did
// not report a position votes for its absence, so a single model's
// hallucinated product cannot outvote the others.
func (p Policy) MergeShelf(shelf int, cands []ShelfCandidate, issues map[string]int) ShelfResult {
	res := ShelfResult{Shelf: shelf, Supporters: make(map[string][]string)}
	if len(cands) == 0 {
		return res
	}

	positions := map[int]struct{}{}
	for _, c := range cands {
		for _, pr := range c.Products {
			positions[pr.Position] = struct{}{}
		}
	}

	for _, pos := range sortedKeys(positions) {
		loc := model.Location{Shelf: shelf, Position: pos}
		votes := make([]Vote, 0, len(cands))
		for _, c := range cands {
			pr, ok := findProduct(c.Products, pos)
			if !ok {
				votes = append(votes, Vote{Model: c.Model, Key: absentKey, Order: c.Order})
				continue
			}
			votes = append(votes, Vote{Model: c.Model, Key: ProductKey(pr), Value: pr, Confidence: pr.Confidence, Order: c.Order})
		}

		o := p.Resolve(loc.Unit(), votes, issues)
		res.Supporters[loc.Unit()] = o.Supporters
		if o.LowConfidence {
			res.LowConfidence = append(res.LowConfidence, loc)
		}
		if o.Key == absentKey {
			continue
		}
		pr := o.Value.(model.ProductEntry)
		pr.Shelf = shelf
		pr.Confidence = pr.Confidence * o.Share
		res.Products = append(res.Products, pr)
	}

	res.Gaps = p.mergeGaps(shelf, cands, issues)
	return res
}

func (p Policy) mergeGaps(shelf int, cands []ShelfCandidate, issues map[string]int) []model.GapRecord {
	afters := map[int]struct{}{}
	for _, c := range cands {
		for _, g := range c.Gaps {
			afters[g.After] = struct{}{}
		}
	}

	var out []model.GapRecord
	for _, after := range sortedKeys(afters) {
		votes := make([]Vote, 0, len(cands))
		for _, c := range cands {
			g, ok := findGap(c.Gaps, after)
			if !ok {
				votes = append(votes, Vote{Model: c.Model, Key: absentKey, Order: c.Order})
				continue
			}
			votes = append(votes, Vote{Model: c.Model, Key: fmt.Sprintf("%d", g.Width), Value: g, Confidence: 1, Order: c.Order})
		}
		o := p.Resolve(fmt.Sprintf("shelf %d gap after %d", shelf, after), votes, issues)
		if o.Key == absentKey {
			continue
		}
		g := o.Value.(model.GapRecord)
		g.Shelf = shelf
		out = append(out, g)
	}
	return out
}

// StructureCandidate is one model's fixture reading.
type StructureCandidate struct {
	Model     string
	Order     int
	Structure model.ShelfStructure
}

// MergeStructure votes on shelf count; the accepted structure is the most
// confident report among the supporters of the winning count.
func (p Policy) MergeStructure(cands []StructureCandidate, issues map[string]int) (model.ShelfStructure, Outcome) {
	votes := make([]Vote, 0, len(cands))
	for _, c := range cands {
		votes = append(votes, Vote{
			Model:      c.Model,
			Key:        fmt.Sprintf("%d", c.Structure.ShelfCount),
			Value:      c.Structure,
			Confidence: c.Structure.Confidence,
			Order:      c.Order,
		})
	}
	o := p.Resolve("structure", votes, issues)
	if o.Value == nil {
		return model.ShelfStructure{}, o
	}
	return o.Value.(model.ShelfStructure), o
}

// DetailsCandidate is one model's detail reading for a shelf, keyed by position.
type DetailsCandidate struct {
	Model   string
	Order   int
	Details map[int]model.ProductDetails
}

// MergeDetails votes per position on the price and package fields. Positions
// no model reported are left out of the result.
func (p Policy) MergeDetails(shelf int, cands []DetailsCandidate, issues map[string]int) (map[int]model.ProductDetails, []model.Location) {
	positions := map[int]struct{}{}
	for _, c := range cands {
		for pos := range c.Details {
			positions[pos] = struct{}{}
		}
	}

	out := make(map[int]model.ProductDetails, len(positions))
	var low []model.Location
	for _, pos := range sortedKeys(positions) {
		loc := model.Location{Shelf: shelf, Position: pos}
		var votes []Vote
		for _, c := range cands {
			d, ok := c.Details[pos]
			if !ok {
				continue
			}
			votes = append(votes, Vote{Model: c.Model, Key: detailsKey(d), Value: d, Confidence: 1, Order: c.Order})
		}
		o := p.Resolve(loc.Unit()+" details", votes, issues)
		if o.LowConfidence {
			low = append(low, loc)
		}
		out[pos] = o.Value.(model.ProductDetails)
	}
	return out, low
}

func detailsKey(d model.ProductDetails) string {
	price := func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *v)
	}
	return strings.Join([]string{
		price(d.Price), price(d.PromoPrice), normalize(d.Currency), normalize(d.PackageSize), normalize(d.PackageType),
	}, "|")
}

func findProduct(products []model.ProductEntry, pos int) (model.ProductEntry, bool) {
	for _, pr := range products {
		if pr.Position == pos {
			return pr, true
		}
	}
	return model.ProductEntry{}, false
}

func findGap(gaps []model.GapRecord, after int) (model.GapRecord, bool) {
	for _, g := range gaps {
		if g.After == after {
			return g, true
		}
	}
	return model.GapRecord{}, false
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

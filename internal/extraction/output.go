package extraction

import (
	"sort"

	"github.com/sells-group/planogram-cli/internal/model"
)

// productsOutput is the products-stage response for one shelf.
type productsOutput struct {
	Products []model.ProductEntry `json:"products"`
	Gaps     []model.GapRecord    `json:"gaps"`
}

// detailsOutput is the details-stage response for one shelf.
type detailsOutput struct {
	Products []detailItem `json:"products"`
}

type detailItem struct {
	Position int `json:"position"`
	model.ProductDetails
}

// tidy pins every product to the shelf, fills defaults, orders by position
// and drops duplicate positions. Positions the model left unnumbered are
// assigned in reading order. Details belong to the details stage and are
// discarded here.
func (o productsOutput) tidy(shelf int) ([]model.ProductEntry, []model.GapRecord) {
	products := make([]model.ProductEntry, 0, len(o.Products))
	numbered := true
	for _, p := range o.Products {
		if p.Position < 1 {
			numbered = false
		}
	}
	for i, p := range o.Products {
		p.Shelf = shelf
		p.Details = nil
		if !numbered {
			p.Position = i + 1
		}
		p.Normalize()
		products = append(products, p)
	}
	sort.SliceStable(products, func(i, j int) bool { return products[i].Position < products[j].Position })

	deduped := products[:0]
	last := 0
	for _, p := range products {
		if p.Position == last {
			continue
		}
		deduped = append(deduped, p)
		last = p.Position
	}

	gaps := make([]model.GapRecord, 0, len(o.Gaps))
	for _, g := range o.Gaps {
		if g.Width <= 0 {
			continue
		}
		g.Shelf = shelf
		gaps = append(gaps, g)
	}
	return deduped, gaps
}

func (o detailsOutput) byPosition() map[int]model.ProductDetails {
	out := make(map[int]model.ProductDetails, len(o.Products))
	for _, d := range o.Products {
		if d.Position < 1 {
			continue
		}
		if _, dup := out[d.Position]; dup {
			continue
		}
		out[d.Position] = d.ProductDetails
	}
	return out
}

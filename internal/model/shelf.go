package model

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
)

// Section is the horizontal region of a shelf a product sits in.
type Section string

const (
	SectionLeft   Section = "left"
	SectionCenter Section = "center"
	SectionRight  Section = "right"
)

// ShelfStructure describes the fixture: how many shelves and what surrounds them.
type ShelfStructure struct {
	ShelfCount         int      `json:"shelf_count"`
	FixtureType        string   `json:"fixture_type,omitempty"`
	WidthCM            float64  `json:"width_cm,omitempty"`
	HeightCM           float64  `json:"height_cm,omitempty"`
	NonProductElements []string `json:"non_product_elements,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
}

// ProductDetails are the enrichment attributes filled in by the details stage.
type ProductDetails struct {
	Price       *float64          `json:"price,omitempty"`
	PromoPrice  *float64          `json:"promo_price,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	PackageSize string            `json:"package_size,omitempty"`
	PackageType string            `json:"package_type,omitempty"`
	Color       string            `json:"color,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ProductEntry is one product run on a shelf. Facings units sit side by side;
// Stack counts vertical repeats of each facing.
type ProductEntry struct {
	Shelf      int             `json:"shelf"`
	Position   int             `json:"position"`
	Section    Section         `json:"section,omitempty"`
	Brand      string          `json:"brand"`
	Name       string          `json:"name"`
	Facings    int             `json:"facings"`
	Stack      int             `json:"stack"`
	Confidence float64         `json:"confidence"`
	Details    *ProductDetails `json:"details,omitempty"`
}

// Location returns the semantic unit this product occupies.
func (p ProductEntry) Location() Location {
	return Location{Shelf: p.Shelf, Position: p.Position}
}

// Label is the display label for planogram cells.
func (p ProductEntry) Label() string {
	switch {
	case p.Brand != "" && p.Name != "":
		return p.Brand + " " + p.Name
	case p.Name != "":
		return p.Name
	default:
		return p.Brand
	}
}

// GapRecord is an explicit empty run on a shelf following a position.
// After == 0 places the gap before the first product.
type GapRecord struct {
	Shelf int `json:"shelf"`
	After int `json:"after"`
	Width int `json:"width"`
}

// Location identifies a shelf position. Position 0 refers to a whole shelf.
type Location struct {
	Shelf    int `json:"shelf"`
	Position int `json:"position,omitempty"`
}

// Unit is the stable key used for voting and locking.
func (l Location) Unit() string {
	if l.Position == 0 {
		return fmt.Sprintf("shelf %d", l.Shelf)
	}
	return fmt.Sprintf("shelf %d position %d", l.Shelf, l.Position)
}

// Less orders locations shelf first then position.
func (l Location) Less(o Location) bool {
	if l.Shelf != o.Shelf {
		return l.Shelf < o.Shelf
	}
	return l.Position < o.Position
}

// Extraction is the structured result of one iteration.
type Extraction struct {
	Structure ShelfStructure `json:"structure"`
	Products  []ProductEntry `json:"products"`
	Gaps      []GapRecord    `json:"gaps,omitempty"`
}

// ProductsOnShelf returns a copy of the shelf's products ordered by position.
func (e *Extraction) ProductsOnShelf(shelf int) []ProductEntry {
	var out []ProductEntry
	for _, p := range e.Products {
		if p.Shelf == shelf {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// GapsOnShelf returns a copy of the shelf's gaps ordered by After.
func (e *Extraction) GapsOnShelf(shelf int) []GapRecord {
	var out []GapRecord
	for _, g := range e.Gaps {
		if g.Shelf == shelf {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].After < out[j].After })
	return out
}

// Product looks up the product at a location.
func (e *Extraction) Product(loc Location) (ProductEntry, bool) {
	for _, p := range e.Products {
		if p.Shelf == loc.Shelf && p.Position == loc.Position {
			return p, true
		}
	}
	return ProductEntry{}, false
}

// UnitCount is the number of expected units (products) in the extraction.
// A nil extraction has none.
func (e *Extraction) UnitCount() int {
	if e == nil {
		return 0
	}
	return len(e.Products)
}

// Clone returns a deep copy so callers can hold immutable snapshots.
func (e *Extraction) Clone() *Extraction {
	if e == nil {
		return nil
	}
	out := &Extraction{
		Structure: e.Structure,
		Products:  make([]ProductEntry, len(e.Products)),
		Gaps:      append([]GapRecord(nil), e.Gaps...),
	}
	out.Structure.NonProductElements = append([]string(nil), e.Structure.NonProductElements...)
	for i, p := range e.Products {
		if p.Details != nil {
			d := *p.Details
			if p.Details.Attributes != nil {
				d.Attributes = make(map[string]string, len(p.Details.Attributes))
				for k, v := range p.Details.Attributes {
					d.Attributes[k] = v
				}
			}
			p.Details = &d
		}
		out.Products[i] = p
	}
	return out
}

// Validate checks the per-shelf ordering rules: positions strictly increase,
// facings and stack are at least one, and every shelf is within the structure.
func (e *Extraction) Validate() error {
	if e.Structure.ShelfCount < 1 {
		return eris.New("model: shelf count must be at least 1")
	}
	for shelf := 1; shelf <= e.Structure.ShelfCount; shelf++ {
		last := 0
		for _, p := range e.ProductsOnShelf(shelf) {
			if p.Position <= last {
				return eris.Errorf("model: shelf %d position %d is not strictly increasing", shelf, p.Position)
			}
			if p.Facings < 1 {
				return eris.Errorf("model: %s has %d facings", p.Location().Unit(), p.Facings)
			}
			if p.Stack < 1 {
				return eris.Errorf("model: %s has stack %d", p.Location().Unit(), p.Stack)
			}
			last = p.Position
		}
	}
	for _, p := range e.Products {
		if p.Shelf < 1 || p.Shelf > e.Structure.ShelfCount {
			return eris.Errorf("model: product %q on shelf %d outside structure of %d shelves", p.Label(), p.Shelf, e.Structure.ShelfCount)
		}
	}
	for _, g := range e.Gaps {
		if g.Width < 0 {
			return eris.Errorf("model: gap on shelf %d after %d has negative width", g.Shelf, g.After)
		}
	}
	return nil
}

// Normalize fills defaults the models commonly omit: facings and stack of one.
func (p *ProductEntry) Normalize() {
	if p.Facings < 1 {
		p.Facings = 1
	}
	if p.Stack < 1 {
		p.Stack = 1
	}
	if p.Section == "" {
		p.Section = SectionCenter
	}
}

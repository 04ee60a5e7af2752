package model

// CellKind distinguishes product cells from empty cells.
type CellKind string

const (
	CellProduct CellKind = "product"
	CellEmpty   CellKind = "empty"
)

// Cell is one column of a planogram shelf row. Product cells carry one facing
// of a product; Stack annotates how many units are stacked on that facing.
type Cell struct {
	Kind     CellKind `json:"kind"`
	Position int      `json:"position,omitempty"`
	Brand    string   `json:"brand,omitempty"`
	Name     string   `json:"name,omitempty"`
	Facing   int      `json:"facing,omitempty"`
	Facings  int      `json:"facings,omitempty"`
	Stack    int      `json:"stack,omitempty"`
}

// ShelfRow is one shelf's ordered cells. Used is the cell count before padding.
type ShelfRow struct {
	Shelf int    `json:"shelf"`
	Used  int    `json:"used"`
	Cells []Cell `json:"cells"`
}

// Grid is the rendered planogram. Every row has Width cells.
type Grid struct {
	Width   int        `json:"width"`
	Shelves []ShelfRow `json:"shelves"`
}

// Row returns the row for a shelf number.
func (g *Grid) Row(shelf int) (ShelfRow, bool) {
	for _, r := range g.Shelves {
		if r.Shelf == shelf {
			return r, true
		}
	}
	return ShelfRow{}, false
}

// Package planogram turns an extraction into an aligned shelf grid and, when a
// bitmap is needed for visual comparison, into a PNG image.
package planogram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planogram-cli/internal/model"
)

// Render converts an extraction into a planogram grid. It is pure: the same
// extraction always yields the same cell sequence.
//
// Each shelf is walked in position order. A product emits one cell per facing,
// each annotated with the product's stack height. Explicit gaps emit Width
// empty cells at the point the walk passes their After position; skipped
// position numbers with no explicit gap covering them become one empty cell
// per missing number. Shelves are then right-padded to the widest shelf.
func Render(ex *model.Extraction) *model.Grid {
	grid := &model.Grid{}
	if ex == nil {
		return grid
	}

	for shelf := 1; shelf <= shelfCount(ex); shelf++ {
		row := model.ShelfRow{Shelf: shelf}
		gaps := EffectiveGaps(ex, shelf)
		gi := 0

		emitGapsBefore := func(pos int) {
			for gi < len(gaps) && gaps[gi].After < pos {
				row.Cells = appendEmpty(row.Cells, gaps[gi].Width)
				gi++
			}
		}

		for _, p := range ex.ProductsOnShelf(shelf) {
			emitGapsBefore(p.Position)
			facings := max(p.Facings, 1)
			stack := max(p.Stack, 1)
			for f := 1; f <= facings; f++ {
				row.Cells = append(row.Cells, model.Cell{
					Kind:     model.CellProduct,
					Position: p.Position,
					Brand:    p.Brand,
					Name:     p.Name,
					Facing:   f,
					Facings:  facings,
					Stack:    stack,
				})
			}
		}
		for ; gi < len(gaps); gi++ {
			row.Cells = appendEmpty(row.Cells, gaps[gi].Width)
		}

		row.Used = len(row.Cells)
		grid.Width = max(grid.Width, row.Used)
		grid.Shelves = append(grid.Shelves, row)
	}

	for i := range grid.Shelves {
		grid.Shelves[i].Cells = appendEmpty(grid.Shelves[i].Cells, grid.Width-grid.Shelves[i].Used)
	}
	return grid
}

// EffectiveGaps returns the gaps that occupy space on a shelf: explicit gap
// records plus one-wide gaps for skipped position numbers that no explicit
// record already covers. The result is ordered by After.
func EffectiveGaps(ex *model.Extraction, shelf int) []model.GapRecord {
	explicit := ex.GapsOnShelf(shelf)
	products := ex.ProductsOnShelf(shelf)

	covered := func(lo, hi int) bool {
		for _, g := range explicit {
			if g.After >= lo && g.After < hi {
				return true
			}
		}
		return false
	}

	out := make([]model.GapRecord, 0, len(explicit))
	last := 0
	for _, p := range products {
		if missing := p.Position - last - 1; missing > 0 && !covered(last, p.Position) {
			out = append(out, model.GapRecord{Shelf: shelf, After: last, Width: missing})
		}
		last = p.Position
	}
	for _, g := range explicit {
		if g.Width > 0 {
			out = append(out, g)
		}
	}
	sortGaps(out)
	return out
}

// Validate checks the grid against the extraction it was rendered from: every
// shelf uses exactly Σfacings + Σgap widths cells and all rows share Width.
func Validate(ex *model.Extraction, grid *model.Grid) error {
	if grid == nil {
		return eris.New("planogram: nil grid")
	}
	for _, row := range grid.Shelves {
		if len(row.Cells) != grid.Width {
			return eris.Errorf("planogram: shelf %d has %d cells, grid width %d", row.Shelf, len(row.Cells), grid.Width)
		}
		if ex == nil {
			continue
		}
		want := 0
		for _, p := range ex.ProductsOnShelf(row.Shelf) {
			want += max(p.Facings, 1)
		}
		for _, g := range EffectiveGaps(ex, row.Shelf) {
			want += g.Width
		}
		if row.Used != want {
			return eris.Errorf("planogram: shelf %d used %d cells, expected %d", row.Shelf, row.Used, want)
		}
		for _, c := range row.Cells[row.Used:] {
			if c.Kind != model.CellEmpty {
				return eris.Errorf("planogram: shelf %d padding contains a product cell", row.Shelf)
			}
		}
	}
	return nil
}

// Describe renders the grid as a compact text listing for comparison prompts.
// Runs of identical cells are collapsed, so a product with three facings and
// a stack of two reads "[3] Brand Name x3 stack 2".
func Describe(grid *model.Grid) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Planogram: %d shelves, %d columns (shelf 1 is the top shelf)\n", len(grid.Shelves), grid.Width)
	for _, row := range grid.Shelves {
		fmt.Fprintf(&b, "Shelf %d (%d used):", row.Shelf, row.Used)
		if len(row.Cells) == 0 {
			b.WriteString(" empty\n")
			continue
		}
		for i := 0; i < len(row.Cells); {
			c := row.Cells[i]
			j := i + 1
			for j < len(row.Cells) && sameRun(c, row.Cells[j]) {
				j++
			}
			if c.Kind == model.CellEmpty {
				fmt.Fprintf(&b, " [gap x%d]", j-i)
			} else {
				label := strings.TrimSpace(c.Brand + " " + c.Name)
				fmt.Fprintf(&b, " [%d] %s x%d", c.Position, label, j-i)
				if c.Stack > 1 {
					fmt.Fprintf(&b, " stack %d", c.Stack)
				}
			}
			i = j
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sameRun(a, b model.Cell) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == model.CellEmpty {
		return true
	}
	return a.Position == b.Position
}

func appendEmpty(cells []model.Cell, n int) []model.Cell {
	for i := 0; i < n; i++ {
		cells = append(cells, model.Cell{Kind: model.CellEmpty})
	}
	return cells
}

// shelfCount never drops products that sit above the declared shelf count.
func shelfCount(ex *model.Extraction) int {
	n := ex.Structure.ShelfCount
	for _, p := range ex.Products {
		n = max(n, p.Shelf)
	}
	for _, g := range ex.Gaps {
		n = max(n, g.Shelf)
	}
	return n
}

func sortGaps(gaps []model.GapRecord) {
	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].After < gaps[j].After })
}

package model

// MismatchType classifies a discrepancy between the photo and the planogram.
type MismatchType string

const (
	MismatchWrongShelf    MismatchType = "wrong_shelf"
	MismatchWrongQuantity MismatchType = "wrong_quantity"
	MismatchWrongPosition MismatchType = "wrong_position"
	MismatchMissing       MismatchType = "missing"
	MismatchExtra         MismatchType = "extra"
)

// Valid reports whether t is one of the known mismatch types.
func (t MismatchType) Valid() bool {
	switch t {
	case MismatchWrongShelf, MismatchWrongQuantity, MismatchWrongPosition, MismatchMissing, MismatchExtra:
		return true
	}
	return false
}

// Match is a planogram unit the comparison confirmed against the photo.
type Match struct {
	Location   Location `json:"location"`
	Product    string   `json:"product,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Mismatch is one discrepancy found by visual comparison.
type Mismatch struct {
	Type              MismatchType `json:"type"`
	Product           string       `json:"product,omitempty"`
	PhotoLocation     *Location    `json:"photo_location,omitempty"`
	PlanogramLocation *Location    `json:"planogram_location,omitempty"`
	Confidence        float64      `json:"confidence"`
	Note              string       `json:"note,omitempty"`
}

// Location returns the location the mismatch should be re-examined at:
// the planogram side when known, else the photo side.
func (m Mismatch) Location() (Location, bool) {
	if m.PlanogramLocation != nil {
		return *m.PlanogramLocation, true
	}
	if m.PhotoLocation != nil {
		return *m.PhotoLocation, true
	}
	return Location{}, false
}

// ComparisonReport is the output of comparing the rendered planogram to the photo.
type ComparisonReport struct {
	Matches    []Match    `json:"matches"`
	Mismatches []Mismatch `json:"mismatches"`
	Summary    string     `json:"summary,omitempty"`
}

// CountByType tallies mismatches per type.
func (r *ComparisonReport) CountByType() map[MismatchType]int {
	out := make(map[MismatchType]int)
	if r == nil {
		return out
	}
	for _, m := range r.Mismatches {
		out[m.Type]++
	}
	return out
}

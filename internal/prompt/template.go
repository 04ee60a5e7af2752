// Package prompt renders stage prompts from structured templates: static
// segments plus one optional retry segment that only appears once a prior
// iteration exists.
package prompt

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Placeholder names a typed value substituted into a template.
type Placeholder string

const (
	Scope           Placeholder = "scope"
	Shelf           Placeholder = "shelf"
	ShelfCount      Placeholder = "shelf_count"
	Products        Placeholder = "products"
	PlanogramText   Placeholder = "planogram"
	PriorResults    Placeholder = "prior_results"
	LockedItems     Placeholder = "locked_items"
	VisualFeedback  Placeholder = "visual_feedback"
	FocusAreas      Placeholder = "focus_areas"
	IterationNumber Placeholder = "iteration"
)

const (
	placeholderOpen  = "{{"
	placeholderClose = "}}"
)

var known = map[Placeholder]bool{
	Scope: true, Shelf: true, ShelfCount: true, Products: true, PlanogramText: true,
	PriorResults: true, LockedItems: true, VisualFeedback: true, FocusAreas: true,
	IterationNumber: true,
}

// part is either literal text or a placeholder reference.
type part struct {
	text string
	ph   Placeholder
}

// Segment is a parsed run of literal text and placeholders.
type Segment struct {
	parts []part
}

// Placeholders lists the placeholders the segment references, in order of
// first appearance.
func (s Segment) Placeholders() []Placeholder {
	var out []Placeholder
	seen := map[Placeholder]bool{}
	for _, p := range s.parts {
		if p.ph != "" && !seen[p.ph] {
			seen[p.ph] = true
			out = append(out, p.ph)
		}
	}
	return out
}

func (s Segment) render(b Bindings) string {
	var sb strings.Builder
	for _, p := range s.parts {
		if p.ph == "" {
			sb.WriteString(p.text)
			continue
		}
		sb.WriteString(b[p.ph])
	}
	return strings.TrimSpace(sb.String())
}

// ParseSegment splits text on {{name}} markers. Unknown or unterminated
// placeholders are errors.
func ParseSegment(text string) (Segment, error) {
	var seg Segment
	rest := text
	for rest != "" {
		i := strings.Index(rest, placeholderOpen)
		if i < 0 {
			seg.parts = append(seg.parts, part{text: rest})
			break
		}
		if i > 0 {
			seg.parts = append(seg.parts, part{text: rest[:i]})
		}
		rest = rest[i+len(placeholderOpen):]
		j := strings.Index(rest, placeholderClose)
		if j < 0 {
			return Segment{}, eris.New("prompt: unterminated placeholder")
		}
		name := Placeholder(strings.TrimSpace(rest[:j]))
		if !known[name] {
			return Segment{}, eris.Errorf("prompt: unknown placeholder %q", name)
		}
		seg.parts = append(seg.parts, part{ph: name})
		rest = rest[j+len(placeholderClose):]
	}
	return seg, nil
}

// Source is the textual form of a template as it appears in the stage file.
type Source struct {
	Header string `yaml:"header" mapstructure:"header"`
	// Retry is the conditional segment, rendered only on iteration 2 and later.
	Retry  string `yaml:"retry" mapstructure:"retry"`
	Footer string `yaml:"footer" mapstructure:"footer"`
}

// Template is a parsed stage prompt.
type Template struct {
	Name   string
	header Segment
	retry  *Segment
	footer Segment
}

// New parses a template source.
func New(name string, src Source) (*Template, error) {
	header, err := ParseSegment(src.Header)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: parse %s header", name)
	}
	footer, err := ParseSegment(src.Footer)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: parse %s footer", name)
	}
	t := &Template{Name: name, header: header, footer: footer}
	if strings.TrimSpace(src.Retry) != "" {
		retry, err := ParseSegment(src.Retry)
		if err != nil {
			return nil, eris.Wrapf(err, "prompt: parse %s retry segment", name)
		}
		t.retry = &retry
	}
	return t, nil
}

// MustNew is New for built-in templates that are known to parse.
func MustNew(name string, src Source) *Template {
	t, err := New(name, src)
	if err != nil {
		panic(err)
	}
	return t
}

// HasRetrySegment reports whether the template carries a conditional segment.
func (t *Template) HasRetrySegment() bool {
	return t.retry != nil
}

// Placeholders returns every placeholder referenced anywhere in the template.
func (t *Template) Placeholders() []Placeholder {
	seen := map[Placeholder]bool{}
	for _, seg := range t.segments() {
		for _, ph := range seg.Placeholders() {
			seen[ph] = true
		}
	}
	out := make([]Placeholder, 0, len(seen))
	for ph := range seen {
		out = append(out, ph)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Template) segments() []Segment {
	segs := []Segment{t.header}
	if t.retry != nil {
		segs = append(segs, *t.retry)
	}
	return append(segs, t.footer)
}

// Render produces the prompt for one call. The retry segment is omitted
// entirely when iteration <= 1.
func (t *Template) Render(iteration int, b Bindings) string {
	blocks := make([]string, 0, 3)
	add := func(seg Segment) {
		if text := seg.render(b); text != "" {
			blocks = append(blocks, text)
		}
	}
	add(t.header)
	if t.retry != nil && iteration >= 2 {
		add(*t.retry)
	}
	add(t.footer)
	return strings.Join(blocks, "\n\n")
}

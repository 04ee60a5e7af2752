package cost

// Estimate is the expected token footprint of one call.
type Estimate struct {
	InputTokens  int `yaml:"input_tokens" mapstructure:"input_tokens"`
	OutputTokens int `yaml:"output_tokens" mapstructure:"output_tokens"`
	// ImageTokens is added to the input for every attached image.
	ImageTokens int `yaml:"image_tokens" mapstructure:"image_tokens"`
}

// Estimates holds per-stage call estimates.
type Estimates struct {
	Default Estimate            `yaml:"default" mapstructure:"default"`
	Stages  map[string]Estimate `yaml:"stages" mapstructure:"stages"`
}

// DefaultEstimates are conservative footprints for a vision call.
func DefaultEstimates() Estimates {
	return Estimates{
		Default: Estimate{InputTokens: 1500, OutputTokens: 1000, ImageTokens: 1600},
		Stages: map[string]Estimate{
			"structure":  {InputTokens: 800, OutputTokens: 300, ImageTokens: 1600},
			"products":   {InputTokens: 1500, OutputTokens: 1500, ImageTokens: 1600},
			"details":    {InputTokens: 1800, OutputTokens: 1200, ImageTokens: 1600},
			"comparison": {InputTokens: 2000, OutputTokens: 1500, ImageTokens: 1600},
		},
	}
}

func (e Estimates) forStage(stage string) Estimate {
	if est, ok := e.Stages[stage]; ok {
		return est
	}
	return e.Default
}

// PlannedCall is a group of identical calls an iteration intends to make.
type PlannedCall struct {
	Stage  string
	Model  string
	Images int
	Count  int
}

// Plan is every call group of one iteration.
type Plan []PlannedCall

// Calls is the total number of calls in the plan.
func (p Plan) Calls() int {
	n := 0
	for _, c := range p {
		n += c.Count
	}
	return n
}

// Projector estimates iteration cost before any call is issued.
type Projector struct {
	calc      *Calculator
	estimates Estimates
}

// NewProjector creates a Projector.
func NewProjector(calc *Calculator, est Estimates) *Projector {
	return &Projector{calc: calc, estimates: est}
}

// ProjectIteration prices a plan with the static estimates.
func (p *Projector) ProjectIteration(plan Plan) float64 {
	total := 0.0
	for _, pc := range plan {
		if pc.Count <= 0 {
			continue
		}
		est := p.estimates.forStage(pc.Stage)
		u := Usage{
			Input:  est.InputTokens + pc.Images*est.ImageTokens,
			Output: est.OutputTokens,
		}
		total += p.calc.Cost(pc.Model, u) * float64(pc.Count)
	}
	return total
}

package config

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/prompt"
	"github.com/sells-group/planogram-cli/internal/stage"
)

//go:embed stages.yaml
var defaultStages []byte

// StageFile is the on-disk form of one stage definition.
type StageFile struct {
	Models      []string       `yaml:"models"`
	Temperature *float64       `yaml:"temperature"`
	MaxTokens   int            `yaml:"max_tokens"`
	System      string         `yaml:"system"`
	Prompt      prompt.Source  `yaml:"prompt"`
	Schema      map[string]any `yaml:"schema"`
}

type stagesFile struct {
	Structure  *StageFile `yaml:"structure"`
	Products   *StageFile `yaml:"products"`
	Details    *StageFile `yaml:"details"`
	Comparison *StageFile `yaml:"comparison"`
}

// DefaultStages returns the built-in stage set.
func DefaultStages() (stage.Set, error) {
	return ParseStages(defaultStages)
}

// LoadStages reads a stage file. Stages missing from the file keep their
// built-in definition; an empty path loads only the built-ins.
func LoadStages(path string) (stage.Set, error) {
	if path == "" {
		return DefaultStages()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return stage.Set{}, eris.Wrapf(err, "config: read stages %s", path)
	}
	return ParseStages(data)
}

// ParseStages decodes stage YAML layered over the built-in definitions.
func ParseStages(data []byte) (stage.Set, error) {
	var base, override stagesFile
	if err := yaml.Unmarshal(defaultStages, &base); err != nil {
		return stage.Set{}, eris.Wrap(err, "config: parse built-in stages")
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return stage.Set{}, eris.Wrap(err, "config: parse stages")
	}
	pick := func(o, b *StageFile) *StageFile {
		if o != nil {
			return o
		}
		return b
	}

	var (
		set stage.Set
		err error
	)
	if set.Structure, err = buildStage(model.StageStructure, pick(override.Structure, base.Structure)); err != nil {
		return stage.Set{}, err
	}
	if set.Products, err = buildStage(model.StageProducts, pick(override.Products, base.Products)); err != nil {
		return stage.Set{}, err
	}
	if set.Details, err = buildStage(model.StageDetails, pick(override.Details, base.Details)); err != nil {
		return stage.Set{}, err
	}
	if set.Comparison, err = buildStage(model.StageComparison, pick(override.Comparison, base.Comparison)); err != nil {
		return stage.Set{}, err
	}
	return set, set.Validate()
}

func buildStage(name model.Stage, sf *StageFile) (stage.Config, error) {
	cfg := stage.Config{Name: name}
	if sf == nil {
		return cfg, nil
	}
	tmpl, err := prompt.New(string(name), sf.Prompt)
	if err != nil {
		return stage.Config{}, eris.Wrapf(err, "config: stage %s", name)
	}
	cfg.Template = tmpl
	cfg.System = sf.System
	cfg.Models = sf.Models
	cfg.Temperature = sf.Temperature
	cfg.MaxTokens = sf.MaxTokens
	if len(sf.Schema) > 0 {
		schema, err := invoke.CompileSchema(string(name), sf.Schema)
		if err != nil {
			return stage.Config{}, eris.Wrapf(err, "config: stage %s", name)
		}
		cfg.Schema = schema
	}
	return cfg, nil
}

package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/auterity/engine-go/internal/models"
)

// ValidatorOptions tune deployment policy knobs.
type ValidatorOptions struct {
	// RejectUnreachable fails validation when a node cannot be reached from
	// the start node. Default deployment policy is to reject.
	RejectUnreachable bool
}

// Validator checks workflow definitions before they are accepted for
// execution. Validation is pure: no I/O, no state beyond the options.
type Validator struct {
	opts   ValidatorOptions
	params *validator.Validate
}

// NewValidator builds a validator with the default deployment policy.
func NewValidator() *Validator {
	return &Validator{
		opts:   ValidatorOptions{RejectUnreachable: true},
		params: validator.New(),
	}
}

// NewValidatorWithOptions builds a validator with explicit policy options.
func NewValidatorWithOptions(opts ValidatorOptions) *Validator {
	return &Validator{opts: opts, params: validator.New()}
}

// ParseDefinition decodes the persisted JSON shape into a definition. Step
// payloads arrive under the node's "data" key.
func ParseDefinition(raw []byte) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, models.WrapError(models.KindSchema, "definition is not valid JSON", err)
	}
	return &def, nil
}

// Validate checks a definition and returns its graph view on success. Every
// rejection carries a stable kind from the validation taxonomy.
func (v *Validator) Validate(def *models.WorkflowDefinition) (*Graph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, models.NewError(models.KindSchema, "definition has no nodes")
	}

	nodeIDs := make(map[string]models.StepType, len(def.Nodes))
	startCount := 0
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, models.NewError(models.KindSchema, "node with empty id")
		}
		if _, dup := nodeIDs[n.ID]; dup {
			return nil, models.NewErrorf(models.KindDuplicateID, "step id %q appears more than once", n.ID)
		}
		nodeIDs[n.ID] = n.Type
		switch n.Type {
		case models.StepTypeStart:
			startCount++
		case models.StepTypeEnd, models.StepTypeInput, models.StepTypeProcess, models.StepTypeOutput, models.StepTypeAI:
		default:
			return nil, models.NewErrorf(models.KindUnknownStepType, "step %q has unknown type %q", n.ID, n.Type).WithStep(n.ID)
		}
	}
	if startCount != 1 {
		return nil, models.NewErrorf(models.KindSchema, "definition must have exactly one start step, found %d", startCount)
	}

	for _, e := range def.Edges {
		if _, ok := nodeIDs[e.Source]; !ok {
			return nil, models.NewErrorf(models.KindDanglingEdge, "edge source %q is not a declared node", e.Source)
		}
		if _, ok := nodeIDs[e.Target]; !ok {
			return nil, models.NewErrorf(models.KindDanglingEdge, "edge target %q is not a declared node", e.Target)
		}
	}

	g := NewGraph(def)

	if cyclic, node := g.HasCycle(); cyclic {
		return nil, models.NewErrorf(models.KindCycleDetected, "cycle detected involving step %q", node)
	}

	if v.opts.RejectUnreachable {
		reachable := g.Reachable([]string{g.StartID})
		for _, n := range def.Nodes {
			if !reachable[n.ID] {
				return nil, models.NewErrorf(models.KindUnreachableNode, "step %q cannot be reached from start", n.ID).WithStep(n.ID)
			}
		}
	}

	for _, n := range def.Nodes {
		if err := v.validateBindings(g, &n); err != nil {
			return nil, err
		}
		if err := v.ValidateParameters(&n); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// validateBindings checks that every input binding resolves to a declared
// workflow input or an ancestor step's output.
func (v *Validator) validateBindings(g *Graph, step *models.Step) error {
	if len(step.InputBindings) == 0 {
		return nil
	}
	ancestors := g.Ancestors(step.ID)
	for name, b := range step.InputBindings {
		switch b.Source {
		case models.BindingLiteral:
		case models.BindingWorkflowInput:
			if b.InputName == "" {
				return models.NewErrorf(models.KindInvalidBinding,
					"binding %q on step %q names no workflow input", name, step.ID).WithStep(step.ID)
			}
			if len(g.Definition.DeclaredInputs) > 0 {
				if _, ok := g.Definition.DeclaredInputs[b.InputName]; !ok {
					return models.NewErrorf(models.KindInvalidBinding,
						"binding %q on step %q references undeclared workflow input %q", name, step.ID, b.InputName).WithStep(step.ID)
				}
			}
		case models.BindingStepOutput:
			if g.Definition.StepByID(b.StepID) == nil {
				return models.NewErrorf(models.KindInvalidBinding,
					"binding %q on step %q references unknown step %q", name, step.ID, b.StepID).WithStep(step.ID)
			}
			if !ancestors[b.StepID] {
				return models.NewErrorf(models.KindInvalidBinding,
					"binding %q on step %q references step %q which is not a predecessor", name, step.ID, b.StepID).WithStep(step.ID)
			}
		default:
			return models.NewErrorf(models.KindInvalidBinding,
				"binding %q on step %q has unknown source %q", name, step.ID, b.Source).WithStep(step.ID)
		}
	}
	return nil
}

// Per-type parameter shapes. Decoded with mapstructure and checked
// structurally with validator tags.

type inputParams struct {
	Keys     []string `mapstructure:"keys" validate:"required,min=1,dive,required"`
	Optional bool     `mapstructure:"optional"`
}

type processParams struct {
	Transform string `mapstructure:"transform" validate:"required,oneof=identity uppercase jsonExtract templateRender"`
	Path      string `mapstructure:"path"`
	Template  string `mapstructure:"template"`
	Strict    bool   `mapstructure:"strict"`
}

type aiParams struct {
	Prompt                string   `mapstructure:"prompt" validate:"required"`
	PreferredCapabilities []string `mapstructure:"preferred_capabilities"`
	MaxCostCents          float64  `mapstructure:"max_cost_cents" validate:"gte=0"`
	MaxLatencyMs          int64    `mapstructure:"max_latency_ms" validate:"gte=0"`
}

// ValidateParameters checks the step's type-specific parameter schema.
func (v *Validator) ValidateParameters(step *models.Step) error {
	var target any
	switch step.Type {
	case models.StepTypeInput:
		target = &inputParams{}
	case models.StepTypeProcess:
		target = &processParams{}
	case models.StepTypeAI:
		target = &aiParams{}
	default:
		// start, end, output carry no structural parameters
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		ErrorUnused: false,
	})
	if err != nil {
		return fmt.Errorf("failed to build parameter decoder: %w", err)
	}
	if err := decoder.Decode(step.Parameters); err != nil {
		return models.WrapError(models.KindParameterSchema,
			fmt.Sprintf("step %q parameters do not match the %s schema", step.ID, step.Type), err).WithStep(step.ID)
	}
	if err := v.params.Struct(target); err != nil {
		return models.WrapError(models.KindParameterSchema,
			fmt.Sprintf("step %q parameters failed validation", step.ID), err).WithStep(step.ID)
	}

	if p, ok := target.(*processParams); ok {
		switch p.Transform {
		case "jsonExtract":
			if p.Path == "" {
				return models.NewErrorf(models.KindParameterSchema,
					"step %q jsonExtract requires a path", step.ID).WithStep(step.ID)
			}
		case "templateRender":
			if p.Template == "" {
				return models.NewErrorf(models.KindParameterSchema,
					"step %q templateRender requires a template", step.ID).WithStep(step.ID)
			}
		}
	}
	return nil
}

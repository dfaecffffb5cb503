package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/auterity/engine-go/internal/airouter"
	"github.com/auterity/engine-go/internal/models"
)

// StartHandler produces a synthetic output equal to the execution's inputs.
// It always succeeds.
type StartHandler struct{}

func (h *StartHandler) Type() models.StepType { return models.StepTypeStart }
func (h *StartHandler) ValidateParameters(params map[string]any) error { return nil }
func (h *StartHandler) Idempotent() bool { return true }

func (h *StartHandler) Execute(ctx context.Context, sc *Context) (*Result, error) {
	return &Result{Outputs: sc.ExecutionInputs.Clone()}, nil
}

// EndHandler is the terminal marker. It accepts inputs and produces nothing.
type EndHandler struct{}

func (h *EndHandler) Type() models.StepType { return models.StepTypeEnd }
func (h *EndHandler) ValidateParameters(params map[string]any) error { return nil }
func (h *EndHandler) Idempotent() bool { return true }

func (h *EndHandler) Execute(ctx context.Context, sc *Context) (*Result, error) {
	return &Result{}, nil
}

// InputHandler selects a subset of the execution inputs by key.
type InputHandler struct{}

type inputHandlerParams struct {
	Keys     []string `mapstructure:"keys"`
	Optional bool     `mapstructure:"optional"`
}

func (h *InputHandler) Type() models.StepType { return models.StepTypeInput }
func (h *InputHandler) Idempotent() bool { return true }

func (h *InputHandler) ValidateParameters(params map[string]any) error {
	var p inputHandlerParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return models.WrapError(models.KindParameterSchema, "input step parameters are malformed", err)
	}
	if len(p.Keys) == 0 {
		return models.NewError(models.KindParameterSchema, "input step requires at least one key")
	}
	return nil
}

func (h *InputHandler) Execute(ctx context.Context, sc *Context) (*Result, error) {
	var p inputHandlerParams
	if err := mapstructure.Decode(sc.Params, &p); err != nil {
		return nil, models.WrapError(models.KindParameterSchema, "input step parameters are malformed", err)
	}
	outputs := make(models.JSONMap, len(p.Keys))
	for _, key := range p.Keys {
		value, ok := sc.ExecutionInputs[key]
		if !ok {
			if p.Optional {
				continue
			}
			return nil, models.NewErrorf(models.KindInvalidInput, "required input %q is absent", key)
		}
		outputs[key] = value
	}
	return &Result{Outputs: outputs}, nil
}

// ProcessHandler applies a declared transformation to its resolved inputs.
// Supported transforms: identity, uppercase, jsonExtract(path),
// templateRender(template).
type ProcessHandler struct{}

type processHandlerParams struct {
	Transform string `mapstructure:"transform"`
	Path      string `mapstructure:"path"`
	Template  string `mapstructure:"template"`
	Strict    bool   `mapstructure:"strict"`
}

func (h *ProcessHandler) Type() models.StepType { return models.StepTypeProcess }
func (h *ProcessHandler) Idempotent() bool { return true }

func (h *ProcessHandler) ValidateParameters(params map[string]any) error {
	var p processHandlerParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return models.WrapError(models.KindParameterSchema, "process step parameters are malformed", err)
	}
	switch p.Transform {
	case "identity", "uppercase":
		return nil
	case "jsonExtract":
		if p.Path == "" {
			return models.NewError(models.KindParameterSchema, "jsonExtract requires a path")
		}
		return nil
	case "templateRender":
		if p.Template == "" {
			return models.NewError(models.KindParameterSchema, "templateRender requires a template")
		}
		return nil
	default:
		return models.NewErrorf(models.KindParameterSchema, "unknown transform %q", p.Transform)
	}
}

func (h *ProcessHandler) Execute(ctx context.Context, sc *Context) (*Result, error) {
	var p processHandlerParams
	if err := mapstructure.Decode(sc.Params, &p); err != nil {
		return nil, models.WrapError(models.KindParameterSchema, "process step parameters are malformed", err)
	}

	switch p.Transform {
	case "identity":
		return &Result{Outputs: sc.Inputs.Clone()}, nil

	case "uppercase":
		outputs := make(models.JSONMap, len(sc.Inputs))
		for k, v := range sc.Inputs {
			if s, ok := v.(string); ok {
				outputs[k] = strings.ToUpper(s)
			} else {
				outputs[k] = v
			}
		}
		return &Result{Outputs: outputs}, nil

	case "jsonExtract":
		doc, err := json.Marshal(sc.Inputs)
		if err != nil {
			return nil, models.WrapError(models.KindTransformError, "inputs are not JSON-encodable", err)
		}
		extracted := gjson.GetBytes(doc, p.Path)
		if !extracted.Exists() {
			if p.Strict {
				return nil, models.NewErrorf(models.KindTransformError, "path %q matched nothing", p.Path)
			}
			return &Result{Outputs: models.JSONMap{"value": nil}}, nil
		}
		raw, err := sjson.SetRaw(`{}`, "value", extracted.Raw)
		if err != nil {
			return nil, models.WrapError(models.KindTransformError, "failed to shape extracted value", err)
		}
		var outputs models.JSONMap
		if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
			return nil, models.WrapError(models.KindTransformError, "failed to decode extracted value", err)
		}
		return &Result{Outputs: outputs}, nil

	case "templateRender":
		tmpl, err := template.New("transform").Option("missingkey=error").Parse(p.Template)
		if err != nil {
			return nil, models.WrapError(models.KindTransformError, "template is malformed", err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, map[string]any(sc.Inputs)); err != nil {
			if p.Strict {
				return nil, models.WrapError(models.KindTransformError, "template referenced a missing key", err)
			}
			buf.Reset()
			lenient := template.Must(template.New("transform").Parse(p.Template))
			if err := lenient.Execute(&buf, map[string]any(sc.Inputs)); err != nil {
				return nil, models.WrapError(models.KindTransformError, "template rendering failed", err)
			}
		}
		return &Result{Outputs: models.JSONMap{"text": buf.String()}}, nil

	default:
		return nil, models.NewErrorf(models.KindParameterSchema, "unknown transform %q", p.Transform)
	}
}

// OutputHandler collects its resolved inputs as execution outputs. The engine
// merges outputs across multiple output steps last-writer-wins per key and
// logs a warning on collisions.
type OutputHandler struct{}

func (h *OutputHandler) Type() models.StepType { return models.StepTypeOutput }
func (h *OutputHandler) ValidateParameters(params map[string]any) error { return nil }
func (h *OutputHandler) Idempotent() bool { return true }

func (h *OutputHandler) Execute(ctx context.Context, sc *Context) (*Result, error) {
	return &Result{Outputs: sc.Inputs.Clone()}, nil
}

// AIHandler delegates to the routing client. The prompt comes from the step
// parameters; a "prompt" key in the resolved inputs takes precedence so
// upstream steps can assemble it.
type AIHandler struct{}

type aiHandlerParams struct {
	Prompt                string   `mapstructure:"prompt"`
	PreferredCapabilities []string `mapstructure:"preferred_capabilities"`
	MaxCostCents          float64  `mapstructure:"max_cost_cents"`
	MaxLatencyMs          int64    `mapstructure:"max_latency_ms"`
}

func (h *AIHandler) Type() models.StepType { return models.StepTypeAI }

func (h *AIHandler) ValidateParameters(params map[string]any) error {
	var p aiHandlerParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return models.WrapError(models.KindParameterSchema, "ai step parameters are malformed", err)
	}
	if p.Prompt == "" {
		return models.NewError(models.KindParameterSchema, "ai step requires a prompt")
	}
	return nil
}

func (h *AIHandler) Execute(ctx context.Context, sc *Context) (*Result, error) {
	if sc.Router == nil {
		return nil, models.NewError(models.KindAIUnavailable, "no ai routing client configured")
	}

	var p aiHandlerParams
	if err := mapstructure.Decode(sc.Params, &p); err != nil {
		return nil, models.WrapError(models.KindParameterSchema, "ai step parameters are malformed", err)
	}
	prompt := p.Prompt
	if override, ok := sc.Inputs["prompt"].(string); ok && override != "" {
		prompt = override
	}

	resp, err := sc.Router.Route(ctx, airouter.Request{
		TenantID:              sc.TenantID,
		Prompt:                prompt,
		PreferredCapabilities: p.PreferredCapabilities,
		MaxCostCents:          p.MaxCostCents,
		MaxLatencyMs:          p.MaxLatencyMs,
	})
	if err != nil {
		return nil, err
	}

	decision := &models.ModelRoutingDecision{
		ExecutionID:        sc.Record.ExecutionID,
		StepID:             sc.Record.StepID,
		ModelID:            resp.ModelID,
		Provider:           resp.Provider,
		EstimatedCostCents: resp.EstimatedCents,
		ActualCostCents:    resp.ActualCents,
		PromptTokens:       resp.Usage.PromptTokens,
		CompletionTokens:   resp.Usage.CompletionTokens,
		LatencyMs:          resp.LatencyMs,
		FallbackDepth:      resp.FallbackDepth,
	}

	return &Result{
		Outputs: models.JSONMap{
			"text":     resp.Text,
			"model_id": resp.ModelID,
			"usage": models.JSONMap{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
			},
			"cost_cents": resp.ActualCents,
		},
		RoutingDecision: decision,
		Attempts:        resp.TotalAttempts,
	}, nil
}

package step

import (
	"context"
	"fmt"
	"strings"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/tool"
	"github.com/leadflow-ai/leadflow/internal/types"
)

// toolCallStep invokes a tool template declared in the workflow
// definition. Config references the template by name; overrides are
// merged on top of the template config and both sides are interpolated
// against the run data before execution.
func toolCallStep() Definition {
	s := schema.Object(map[string]schema.Field{
		"tool":      schema.String("name of a tool template declared in the definition"),
		"overrides": schema.Map("config values merged over the template config"),
		"responseMapping": schema.Map(
			"maps run-data keys to dotted paths inside the tool result data"),
		"saveAs": schema.String("run-data key that receives the full tool result data"),
	}, "tool")

	return Definition{
		Type:         "toolCall",
		Description:  "Executes a tool template from the workflow definition",
		ConfigSchema: &s,
		Run: func(ctx context.Context, ec *ExecContext) (*Output, error) {
			templateName, _ := ec.Step.Config["tool"].(string)
			template := ec.Definition.GetTemplate(templateName)
			if template == nil {
				return nil, types.NewError(types.TOOL_TEMPLATE_NOT_FOUND,
					fmt.Sprintf("tool template %q is not declared in the workflow", templateName))
			}

			config := make(map[string]any, len(template.Config))
			for key, value := range template.Config {
				config[key] = value
			}
			if overrides, ok := ec.Step.Config["overrides"].(map[string]any); ok {
				for key, value := range overrides {
					config[key] = value
				}
			}
			interpolated, _ := Interpolate(config, ec.Data, ec.Metadata()).(map[string]any)

			result := ec.Tools.Execute(ctx, template.ToolType, interpolated, tool.ExecuteOptions{
				AllowedDomains: template.AllowedDomains,
			})
			if !result.Success {
				if result.Permanent {
					// Unknown tool type or rejected config; retrying
					// cannot change the outcome.
					return nil, types.NewError(types.TOOL_CONFIG_INVALID,
						fmt.Sprintf("tool %s failed: %s", template.Name, result.Error))
				}
				// Other tool failures are transient until proven
				// otherwise; the retry discipline caps the damage.
				return nil, types.NewRetryableError(types.STEP_EXECUTION_FAILED,
					fmt.Sprintf("tool %s failed: %s", template.Name, result.Error))
			}

			output := &Output{Outputs: result.Data, Updates: make(map[string]any)}
			if saveAs, ok := ec.Step.Config["saveAs"].(string); ok && saveAs != "" {
				output.Updates[saveAs] = result.Data
			}
			if mapping, ok := ec.Step.Config["responseMapping"].(map[string]any); ok {
				for dataKey, rawPath := range mapping {
					path, ok := rawPath.(string)
					if !ok {
						continue
					}
					output.Updates[dataKey] = resolveResultPath(result.Data, path)
				}
			}
			return output, nil
		},
	}
}

// resolveResultPath walks a dotted path through the tool result data.
// Missing segments resolve to nil rather than failing the step.
func resolveResultPath(data map[string]any, path string) any {
	var current any = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

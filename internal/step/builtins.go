package step

import (
	"context"
	"fmt"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/tool"
	"github.com/leadflow-ai/leadflow/internal/types"
)

// RegisterBuiltins adds the step types that ship with the engine.
func RegisterBuiltins(r *Registry) error {
	for _, def := range []Definition{
		noopStep(),
		setContextStep(),
		fetchWebsiteStep(),
		toolCallStep(),
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// noopStep does nothing and succeeds. Useful as a join point and in
// tests.
func noopStep() Definition {
	s := schema.Object(map[string]schema.Field{
		"outputs": schema.Map("values to expose as this step's outputs"),
	})
	return Definition{
		Type:         "noop",
		Description:  "Succeeds without side effects",
		ConfigSchema: &s,
		Run: func(_ context.Context, ec *ExecContext) (*Output, error) {
			outputs, _ := ec.Step.Config["outputs"].(map[string]any)
			if outputs == nil {
				return &Output{}, nil
			}
			resolved, _ := Interpolate(outputs, ec.Data, ec.Metadata()).(map[string]any)
			return &Output{Outputs: resolved}, nil
		},
	}
}

// setContextStep writes literal or interpolated values into the run
// data.
func setContextStep() Definition {
	s := schema.Object(map[string]schema.Field{
		"values": schema.Map("keys merged into the run data"),
	}, "values")
	return Definition{
		Type:         "set_context",
		Description:  "Merges values into the run data context",
		ConfigSchema: &s,
		Run: func(_ context.Context, ec *ExecContext) (*Output, error) {
			values, _ := ec.Step.Config["values"].(map[string]any)
			resolved, _ := Interpolate(values, ec.Data, ec.Metadata()).(map[string]any)
			return &Output{Updates: resolved}, nil
		},
	}
}

// fetchWebsiteStep retrieves the lead's website (or an explicit URL)
// through the hardened HTTP client.
func fetchWebsiteStep() Definition {
	s := schema.Object(map[string]schema.Field{
		"url":            schema.String("URL to fetch; defaults to ${data.lead.website}"),
		"maxBodyBytes":   schema.Number("response size cap in bytes"),
		"timeoutSeconds": schema.Number("request timeout in seconds"),
	})
	return Definition{
		Type:         "fetch_website",
		Description:  "Fetches a website and exposes status and body",
		ConfigSchema: &s,
		Run: func(ctx context.Context, ec *ExecContext) (*Output, error) {
			url, _ := ec.Step.Config["url"].(string)
			if url == "" {
				url, _ = resolveResultPath(ec.Data, "lead.website").(string)
			}
			if resolved, ok := Interpolate(url, ec.Data, ec.Metadata()).(string); ok {
				url = resolved
			}
			if url == "" {
				return nil, types.NewError(types.STEP_CONFIG_INVALID,
					fmt.Sprintf("step %s has no url and the run data has no lead.website", ec.Step.Key))
			}

			config := map[string]any{"url": url}
			if v, ok := ec.Step.Config["maxBodyBytes"]; ok {
				config["maxBodyBytes"] = v
			}
			if v, ok := ec.Step.Config["timeoutSeconds"]; ok {
				config["timeoutSeconds"] = v
			}

			result := ec.Tools.Execute(ctx, "http_request", config, tool.ExecuteOptions{})
			if !result.Success {
				if result.Permanent {
					return nil, types.NewError(types.TOOL_CONFIG_INVALID,
						fmt.Sprintf("fetching %s failed: %s", url, result.Error))
				}
				return nil, types.NewRetryableError(types.STEP_EXECUTION_FAILED,
					fmt.Sprintf("fetching %s failed: %s", url, result.Error))
			}
			return &Output{Outputs: result.Data}, nil
		},
	}
}

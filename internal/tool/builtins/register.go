// Package builtins registers the tool types that ship with the engine.
package builtins

import (
	"github.com/leadflow-ai/leadflow/internal/tool"
)

// Register adds every built-in tool to the registry.
func Register(r *tool.Registry) error {
	for _, def := range []tool.Definition{
		httpRequestTool(),
		webhookTool(),
		fileUploadTool(),
		sendEmailTool(),
		aiGenerateTool(),
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

package builtins

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/tool"
)

// sendEmailTool delivers outreach email over SMTP. Without SMTP_HOST in
// the environment the tool runs in mock mode so workflows stay testable
// in development.
func sendEmailTool() tool.Definition {
	s := schema.Object(map[string]schema.Field{
		"to":      schema.String("recipient address"),
		"subject": schema.String("message subject"),
		"body":    schema.String("message body"),
		"from":    schema.String("sender address").WithDefault("outreach@leadflow.ai"),
	}, "to", "subject", "body")

	return tool.Definition{
		Type:         "send_email",
		Description:  "Sends an email through the configured SMTP relay",
		ConfigSchema: &s,
		Run: func(ctx context.Context, inv tool.Invocation) tool.Result {
			to, _ := inv.Config["to"].(string)
			subject, _ := inv.Config["subject"].(string)
			body, _ := inv.Config["body"].(string)
			from, _ := inv.Config["from"].(string)

			host := os.Getenv("SMTP_HOST")
			if host == "" {
				inv.Logger.InfoContext(ctx, "smtp relay not configured, mocking email delivery",
					"to", to,
					"subject", subject)
				result := tool.Succeed(map[string]any{
					"sent": true,
					"to":   to,
				})
				result.Metadata.Mocked = true
				return result
			}

			port := os.Getenv("SMTP_PORT")
			if port == "" {
				port = "587"
			}
			addr := host + ":" + port

			var auth smtp.Auth
			if user := os.Getenv("SMTP_USER"); user != "" {
				auth = smtp.PlainAuth("", user, os.Getenv("SMTP_PASSWORD"), host)
			}

			msg := strings.Join([]string{
				"From: " + from,
				"To: " + to,
				"Subject: " + subject,
				"",
				body,
			}, "\r\n")

			if err := smtp.SendMail(addr, auth, from, []string{to}, []byte(msg)); err != nil {
				return tool.Failure(fmt.Sprintf("sending email failed: %v", err))
			}
			return tool.Succeed(map[string]any{
				"sent": true,
				"to":   to,
			})
		},
	}
}

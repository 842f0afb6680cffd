package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leadflow-ai/leadflow/internal/schema"
	"github.com/leadflow-ai/leadflow/internal/tool"
)

// httpRequestTool issues an arbitrary HTTP request and exposes the
// response to the workflow.
func httpRequestTool() tool.Definition {
	s := schema.Object(map[string]schema.Field{
		"url":          schema.String("target URL"),
		"method":       schema.StringEnum("HTTP method", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD").WithDefault("GET"),
		"headers":      schema.Map("request headers"),
		"body":         schema.String("request body"),
		"authTokenEnv": schema.String("environment variable holding a bearer token"),
		"timeoutSeconds": schema.Number("request timeout in seconds").
			WithDefault(float64(30)),
		"maxBodyBytes": schema.Number("response size cap in bytes"),
	}, "url")

	return tool.Definition{
		Type:         "http_request",
		Description:  "Performs an HTTP request against an external service",
		ConfigSchema: &s,
		Run: func(ctx context.Context, inv tool.Invocation) tool.Result {
			req := requestFromConfig(inv.Config)
			req.AllowedDomains = inv.AllowedDomains
			return doHTTP(ctx, inv, req)
		},
	}
}

// webhookTool posts a JSON payload to a URL. Non-2xx responses fail the
// invocation.
func webhookTool() tool.Definition {
	s := schema.Object(map[string]schema.Field{
		"url":          schema.String("webhook endpoint"),
		"method":       schema.StringEnum("HTTP method", "POST", "PUT").WithDefault("POST"),
		"payload":      schema.Map("JSON payload to deliver"),
		"headers":      schema.Map("request headers"),
		"authTokenEnv": schema.String("environment variable holding a bearer token"),
	}, "url")

	return tool.Definition{
		Type:         "webhook",
		Description:  "Delivers a JSON payload to an external webhook",
		ConfigSchema: &s,
		Run: func(ctx context.Context, inv tool.Invocation) tool.Result {
			payload, _ := inv.Config["payload"].(map[string]any)
			body, err := json.Marshal(payload)
			if err != nil {
				return tool.Failure(fmt.Sprintf("encoding payload failed: %v", err))
			}

			req := requestFromConfig(inv.Config)
			req.Body = body
			req.AllowedDomains = inv.AllowedDomains
			if req.Headers == nil {
				req.Headers = make(map[string]string)
			}
			req.Headers["Content-Type"] = "application/json"

			result := doHTTP(ctx, inv, req)
			if result.Success && (result.Metadata.StatusCode < 200 || result.Metadata.StatusCode >= 300) {
				result.Success = false
				result.Error = fmt.Sprintf("webhook returned status %d", result.Metadata.StatusCode)
			}
			return result
		},
	}
}

// fileUploadTool PUTs content to a URL, typically a pre-signed storage
// endpoint.
func fileUploadTool() tool.Definition {
	s := schema.Object(map[string]schema.Field{
		"url":          schema.String("upload endpoint"),
		"content":      schema.String("content to upload"),
		"contentType":  schema.String("MIME type of the content").WithDefault("application/octet-stream"),
		"authTokenEnv": schema.String("environment variable holding a bearer token"),
	}, "url", "content")

	return tool.Definition{
		Type:         "file_upload",
		Description:  "Uploads content to an external storage endpoint",
		ConfigSchema: &s,
		Run: func(ctx context.Context, inv tool.Invocation) tool.Result {
			content, _ := inv.Config["content"].(string)
			contentType, _ := inv.Config["contentType"].(string)

			req := requestFromConfig(inv.Config)
			req.Method = http.MethodPut
			req.Body = []byte(content)
			req.AllowedDomains = inv.AllowedDomains
			if req.Headers == nil {
				req.Headers = make(map[string]string)
			}
			req.Headers["Content-Type"] = contentType

			result := doHTTP(ctx, inv, req)
			if result.Success {
				result.Data = map[string]any{
					"uploaded": result.Metadata.StatusCode >= 200 && result.Metadata.StatusCode < 300,
					"status":   result.Metadata.StatusCode,
					"size":     len(content),
				}
			}
			return result
		},
	}
}

// requestFromConfig maps the shared HTTP config fields onto a Request.
func requestFromConfig(config map[string]any) tool.Request {
	req := tool.Request{}
	req.URL, _ = config["url"].(string)
	req.Method, _ = config["method"].(string)
	req.AuthTokenEnv, _ = config["authTokenEnv"].(string)
	if body, ok := config["body"].(string); ok {
		req.Body = []byte(body)
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(headers))
		for key, value := range headers {
			req.Headers[key] = fmt.Sprint(value)
		}
	}
	if seconds, ok := config["timeoutSeconds"].(float64); ok && seconds > 0 {
		req.Timeout = time.Duration(seconds * float64(time.Second))
	}
	if limit, ok := config["maxBodyBytes"].(float64); ok && limit > 0 {
		req.MaxBodyBytes = int64(limit)
	}
	return req
}

// doHTTP runs the request and shapes the response into a Result.
func doHTTP(ctx context.Context, inv tool.Invocation, req tool.Request) tool.Result {
	resp, err := inv.HTTP.Do(ctx, req)
	if err != nil {
		result := tool.Failure(err.Error())
		result.Metadata.URL = req.URL
		result.Metadata.Method = req.Method
		return result
	}

	data := map[string]any{
		"status": resp.StatusCode,
		"body":   string(resp.Body),
	}
	if strings.Contains(resp.Headers.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(resp.Body, &parsed); err == nil {
			data["json"] = parsed
		}
	}

	result := tool.Succeed(data)
	result.Metadata.StatusCode = resp.StatusCode
	result.Metadata.URL = resp.FinalURL
	result.Metadata.Method = req.Method
	result.Metadata.Attempts = resp.Attempts
	return result
}

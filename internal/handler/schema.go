package handler

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"serena-relay-go/internal/config"
)

// FunctionSpec describes one upstream function for the OpenAPI schema and the
// HTML index. The relay publishes these so LLM tooling can discover the
// upstream API without an extra round trip.
type FunctionSpec struct {
	Description string
	Parameters  map[string]ParameterSpec
	Example     map[string]any
}

// ParameterSpec describes one function parameter.
type ParameterSpec struct {
	Type        string
	Description string
}

// serenaFunctions lists the functions exposed by the upstream Serena service.
var serenaFunctions = map[string]FunctionSpec{
	"find_symbol": {
		Description: "Find symbols in code repositories",
		Parameters: map[string]ParameterSpec{
			"query":     {Type: "string", Description: "Search query for finding symbols"},
			"repo_path": {Type: "string", Description: "Path to the repository to search in"},
			"limit":     {Type: "integer", Description: "Maximum number of results to return"},
		},
		Example: map[string]any{
			"function_call": map[string]any{
				"name": "find_symbol",
				"parameters": map[string]any{
					"query":     "function getUser",
					"repo_path": "/path/to/repo",
					"limit":     10,
				},
			},
		},
	},
	"search_code": {
		Description: "Search for code with semantic understanding",
		Parameters: map[string]ParameterSpec{
			"query":     {Type: "string", Description: "Natural language query to search for code"},
			"repo_path": {Type: "string", Description: "Path to the repository to search in"},
			"limit":     {Type: "integer", Description: "Maximum number of results to return"},
		},
		Example: map[string]any{
			"function_call": map[string]any{
				"name": "search_code",
				"parameters": map[string]any{
					"query":     "how to handle authentication",
					"repo_path": "/path/to/repo",
					"limit":     5,
				},
			},
		},
	},
	"write_file": {
		Description: "Write content to a file",
		Parameters: map[string]ParameterSpec{
			"filepath": {Type: "string", Description: "Path to the file to write"},
			"content":  {Type: "string", Description: "Content to write to the file"},
		},
		Example: map[string]any{
			"function_call": map[string]any{
				"name": "write_file",
				"parameters": map[string]any{
					"filepath": "/path/to/file.txt",
					"content":  "Hello, world!",
				},
			},
		},
	},
	"read_file": {
		Description: "Read content from a file",
		Parameters: map[string]ParameterSpec{
			"filepath": {Type: "string", Description: "Path to the file to read"},
		},
		Example: map[string]any{
			"function_call": map[string]any{
				"name": "read_file",
				"parameters": map[string]any{
					"filepath": "/path/to/file.txt",
				},
			},
		},
	},
}

// schemaChunkSize and schemaChunkDelay shape the chunked delivery of the
// plain-text schema so the first bytes reach slow LLM tooling immediately.
const (
	schemaChunkSize  = 1000
	schemaChunkDelay = 10 * time.Millisecond
)

// SchemaHandler serves the OpenAPI schema of the upstream functions and the
// HTML index page.
type SchemaHandler struct {
	cfg *config.Config
}

// NewSchemaHandler creates a SchemaHandler.
func NewSchemaHandler(cfg *config.Config) *SchemaHandler {
	return &SchemaHandler{cfg: cfg}
}

// OpenAPIJSON returns the OpenAPI 3.0 schema as JSON, or as indented plain
// text when the client's Accept header prefers a text type.
func (h *SchemaHandler) OpenAPIJSON(c echo.Context) error {
	data, err := json.MarshalIndent(h.buildSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal openapi schema: %w", err)
	}

	if strings.Contains(c.Request().Header.Get("Accept"), "text/") {
		return c.Blob(http.StatusOK, "text/plain; charset=utf-8", data)
	}
	return c.JSONBlob(http.StatusOK, data)
}

// OpenAPIText streams the schema as plain text in fixed-size chunks with an
// explicit flush after each one, so the first chunk is delivered immediately.
func (h *SchemaHandler) OpenAPIText(c echo.Context) error {
	data, err := json.MarshalIndent(h.buildSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal openapi schema: %w", err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	res.WriteHeader(http.StatusOK)

	for off := 0; off < len(data); off += schemaChunkSize {
		end := min(off+schemaChunkSize, len(data))
		if _, err := res.Write(data[off:end]); err != nil {
			return nil // client went away mid-stream
		}
		res.Flush()
		if end < len(data) {
			time.Sleep(schemaChunkDelay)
		}
	}

	return nil
}

// buildSchema assembles the OpenAPI 3.0 document for the proxied functions.
func (h *SchemaHandler) buildSchema() map[string]any {
	paths := make(map[string]any, len(serenaFunctions))
	for name, fn := range serenaFunctions {
		properties := make(map[string]any, len(fn.Parameters))
		for pname, p := range fn.Parameters {
			properties[pname] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
		}

		paths["/proxy/"+name] = map[string]any{
			"post": map[string]any{
				"summary":  fn.Description,
				"security": []map[string]any{{"none": []any{}}},
				"requestBody": map[string]any{
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"function_call": map[string]any{
										"type": "object",
										"properties": map[string]any{
											"name": map[string]any{
												"type": "string",
												"enum": []string{name},
											},
											"parameters": map[string]any{
												"type":       "object",
												"properties": properties,
											},
										},
										"required": []string{"name", "parameters"},
									},
								},
								"required": []string{"function_call"},
							},
							"example": fn.Example,
						},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Successful response",
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{"type": "object"},
							},
						},
					},
				},
			},
		}
	}

	return map[string]any{
		"openapi": "3.0.0",
		"info": map[string]any{
			"title":       "Serena API",
			"description": "API for code search and manipulation",
			"version":     "1.0.0",
		},
		"security": []map[string]any{{"none": []any{}}},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"none": map[string]any{
					"type":        "http",
					"scheme":      "bearer",
					"description": "No authentication required. This API is open.",
				},
			},
		},
		"paths": paths,
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; line-height: 1.6; }
        h1 { color: #333; }
        h2 { color: #444; margin-top: 30px; }
        pre { background-color: #f4f4f4; padding: 10px; border-radius: 5px; overflow-x: auto; }
        a { color: #0066cc; text-decoration: none; }
        a:hover { text-decoration: underline; }
        .endpoint { margin-bottom: 20px; }
        .description { margin-bottom: 10px; }
    </style>
</head>
<body>
    <h1>{{.Title}}</h1>
    <p>This API provides a relay to the {{.Service}} MCP server for code search and manipulation.</p>

    <h2>API Documentation</h2>
    <p>View the full API documentation:</p>
    <ul>
        <li><a href="/openapi.json">OpenAPI Specification (JSON)</a></li>
        <li><a href="/openapi.txt">OpenAPI Specification (Text)</a></li>
    </ul>

    <h2>Health Check</h2>
    <div class="endpoint">
        <p class="description">Check if the relay is healthy:</p>
        <pre>curl -X GET /healthz</pre>
    </div>

    <h2>Available Functions</h2>
{{range .Functions}}
    <div class="endpoint">
        <h3>{{.Name}}</h3>
        <p class="description">{{.Description}}</p>
        <pre>curl -X POST /proxy/{{.Name}} -H "Content-Type: application/json" -d '{{.Example}}'</pre>
    </div>
{{end}}
</body>
</html>
`))

// Index returns the HTML documentation page.
func (h *SchemaHandler) Index(c echo.Context) error {
	names := make([]string, 0, len(serenaFunctions))
	for name := range serenaFunctions {
		names = append(names, name)
	}
	sort.Strings(names)

	type indexFunction struct {
		Name        string
		Description string
		Example     string
	}

	functions := make([]indexFunction, 0, len(names))
	for _, name := range names {
		fn := serenaFunctions[name]
		example, err := json.Marshal(fn.Example)
		if err != nil {
			return fmt.Errorf("marshal example for %s: %w", name, err)
		}
		functions = append(functions, indexFunction{
			Name:        name,
			Description: fn.Description,
			Example:     string(example),
		})
	}

	var b strings.Builder
	err := indexTemplate.Execute(&b, map[string]any{
		"Title":     "Serena Relay API",
		"Service":   h.cfg.Relay.ServiceName,
		"Functions": functions,
	})
	if err != nil {
		return fmt.Errorf("render index: %w", err)
	}

	return c.HTML(http.StatusOK, b.String())
}

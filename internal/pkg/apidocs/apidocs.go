// Package apidocs loads the published OpenAPI document and checks traffic against it.
package apidocs

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
)

// DocPath is the document location relative to the project root.
const DocPath = "public/docs/v1/openapi.yml"

// Locate returns the first base path (from the candidates) that contains DocPath.
func Locate(basePaths ...string) (string, error) {
	for _, base := range basePaths {
		if _, err := os.Stat(filepath.Join(base, DocPath)); err == nil {
			return base, nil
		}
	}
	return "", fmt.Errorf("%s not found in %v", DocPath, basePaths)
}

// Load parses and validates the document at path.
func Load(ctx context.Context, path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, nil
}

// Validator matches requests to documented operations and validates them.
type Validator struct {
	router routers.Router
}

// NewValidator builds a Validator for doc. Server URLs are ignored so absolute
// request paths are matched against the documented paths as-is.
func NewValidator(doc *openapi3.T) (*Validator, error) {
	local := *doc
	local.Servers = nil
	r, err := legacyrouter.NewRouter(&local)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &Validator{router: r}, nil
}

// Validate checks req and the response given by status, header and body.
// Security requirements are not evaluated.
func (v *Validator) Validate(ctx context.Context, req *http.Request, status int, header http.Header, body []byte) error {
	route, params, err := v.router.FindRoute(req)
	if err != nil {
		return fmt.Errorf("%s %s is not documented: %w", req.Method, req.URL.Path, err)
	}

	in := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: params,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	if err := openapi3filter.ValidateRequest(ctx, in); err != nil {
		return fmt.Errorf("request: %w", err)
	}

	out := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: in,
		Status:                 status,
		Header:                 header,
		Options:                in.Options,
	}
	out.SetBodyBytes(body)
	if err := openapi3filter.ValidateResponse(ctx, out); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	return nil
}

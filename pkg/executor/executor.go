// Package executor runs the two database paths of the agent: capability-gated
// template execution and grant-gated dynamic data execution. Both dispatch
// through the adapter's mode-aware execute contract and report failures with
// pipeline error codes plus an HTTP status class.
package executor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
	"github.com/privatedb/agent/pkg/policy"
	"github.com/privatedb/agent/pkg/schema"
	"github.com/privatedb/agent/pkg/templates"
)

// Failure describes one execution refusal or error.
type Failure struct {
	Code    string
	Message string
	Status  int
	Allowed []string
}

func (f *Failure) Error() string { return f.Code + ": " + f.Message }

func badRequest(code, message string) *Failure {
	return &Failure{Code: code, Message: message, Status: http.StatusBadRequest}
}

// Executor binds the template registry, the tenant schema registry, and the
// adapter into the execution stage.
type Executor struct {
	adapter     database.Adapter
	templates   *templates.Registry
	schemas     *schema.Registry
	enforceMode bool
}

// New builds the executor. enforceMode turns on the capability-suffix /
// template-mode check.
func New(adapter database.Adapter, reg *templates.Registry, schemas *schema.Registry, enforceMode bool) *Executor {
	return &Executor{adapter: adapter, templates: reg, schemas: schemas, enforceMode: enforceMode}
}

// Templates exposes the registry for the agent card and admin surfaces.
func (e *Executor) Templates() *templates.Registry { return e.templates }

// Schemas exposes the tenant schema registry.
func (e *Executor) Schemas() *schema.Registry { return e.schemas }

// ExecuteTemplate runs one registered template with the caller's raw params.
func (e *Executor) ExecuteTemplate(ctx context.Context, capability, templateName string, params map[string]any) (*database.Result, *Failure) {
	tmpl, ok := e.templates.Lookup(templateName)
	if !ok {
		return nil, badRequest(contracts.CodeUnknownQueryTemplate,
			fmt.Sprintf("template %q is not registered", templateName))
	}

	if e.enforceMode && tmpl.Mode == database.ModeWrite && policy.CapabilityMode(capability) != database.ModeWrite {
		return nil, &Failure{
			Code:    contracts.CodeCapabilityModeMismatch,
			Message: fmt.Sprintf("capability %q may not execute write template %q", capability, templateName),
			Status:  http.StatusForbidden,
		}
	}

	normalized, perr := templates.ValidateParams(tmpl, params)
	if perr != nil {
		f := badRequest(perr.Code, perr.Message)
		f.Allowed = perr.Allowed
		return nil, f
	}

	stmt, ok := tmpl.SQL[e.adapter.Dialect()]
	if !ok {
		return nil, &Failure{
			Code:    contracts.CodeUnsupportedDialect,
			Message: fmt.Sprintf("template %q has no SQL for dialect %q", templateName, e.adapter.Dialect()),
			Status:  http.StatusInternalServerError,
		}
	}

	// Template SQL is dialect-indexed, so no placeholder rewriting is needed.
	result, err := e.adapter.Execute(ctx, database.Request{
		Mode:   tmpl.Mode,
		SQL:    stmt,
		Values: tmpl.Bind(normalized),
	})
	if err != nil {
		return nil, &Failure{
			Code:    contracts.CodeDBExecutionFailed,
			Message: err.Error(),
			Status:  http.StatusInternalServerError,
		}
	}
	return result, nil
}

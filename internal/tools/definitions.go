// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/jeranaias/rigrun-turns/internal/model"
)

// =============================================================================
// RISK LEVELS
// =============================================================================

// RiskLevel indicates how dangerous a tool operation is.
type RiskLevel int

const (
	// RiskLow - Read-only operations, no side effects
	RiskLow RiskLevel = iota

	// RiskMedium - Modifies files but returns an undo handle
	RiskMedium

	// RiskHigh - Modifies state that cannot be undone
	RiskHigh
)

// String returns the string representation of a risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "Low"
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// Tool represents an executable tool.
type Tool struct {
	// Name is the tool identifier sent to the model (e.g., "read_file")
	Name string

	// Description explains what the tool does
	Description string

	// Schema defines the tool's parameters
	Schema Schema

	// RiskLevel indicates how dangerous the tool is
	RiskLevel RiskLevel

	// Executor handles the actual execution
	Executor ToolExecutor

	// Reverter undoes effects described by handles this tool returned.
	// Nil for tools without durable effects.
	Reverter Reverter
}

// Schema defines a tool's parameters.
type Schema struct {
	Parameters []Parameter
}

// Parameter defines a single tool parameter.
type Parameter struct {
	Name        string
	Type        string // "string", "number", "boolean", "array", "object"
	Required    bool
	Description string
}

// Env is what a tool sees of the turn it runs in.
type Env struct {
	ChatID     string
	ToolCallID string

	// WorkDir is the workspace root file tools are confined to.
	WorkDir string

	// History is a read-only snapshot of the conversation at dispatch time.
	History *model.Conversation
}

// Outcome is a successful tool execution.
type Outcome struct {
	Output any

	// Undo is set when the tool changed durable state it can reverse.
	Undo *model.UndoHandle
}

// ToolExecutor is the interface for individual tool execution.
// A returned *model.ToolError is passed through to the model unchanged.
type ToolExecutor interface {
	Execute(ctx context.Context, params map[string]any, env Env) (Outcome, error)
}

// Reverter reverses an effect previously described by an UndoHandle.
type Reverter interface {
	Revert(ctx context.Context, handle model.UndoHandle) error
}

// Registry executes tools by name. Catalog is the built-in implementation.
type Registry interface {
	Execute(ctx context.Context, name string, input map[string]any, env Env) (Outcome, error)
}

// Definition is the schema of a tool as advertised to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog holds all available tools. It implements Registry for the
// dispatcher and resolves undo handles for the ledger.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	workDir string
}

// NewCatalog creates a catalog rooted at workDir with the built-in tools.
func NewCatalog(workDir string) *Catalog {
	c := &Catalog{
		tools:   make(map[string]*Tool),
		workDir: workDir,
	}
	c.RegisterBuiltins()
	return c
}

// RegisterBuiltins registers all built-in tools.
func (c *Catalog) RegisterBuiltins() {
	c.Register(ReadFileTool)
	c.Register(WriteFileTool)
	c.Register(DeleteFileTool)
}

// Register adds a tool, replacing any tool with the same name.
func (c *Catalog) Register(tool *Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[tool.Name] = tool
}

// Get returns a tool by name, or nil.
func (c *Catalog) Get(name string) *Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[name]
}

// WorkDir returns the workspace root.
func (c *Catalog) WorkDir() string {
	return c.workDir
}

// All returns every tool sorted by name.
func (c *Catalog) All() []*Tool {
	c.mu.RLock()
	tools := make([]*Tool, 0, len(c.tools))
	for _, t := range c.tools {
		tools = append(tools, t)
	}
	c.mu.RUnlock()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Definitions returns the schemas advertised to the model.
func (c *Catalog) Definitions() []Definition {
	all := c.All()
	defs := make([]Definition, 0, len(all))
	for _, t := range all {
		defs = append(defs, Definition{Name: t.Name, Description: t.Description, Parameters: t.Schema.Parameters})
	}
	return defs
}

// Execute validates input and runs the named tool.
func (c *Catalog) Execute(ctx context.Context, name string, input map[string]any, env Env) (Outcome, error) {
	tool := c.Get(name)
	if tool == nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrUnknownTool, Message: c.unknownToolMessage(name)}
	}
	if err := ValidateToolArgs(&tool.Schema, input); err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: err.Error()}
	}
	if env.WorkDir == "" {
		env.WorkDir = c.workDir
	}
	return tool.Executor.Execute(ctx, input, env)
}

// Revert resolves handle.Tool and asks that tool to reverse the effect.
func (c *Catalog) Revert(ctx context.Context, handle model.UndoHandle) error {
	tool := c.Get(handle.Tool)
	if tool == nil {
		return fmt.Errorf("%w: %s", ErrNoReverter, handle.Tool)
	}
	if tool.Reverter == nil {
		return fmt.Errorf("%w: %s", ErrNoReverter, handle.Tool)
	}
	return tool.Reverter.Revert(ctx, handle)
}

// unknownToolMessage suggests the closest registered name.
func (c *Catalog) unknownToolMessage(name string) string {
	msg := "unknown tool: " + name
	best, bestDist := "", 4
	for _, t := range c.All() {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(t.Name))
		if d < bestDist {
			best, bestDist = t.Name, d
		}
	}
	if best != "" {
		msg += " (did you mean " + best + "?)"
	}
	return msg
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError reports a parameter that failed schema validation.
type ValidationError struct {
	Param   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Param + ": " + e.Message
}

// ValidateToolArgs validates arguments against a schema before execution.
func ValidateToolArgs(schema *Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	for _, param := range schema.Parameters {
		val, exists := args[param.Name]
		if !exists || val == nil {
			if param.Required {
				return &ValidationError{Param: param.Name, Message: "missing required argument"}
			}
			continue
		}
		if err := validateType(param, val); err != nil {
			return err
		}
	}
	return nil
}

func validateType(param Parameter, val any) error {
	ok := true
	switch param.Type {
	case "string":
		_, ok = val.(string)
	case "number":
		switch val.(type) {
		case int, int64, float64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = val.(bool)
	case "array":
		_, ok = val.([]any)
	case "object":
		_, ok = val.(map[string]any)
	}
	if !ok {
		return &ValidationError{Param: param.Name, Message: "expected " + param.Type}
	}
	return nil
}

package mcp

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/LingTravel/Atlas/internal/tools"
)

// schemaDialectKeys are JSON Schema constructs the LLM function-calling
// format does not understand. They are stripped from each property
// definition before a schema is exposed.
var schemaDialectKeys = []string{"$ref", "allOf", "anyOf", "oneOf"}

// BridgedTool adapts one remote MCP tool to the generic tools.Tool
// contract. Its declared name is the namespaced "server.tool"
// identity, so bridged tools never collide even when two servers
// expose the same short name.
type BridgedTool struct {
	mgr    *Manager
	def    ToolDefinition
	params map[string]any
}

func (b *BridgedTool) Name() string               { return b.def.FullName() }
func (b *BridgedTool) Description() string        { return b.def.Description }
func (b *BridgedTool) Parameters() map[string]any { return b.params }

// Invoke forwards to the owning server through the manager and
// translates the MCP content blocks into a generic Result. Transport
// failures, timeouts, and remote error payloads all come back as
// failed Results — no error escapes the bridge.
func (b *BridgedTool) Invoke(ctx context.Context, args map[string]any) tools.Result {
	res, err := b.mgr.Invoke(ctx, b.def.FullName(), args)
	if err != nil {
		return tools.Result{Error: err.Error()}
	}
	return Translate(res)
}

// BridgeAll wraps every tool discovered across the manager's
// connections and registers one adapter per tool on the registry.
// Returns the number registered.
func BridgeAll(mgr *Manager, registry *tools.Registry, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	count := 0
	for _, def := range mgr.Tools() {
		bt := &BridgedTool{
			mgr:    mgr,
			def:    def,
			params: SanitizeSchema(def.InputSchema),
		}
		if err := registry.Register(bt); err != nil {
			logger.Warn("skipping MCP tool", "tool", bt.Name(), "error", err)
			continue
		}
		count++
		logger.Debug("bridged MCP tool", "tool", bt.Name(), "server", def.Server)
	}
	return count
}

// Translate folds MCP content blocks into the generic result shape:
// all text blocks joined by newlines, the first image block as the
// binary payload. A result flagged isError becomes a failure carrying
// the joined text as its message.
func Translate(res *CallResult) tools.Result {
	var texts []string
	var image []byte
	hasImage := false

	for _, block := range res.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "image":
			hasImage = true
			if image == nil && block.Data != "" {
				if decoded, err := base64.StdEncoding.DecodeString(block.Data); err == nil {
					image = decoded
				} else {
					// Not base64; pass the raw payload through.
					image = []byte(block.Data)
				}
			}
		}
	}

	text := strings.Join(texts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.Result{Error: text}
	}

	return tools.Result{
		Success:  true,
		Text:     text,
		Image:    image,
		HasImage: hasImage,
	}
}

// SanitizeSchema reduces an MCP input schema to what the LLM
// function-calling format accepts: top-level type, properties and
// required, with dialect constructs removed from every property
// definition. The input is never mutated.
func SanitizeSchema(schema map[string]any) map[string]any {
	out := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	if schema == nil {
		return out
	}

	if t, ok := schema["type"].(string); ok && t != "" {
		out["type"] = t
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		cleaned := make(map[string]any, len(props))
		for name, raw := range props {
			prop, ok := raw.(map[string]any)
			if !ok {
				cleaned[name] = raw
				continue
			}
			cp := make(map[string]any, len(prop))
			for k, v := range prop {
				cp[k] = v
			}
			for _, k := range schemaDialectKeys {
				delete(cp, k)
			}
			cleaned[name] = cp
		}
		out["properties"] = cleaned
	}

	switch req := schema["required"].(type) {
	case []any:
		if len(req) > 0 {
			out["required"] = req
		}
	case []string:
		if len(req) > 0 {
			out["required"] = req
		}
	}

	return out
}

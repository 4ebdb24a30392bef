package mcp

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/LingTravel/Atlas/internal/tools"
)

func TestBridgeAll_RegistersNamespacedTools(t *testing.T) {
	files := startedConn(t, "files", newMockServer(t,
		ToolDefinition{Name: "read_file", Description: "reads a file"},
	))
	web := startedConn(t, "web", newMockServer(t,
		ToolDefinition{Name: "fetch", Description: "fetches a URL"},
	))
	m := managerWith(t, files, web)

	registry := tools.NewRegistry()
	count := BridgeAll(m, registry, discardLogger())
	if count != 2 {
		t.Fatalf("BridgeAll = %d, want 2", count)
	}

	bt, ok := registry.Get("files.read_file")
	if !ok {
		t.Fatal("files.read_file not registered")
	}
	if bt.Description() != "reads a file" {
		t.Errorf("Description = %q", bt.Description())
	}
	if _, ok := registry.Get("web.fetch"); !ok {
		t.Error("web.fetch not registered")
	}
}

func TestBridgeAll_SameShortNameNoCollision(t *testing.T) {
	a := startedConn(t, "alpha", newMockServer(t, ToolDefinition{Name: "search"}))
	b := startedConn(t, "beta", newMockServer(t, ToolDefinition{Name: "search"}))
	m := managerWith(t, a, b)

	registry := tools.NewRegistry()
	if count := BridgeAll(m, registry, discardLogger()); count != 2 {
		t.Fatalf("BridgeAll = %d, want 2 (namespacing prevents collision)", count)
	}
}

func TestBridgedTool_Invoke(t *testing.T) {
	conn := startedConn(t, "util", newMockServer(t, ToolDefinition{Name: "echo"}))
	m := managerWith(t, conn)

	registry := tools.NewRegistry()
	BridgeAll(m, registry, discardLogger())

	res := registry.Invoke(context.Background(), "util.echo", map[string]any{"text": "hi"})
	if !res.Success {
		t.Fatalf("Invoke failed: %s", res.Error)
	}
	if res.Text != "ok" {
		t.Errorf("Text = %q, want ok", res.Text)
	}
}

func TestBridgedTool_InvokeErrorBecomesResult(t *testing.T) {
	conn := startedConn(t, "util", newMockServer(t, ToolDefinition{Name: "echo"}))
	tr := conn.transport.(*mockTransport)
	tr.handlers["tools/call"] = func(req *Request) (*Response, error) {
		return nil, errors.New("pipe broke")
	}
	m := managerWith(t, conn)

	registry := tools.NewRegistry()
	BridgeAll(m, registry, discardLogger())

	// Transport failures surface as failed Results, never as panics or
	// lost invocations.
	res := registry.Invoke(context.Background(), "util.echo", nil)
	if res.Success {
		t.Fatal("expected failed result")
	}
	if res.Error == "" {
		t.Error("failed result carries no message")
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   CallResult
		want tools.Result
	}{
		{
			name: "joins text blocks",
			in: CallResult{Content: []ContentBlock{
				{Type: "text", Text: "line one"},
				{Type: "text", Text: "line two"},
			}},
			want: tools.Result{Success: true, Text: "line one\nline two"},
		},
		{
			name: "first image decoded",
			in: CallResult{Content: []ContentBlock{
				{Type: "image", Data: "aGVsbG8=", MimeType: "image/png"},
				{Type: "image", Data: "aWdub3JlZA==", MimeType: "image/png"},
			}},
			want: tools.Result{Success: true, Image: []byte("hello"), HasImage: true},
		},
		{
			name: "text and image",
			in: CallResult{Content: []ContentBlock{
				{Type: "text", Text: "screenshot"},
				{Type: "image", Data: "aGVsbG8="},
			}},
			want: tools.Result{Success: true, Text: "screenshot", Image: []byte("hello"), HasImage: true},
		},
		{
			name: "invalid base64 passed raw",
			in: CallResult{Content: []ContentBlock{
				{Type: "image", Data: "!!not-base64!!"},
			}},
			want: tools.Result{Success: true, Image: []byte("!!not-base64!!"), HasImage: true},
		},
		{
			name: "isError becomes failure",
			in: CallResult{
				Content: []ContentBlock{{Type: "text", Text: "file not found"}},
				IsError: true,
			},
			want: tools.Result{Error: "file not found"},
		},
		{
			name: "isError with no text gets default message",
			in:   CallResult{IsError: true},
			want: tools.Result{Error: "tool reported an error"},
		},
		{
			name: "unknown block types ignored",
			in: CallResult{Content: []ContentBlock{
				{Type: "resource", Text: "ignored"},
				{Type: "text", Text: "kept"},
			}},
			want: tools.Result{Success: true, Text: "kept"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(&tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Translate = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSanitizeSchema(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "file path",
				"$ref":        "#/definitions/path",
				"allOf":       []any{},
			},
			"mode": map[string]any{
				"type":  "string",
				"anyOf": []any{},
				"oneOf": []any{},
			},
		},
		"required": []any{"path"},
		"$schema":  "http://json-schema.org/draft-07/schema#",
	}

	out := SanitizeSchema(in)

	if out["type"] != "object" {
		t.Errorf("type = %v", out["type"])
	}
	props := out["properties"].(map[string]any)
	path := props["path"].(map[string]any)
	for _, k := range []string{"$ref", "allOf"} {
		if _, found := path[k]; found {
			t.Errorf("dialect key %q survived sanitization", k)
		}
	}
	if path["type"] != "string" || path["description"] != "file path" {
		t.Errorf("plain keys lost: %v", path)
	}
	mode := props["mode"].(map[string]any)
	for _, k := range []string{"anyOf", "oneOf"} {
		if _, found := mode[k]; found {
			t.Errorf("dialect key %q survived sanitization", k)
		}
	}
	req := out["required"].([]any)
	if len(req) != 1 || req[0] != "path" {
		t.Errorf("required = %v", req)
	}
	if _, found := out["$schema"]; found {
		t.Error("top-level $schema should not be copied")
	}

	// The input schema is never mutated.
	origPath := in["properties"].(map[string]any)["path"].(map[string]any)
	if _, found := origPath["$ref"]; !found {
		t.Error("SanitizeSchema mutated its input")
	}
}

func TestSanitizeSchema_Nil(t *testing.T) {
	out := SanitizeSchema(nil)
	if out["type"] != "object" {
		t.Errorf("type = %v, want object", out["type"])
	}
	if props, ok := out["properties"].(map[string]any); !ok || len(props) != 0 {
		t.Errorf("properties = %v, want empty object", out["properties"])
	}
	if _, found := out["required"]; found {
		t.Error("nil schema should not grow a required list")
	}
}

func TestSanitizeSchema_RequiredStringSlice(t *testing.T) {
	out := SanitizeSchema(map[string]any{
		"type":     "object",
		"required": []string{"a", "b"},
	})
	req, ok := out["required"].([]string)
	if !ok || len(req) != 2 {
		t.Errorf("required = %v", out["required"])
	}
}

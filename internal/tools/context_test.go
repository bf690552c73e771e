package tools

import (
	"context"
	"testing"
)

func TestRunIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"default when unset", context.Background(), "default"},
		{"round trip", WithRunID(context.Background(), "run-123"), "run-123"},
		{"empty string returns default", WithRunID(context.Background(), ""), "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RunIDFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("RunIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolCallIDFromContext(t *testing.T) {
	if got := ToolCallIDFromContext(context.Background()); got != "" {
		t.Errorf("ToolCallIDFromContext() = %q, want empty", got)
	}
	ctx := WithToolCallID(context.Background(), "call_1")
	if got := ToolCallIDFromContext(ctx); got != "call_1" {
		t.Errorf("ToolCallIDFromContext() = %q, want call_1", got)
	}
}

package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTools_ResolvePath(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative path", "test.txt", false},
		{"nested path", "dir/subdir/file.txt", false},
		{"dot prefix", "./test.txt", false},
		{"workspace root", ".", false},
		{"absolute inside", filepath.Join(workspace, "in.txt"), false},
		{"parent escape attempt", "../outside.txt", true},
		{"absolute escape attempt", "/etc/passwd", true},
		{"sneaky escape", "dir/../../outside.txt", true},
		{"sibling with shared prefix", workspace + "-other/file.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ft.resolvePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestFileTools_ReadWriteEdit(t *testing.T) {
	ft := NewFileTools(t.TempDir())
	ctx := context.Background()

	content := "Hello, World!\nLine 2\nLine 3"
	if err := ft.Write(ctx, "test.txt", content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	readContent, err := ft.Read(ctx, "test.txt", 0, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if readContent != content {
		t.Errorf("Read content mismatch: got %q, want %q", readContent, content)
	}

	readContent, err = ft.Read(ctx, "test.txt", 2, 1)
	if err != nil {
		t.Fatalf("Read with offset failed: %v", err)
	}
	if readContent != "[Lines 2-2 of 3]\nLine 2" {
		t.Errorf("Read with offset mismatch: got %q", readContent)
	}

	if err := ft.Edit(ctx, "test.txt", "Line 2", "Modified Line 2"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	readContent, _ = ft.Read(ctx, "test.txt", 0, 0)
	if want := "Hello, World!\nModified Line 2\nLine 3"; readContent != want {
		t.Errorf("Edit content mismatch: got %q, want %q", readContent, want)
	}

	if err := ft.Edit(ctx, "test.txt", "NOT FOUND", "replacement"); err == nil {
		t.Error("Edit should fail for non-existent text")
	}
}

func TestFileTools_EditDuplicateText(t *testing.T) {
	ft := NewFileTools(t.TempDir())
	ctx := context.Background()
	if err := ft.Write(ctx, "dup.txt", "x\nx\n"); err != nil {
		t.Fatal(err)
	}
	err := ft.Edit(ctx, "dup.txt", "x", "y")
	if err == nil || !strings.Contains(err.Error(), "appears 2 times") {
		t.Errorf("Edit() error = %v, want duplicate error", err)
	}
}

func TestFileTools_List(t *testing.T) {
	workspace := t.TempDir()
	os.WriteFile(filepath.Join(workspace, "file1.txt"), []byte("test"), 0644)
	os.WriteFile(filepath.Join(workspace, "file2.md"), []byte("test"), 0644)
	os.MkdirAll(filepath.Join(workspace, "subdir"), 0755)

	ft := NewFileTools(workspace)
	entries, err := ft.List(context.Background(), ".")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 entries, got %d: %v", len(entries), entries)
	}
	if !strings.Contains(strings.Join(entries, ","), "subdir/") {
		t.Errorf("Expected 'subdir/' in entries: %v", entries)
	}
}

func TestFileTools_Disabled(t *testing.T) {
	ft := NewFileTools("")
	if ft.Enabled() {
		t.Error("FileTools should be disabled with empty path")
	}
	ctx := context.Background()
	if _, err := ft.Read(ctx, "test.txt", 0, 0); err == nil {
		t.Error("Read should fail when disabled")
	}
	if err := ft.Write(ctx, "test.txt", "content"); err == nil {
		t.Error("Write should fail when disabled")
	}
	if _, err := ft.List(ctx, "."); err == nil {
		t.Error("List should fail when disabled")
	}
}

func TestFileTools_ReadErrors(t *testing.T) {
	ft := NewFileTools(t.TempDir())
	ctx := context.Background()
	if _, err := ft.Read(ctx, "missing.txt", 0, 0); err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("Read(missing) error = %v", err)
	}
	ft.Write(ctx, "short.txt", "one\ntwo")
	if _, err := ft.Read(ctx, "short.txt", 10, 0); err == nil {
		t.Error("Read with offset beyond file should fail")
	}
	if _, err := ft.List(ctx, "nope"); err == nil {
		t.Error("List(missing dir) should fail")
	}
}

func TestFileTools_RegisteredHandlers(t *testing.T) {
	r := NewRegistry()
	NewFileTools(t.TempDir()).Register(r)
	ctx := context.Background()

	out, err := r.Execute(ctx, "write_file", map[string]any{"path": "notes/a.txt", "content": "alpha\nbeta"})
	if err != nil || out != "Wrote 10 bytes to notes/a.txt" {
		t.Fatalf("write_file = %q, %v", out, err)
	}
	out, err = r.Execute(ctx, "read_file", map[string]any{"path": "notes/a.txt", "offset": float64(2), "limit": float64(1)})
	if err != nil || out != "[Lines 2-2 of 2]\nbeta" {
		t.Errorf("read_file = %q, %v", out, err)
	}
	if _, err := r.Execute(ctx, "edit_file", map[string]any{"path": "notes/a.txt", "old_text": "beta", "new_text": "gamma"}); err != nil {
		t.Errorf("edit_file error: %v", err)
	}
	out, err = r.Execute(ctx, "list_dir", map[string]any{})
	if err != nil || out != "notes/" {
		t.Errorf("list_dir = %q, %v", out, err)
	}
	if _, err := r.Execute(ctx, "read_file", map[string]any{}); err == nil {
		t.Error("read_file without path should fail")
	}
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"f": float64(3), "i": 4, "s": "5", "bad": true}
	for key, want := range map[string]int{"f": 3, "i": 4, "s": 5, "bad": 0, "missing": 0} {
		if got := intArg(args, key); got != want {
			t.Errorf("intArg(%s) = %d, want %d", key, got, want)
		}
	}
}

package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/codedock/schema"
)

func TestSanitizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: DefaultFilename},
		{in: "   ", want: DefaultFilename},
		{in: "/", want: DefaultFilename},
		{in: "main.py", want: "main.py"},
		{in: "/src/app.py", want: "src/app.py"},
		{in: "src//nested///file.py", want: "src/nested/file.py"},
		{in: "../etc/passwd", wantErr: true},
		{in: "src/../../escape.py", wantErr: true},
		{in: "src\\windows.py", wantErr: true},
		{in: "bad\x00name.py", wantErr: true},
	}
	for _, tc := range cases {
		got, err := SanitizePath(tc.in)
		if tc.wantErr {
			if !errors.Is(err, schema.ErrInvalidPath) {
				t.Fatalf("SanitizePath(%q): expected ErrInvalidPath, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SanitizePath(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("SanitizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveInsideRejectsEscape(t *testing.T) {
	root := t.TempDir()
	if _, err := resolveInside(root, "../outside.py"); !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	target, err := resolveInside(root, "src/app.py")
	if err != nil {
		t.Fatalf("resolveInside: %v", err)
	}
	if filepath.Dir(filepath.Dir(target)) != root {
		t.Fatalf("resolved target %q not under root %q", target, root)
	}
}

func TestSyncProjectMaterializesTree(t *testing.T) {
	st := newFakeStore()
	project := schema.ProjectID("p1")
	st.AddFile(context.Background(), schema.ProjectFile{ProjectID: project, Path: "main.py", Type: schema.FileTypeFile, Content: "print('hi')\n"})
	st.AddFile(context.Background(), schema.ProjectFile{ProjectID: project, Path: "pkg", Type: schema.FileTypeFolder})
	st.AddFile(context.Background(), schema.ProjectFile{ProjectID: project, Path: "pkg/util.py", Type: schema.FileTypeFile, Content: "x = 1\n"})
	st.AddFile(context.Background(), schema.ProjectFile{ProjectID: project, Path: "../evil.py", Type: schema.FileTypeFile, Content: "boom"})

	files, err := NewFileSync(st, t.TempDir())
	if err != nil {
		t.Fatalf("new file sync: %v", err)
	}
	session := schema.SessionID("s1")
	if err := files.SyncProject(context.Background(), project, session); err != nil {
		t.Fatalf("sync project: %v", err)
	}
	workspace := files.WorkspacePath(session)
	data, err := os.ReadFile(filepath.Join(workspace, "main.py"))
	if err != nil || string(data) != "print('hi')\n" {
		t.Fatalf("main.py = %q, %v", data, err)
	}
	if info, err := os.Stat(filepath.Join(workspace, "pkg")); err != nil || !info.IsDir() {
		t.Fatalf("pkg should be a directory: %v", err)
	}
	if _, err := os.ReadFile(filepath.Join(workspace, "pkg", "util.py")); err != nil {
		t.Fatalf("pkg/util.py: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(workspace), "evil.py")); !os.IsNotExist(err) {
		t.Fatalf("traversal row must be skipped, stat err %v", err)
	}
}

func TestWriteFileRejectsTraversal(t *testing.T) {
	files, err := NewFileSync(newFakeStore(), t.TempDir())
	if err != nil {
		t.Fatalf("new file sync: %v", err)
	}
	err = files.WriteFile(context.Background(), "s1", "../../escape.py", "boom")
	if !errors.Is(err, schema.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestRemoveWorkspaceDeletesEverything(t *testing.T) {
	files, err := NewFileSync(newFakeStore(), t.TempDir())
	if err != nil {
		t.Fatalf("new file sync: %v", err)
	}
	session := schema.SessionID("s1")
	if err := files.WriteFile(context.Background(), session, "a/b/c.py", "x"); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := files.RemoveWorkspace(context.Background(), session); err != nil {
		t.Fatalf("remove workspace: %v", err)
	}
	if _, err := os.Stat(files.WorkspacePath(session)); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, stat err %v", err)
	}
	// Removing a missing workspace is a no-op.
	if err := files.RemoveWorkspace(context.Background(), session); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

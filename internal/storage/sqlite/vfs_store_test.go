package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codeharbor/codeharbor/internal/vfs"
)

func TestVfsStore_SaveAndGet(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	node := vfs.NewFile("alice", "main.go", nil, []byte("package main"))
	node.SharedWith = []vfs.ShareEntry{{UserID: "bob", Permission: vfs.PermissionRead}}
	if err := store.Save(ctx, node); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "main.go" || got.Kind != vfs.KindFile {
		t.Errorf("got %q/%s", got.Name, got.Kind)
	}
	if string(got.Content) != "package main" {
		t.Errorf("Content = %q", got.Content)
	}
	if len(got.SharedWith) != 1 || got.SharedWith[0].UserID != "bob" {
		t.Errorf("SharedWith = %v", got.SharedWith)
	}
	if got.ParentID != nil {
		t.Errorf("ParentID = %v, want nil", got.ParentID)
	}
}

func TestVfsStore_SaveUpdates(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	node := vfs.NewFile("alice", "a.txt", nil, []byte("v1"))
	if err := store.Save(ctx, node); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	node.Content = []byte("v2")
	node.UpdatedAt = time.Now().Add(time.Second)
	if err := store.Save(ctx, node); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := store.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Content) != "v2" {
		t.Errorf("Content = %q, want v2", got.Content)
	}
}

func TestVfsStore_GetMissing(t *testing.T) {
	store := NewVfsStore(openTestDB(t))

	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("Get(absent) error = %v, want ErrNotFound", err)
	}
}

func TestVfsStore_DeleteCascades(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	root := vfs.NewFolder("alice", "proj", nil)
	sub := vfs.NewFolder("alice", "src", &root.ID)
	file := vfs.NewFile("alice", "main.go", &sub.ID, nil)
	for _, n := range []*vfs.Node{root, sub, file} {
		if err := store.Save(ctx, n); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	if err := store.Delete(ctx, root.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for _, id := range []string{root.ID, sub.ID, file.ID} {
		if _, err := store.Get(ctx, id); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("node %s survived cascade", id)
		}
	}

	if err := store.Delete(ctx, root.ID); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("double Delete() error = %v, want ErrNotFound", err)
	}
}

func TestVfsStore_Children(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	root := vfs.NewFolder("alice", "proj", nil)
	b := vfs.NewFile("alice", "b.txt", &root.ID, nil)
	a := vfs.NewFile("alice", "a.txt", &root.ID, nil)
	for _, n := range []*vfs.Node{root, b, a} {
		if err := store.Save(ctx, n); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	children, err := store.Children(ctx, root.ID)
	if err != nil {
		t.Fatalf("Children() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len = %d, want 2", len(children))
	}
	// Ordered by name
	if children[0].Name != "a.txt" || children[1].Name != "b.txt" {
		t.Errorf("order = %s, %s", children[0].Name, children[1].Name)
	}
}

func TestVfsStore_ProjectRoot(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	root := vfs.NewFolder("alice", "proj", nil)
	if err := store.Save(ctx, root); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.ProjectRoot(ctx, "alice", "proj")
	if err != nil {
		t.Fatalf("ProjectRoot() error = %v", err)
	}
	if got.ID != root.ID {
		t.Errorf("ProjectRoot() = %s, want %s", got.ID, root.ID)
	}

	if _, err := store.ProjectRoot(ctx, "alice", "ghost"); !errors.Is(err, vfs.ErrProjectNotFound) {
		t.Errorf("missing project error = %v, want ErrProjectNotFound", err)
	}
	if _, err := store.ProjectRoot(ctx, "bob", "proj"); !errors.Is(err, vfs.ErrProjectNotFound) {
		t.Errorf("wrong owner error = %v, want ErrProjectNotFound", err)
	}
}

func TestVfsStore_ProjectRootUniquePerOwner(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	if err := store.Save(ctx, vfs.NewFolder("alice", "proj", nil)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// Same name, different owner: fine.
	if err := store.Save(ctx, vfs.NewFolder("bob", "proj", nil)); err != nil {
		t.Errorf("other owner Save() error = %v", err)
	}
	// Same owner and name: the partial unique index rejects it.
	if err := store.Save(ctx, vfs.NewFolder("alice", "proj", nil)); err == nil {
		t.Error("duplicate project root must be rejected")
	}
}

func TestVfsStore_TopLevelAndTemplates(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	plain := vfs.NewFolder("alice", "proj", nil)
	tk := vfs.TemplateSystem
	tmpl := vfs.NewFolder("", "starter", nil)
	tmpl.IsTemplate = true
	tmpl.TemplateKind = &tk
	for _, n := range []*vfs.Node{plain, tmpl} {
		if err := store.Save(ctx, n); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	top, err := store.TopLevel(ctx, "alice")
	if err != nil {
		t.Fatalf("TopLevel() error = %v", err)
	}
	if len(top) != 1 || top[0].ID != plain.ID {
		t.Errorf("TopLevel() = %v", top)
	}

	tmpls, err := store.SystemTemplates(ctx)
	if err != nil {
		t.Fatalf("SystemTemplates() error = %v", err)
	}
	if len(tmpls) != 1 || tmpls[0].ID != tmpl.ID {
		t.Errorf("SystemTemplates() = %v", tmpls)
	}
	if tmpls[0].TemplateKind == nil || *tmpls[0].TemplateKind != vfs.TemplateSystem {
		t.Error("template kind lost in round trip")
	}
}

func TestVfsStore_SharedRoots(t *testing.T) {
	store := NewVfsStore(openTestDB(t))
	ctx := context.Background()

	shared := vfs.NewFolder("alice", "proj", nil)
	shared.SharedWith = []vfs.ShareEntry{{UserID: "bob", Permission: vfs.PermissionWrite}}
	private := vfs.NewFolder("alice", "private", nil)
	for _, n := range []*vfs.Node{shared, private} {
		if err := store.Save(ctx, n); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	roots, err := store.SharedRoots(ctx, "bob")
	if err != nil {
		t.Fatalf("SharedRoots() error = %v", err)
	}
	if len(roots) != 1 || roots[0].ID != shared.ID {
		t.Errorf("SharedRoots() = %v", roots)
	}

	none, err := store.SharedRoots(ctx, "carol")
	if err != nil {
		t.Fatalf("SharedRoots() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("SharedRoots(carol) = %v, want empty", none)
	}
}

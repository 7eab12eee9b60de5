package action

import (
	"context"
	"testing"
)

func TestSubstituteResolvesFixedAndAttrPlaceholders(t *testing.T) {
	ctx := Context{
		FSName: "lustre0",
		Path:   "/mnt/lustre0/a/b",
		Attrs:  map[string]string{"hsm.status": "archived"},
	}
	out, err := Substitute("fs={fsname} path={path} hsm={hsm.status}", ctx, true)
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	want := "fs=lustre0 path=/mnt/lustre0/a/b hsm=archived"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestSubstituteStrictModeFailsOnUnknownPlaceholder(t *testing.T) {
	_, err := Substitute("{nope}", Context{}, true)
	if err == nil {
		t.Fatalf("expected an error for unresolved placeholder in strict mode")
	}
}

func TestSubstituteNonStrictLeavesUnknownPlaceholderUntouched(t *testing.T) {
	out, err := Substitute("{nope}", Context{}, false)
	if err != nil {
		t.Fatalf("substitute: %v", err)
	}
	if out != "{nope}" {
		t.Fatalf("expected placeholder left untouched, got %q", out)
	}
}

func TestDispatchFunctionAction(t *testing.T) {
	r := NewRegistry()
	var gotEntry string
	r.Register("archive", func(_ context.Context, entryID string, _ map[string]any, params map[string]string) (map[string]string, error) {
		gotEntry = entryID
		return map[string]string{"ok": params["target"]}, nil
	})

	a := Action{Type: TypeFunction, Name: "archive"}
	post, err := Dispatch(context.Background(), r, a, "e1", nil, map[string]string{"target": "{fsname}"}, Context{FSName: "lustre0"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if gotEntry != "e1" {
		t.Fatalf("expected entry id to be passed through, got %q", gotEntry)
	}
	if post["ok"] != "lustre0" {
		t.Fatalf("expected param substitution before dispatch, got %q", post["ok"])
	}
}

func TestDispatchUnknownFunctionErrors(t *testing.T) {
	r := NewRegistry()
	a := Action{Type: TypeFunction, Name: "missing"}
	if _, err := Dispatch(context.Background(), r, a, "e1", nil, nil, Context{}); err == nil {
		t.Fatalf("expected an error for an unregistered function")
	}
}

func TestMergeParamsLaterLayerWins(t *testing.T) {
	merged := MergeParams(
		map[string]string{"target": "default", "keep": "base"},
		map[string]string{"target": "trigger"},
		map[string]string{"target": "rule"},
		map[string]string{"target": "fileclass"},
	)
	if merged["target"] != "fileclass" {
		t.Fatalf("expected fileclass override to win, got %q", merged["target"])
	}
	if merged["keep"] != "base" {
		t.Fatalf("expected untouched key to survive, got %q", merged["keep"])
	}
}

package plugin

import (
	"context"
	"strings"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := newRegistry[int, string, int]("counter")
	create := func(ctx context.Context, arg int) (int, error) {
		return arg + 1, nil
	}
	if err := r.register("inc", create); err != nil {
		t.Fatal(err)
	}
	if err := r.register("inc", create); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate register: %v", err)
	}

	v, err := r.create(context.Background(), "inc", 41)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Fatalf("got %d", v)
	}
	if _, err := r.create(context.Background(), "dec", 1); err == nil || !strings.Contains(err.Error(), "counter dec not found") {
		t.Fatalf("unknown plugin: %v", err)
	}

	if err := r.register("add", create); err != nil {
		t.Fatal(err)
	}
	names := r.names(func(s string) string { return s })
	if len(names) != 2 || names[0] != "add" || names[1] != "inc" {
		t.Fatalf("names %v", names)
	}
}

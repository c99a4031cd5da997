package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/openfroyo/storefront/pkg/storefront"
)

type handle struct{ manifest string }

func (h handle) ManifestURL() string { return h.manifest }
func (h handle) LaunchURL() string   { return h.manifest + "#launch" }

func TestPutLookupAll(t *testing.T) {
	r := New()

	var counts []int
	r.OnChange(func(n int) { counts = append(counts, n) })

	r.Put("https://b.example/manifest.webapp", handle{"https://b.example/manifest.webapp"})
	r.Put("https://a.example/manifest.webapp", handle{"https://a.example/manifest.webapp"})
	r.Put("", handle{})
	r.Put("https://c.example/manifest.webapp", nil)

	h, ok := r.Lookup("https://a.example/manifest.webapp")
	if !ok {
		t.Fatal("Expected a.example to be registered")
	}
	if h.LaunchURL() != "https://a.example/manifest.webapp#launch" {
		t.Errorf("Unexpected launch URL %q", h.LaunchURL())
	}

	if _, ok := r.Lookup("https://missing.example/manifest.webapp"); ok {
		t.Error("Expected a miss for an unknown manifest")
	}

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("Expected 2 handles, got %d", len(all))
	}
	if all[0].ManifestURL() != "https://a.example/manifest.webapp" {
		t.Errorf("Expected handles ordered by manifest, got %s first", all[0].ManifestURL())
	}
	if !reflect.DeepEqual(counts, []int{1, 2}) {
		t.Errorf("Unexpected change notifications %v", counts)
	}
}

func TestInit(t *testing.T) {
	r := New()
	err := r.Init(context.Background(), func(context.Context) ([]storefront.InstallerHandle, error) {
		return []storefront.InstallerHandle{handle{"https://a.example/m"}, handle{"https://b.example/m"}}, nil
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Expected 2 handles, got %d", r.Len())
	}

	err = r.Init(context.Background(), func(context.Context) ([]storefront.InstallerHandle, error) {
		return nil, errors.New("db closed")
	})
	if err == nil {
		t.Error("Expected the loader error")
	}
	if r.Len() != 2 {
		t.Errorf("A failed init must keep the registry, got %d handles", r.Len())
	}
}

package druginfo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestLookupParsesLabel(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{
			"dosage_and_administration":["Take one tablet daily"],
			"indications_and_usage":["For mild pain"],
			"warnings":["Do not exceed the stated dose"],
			"adverse_reactions":["Nausea"]
		}]}`))
	})

	info, err := c.Lookup(context.Background(), "aspirin")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotQuery != `openfda.brand_name:"aspirin"` {
		t.Fatalf("search = %q", gotQuery)
	}
	if info.Name != "aspirin" || info.Source != "US FDA" {
		t.Fatalf("info = %+v", info)
	}
	if info.Dosage != "Take one tablet daily" {
		t.Fatalf("dosage = %q", info.Dosage)
	}
	if info.Uses != "For mild pain" || info.Warnings != "Do not exceed the stated dose" || info.SideEffects != "Nausea" {
		t.Fatalf("label fields = %+v", info)
	}
}

func TestLookupDefaultsDosage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"indications_and_usage":["For mild pain"]}]}`))
	})

	info, err := c.Lookup(context.Background(), "aspirin")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info.Dosage != "Not specified" {
		t.Fatalf("dosage = %q, want the placeholder", info.Dosage)
	}
}

func TestLookupNotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http 404", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"empty results", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"results":[]}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			if _, err := c.Lookup(context.Background(), "unobtainium"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Lookup = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestLookupUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Lookup(context.Background(), "aspirin")
	if err == nil {
		t.Fatal("expected error for upstream 500")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("upstream failure must not masquerade as not-found")
	}
}

package vantiq

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPBaseURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"wss://vantiq.example.com/api/v1/wsock/websocket", "https://vantiq.example.com"},
		{"ws://localhost:8080/api/v1/wsock/websocket", "http://localhost:8080"},
		{"https://vantiq.example.com", "https://vantiq.example.com"},
		{"http://localhost:8080/some/path", "http://localhost:8080"},
	}
	for _, c := range cases {
		if got := HTTPBaseURL(c.in); got != c.want {
			t.Errorf("HTTPBaseURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSelectOneDocument(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"name": "calc.js",
			"contentSize": 14,
			"content": "/docs/calc.js",
			"ars_modifiedAt": "2026-01-01T00:00:00Z"
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	doc, err := c.SelectOneDocument(context.Background(), "calc.js")
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/v1/resources/documents/calc.js" {
		t.Errorf("path = %q", gotPath)
	}
	if doc.Name != "calc.js" || doc.ContentSize != 14 || doc.IsIncomplete {
		t.Errorf("doc = %+v", doc)
	}
	if doc.ModDate() != "2026-01-01T00:00:00Z" {
		t.Errorf("ModDate = %q", doc.ModDate())
	}
}

func TestDownloadRelativeRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/docs/calc.js" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("answer = 6 * 7"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	data, err := c.Download(context.Background(), "/docs/calc.js")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "answer = 6 * 7" {
		t.Errorf("content = %q", data)
	}
}

func TestAPIErrorPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`[{"code": "io.vantiq.notfound", "message": "no such document", "params": []}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.SelectOneDocument(context.Background(), "missing.js")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Code != "io.vantiq.notfound" {
		t.Errorf("Code = %q", apiErr.Code)
	}
}

func TestAPIErrorSynthesized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.SelectOneDocument(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Code != "io.vantiq.server.http.403" {
		t.Errorf("Code = %q", apiErr.Code)
	}
}

func TestModDateFallsBackToCreated(t *testing.T) {
	d := &Document{CreatedAt: "2026-02-02T00:00:00Z"}
	if d.ModDate() != "2026-02-02T00:00:00Z" {
		t.Errorf("ModDate = %q", d.ModDate())
	}
	d.ModifiedAt = "2026-03-03T00:00:00Z"
	if d.ModDate() != "2026-03-03T00:00:00Z" {
		t.Errorf("ModDate = %q", d.ModDate())
	}
}

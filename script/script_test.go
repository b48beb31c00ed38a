package script

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"motionsync/define"
	"motionsync/timeline"
)

func TestParseFunscript(t *testing.T) {
	data := []byte(`{"version":"1.0","inverted":true,"range":50,"actions":[{"at":1000,"pos":50},{"at":0,"pos":0}]}`)
	doc, err := ParseFunscript(data, "a.funscript")
	if err != nil {
		t.Fatalf("ParseFunscript() error = %v", err)
	}
	if !doc.Inverted || doc.ID == "" || doc.LoadedFrom != "a.funscript" {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Actions[0].Pos != 100 {
		t.Fatalf("range scaling: pos = %d, want 100", doc.Actions[0].Pos)
	}

	tl, err := doc.Timeline(timeline.DefaultOptions())
	if err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	if tl.At(0).At != 0 || tl.At(0).Pos != 100 || tl.At(1).Pos != 0 {
		t.Fatalf("timeline not sorted/inverted: %+v", tl.Actions())
	}
}

func TestParseFunscriptEmpty(t *testing.T) {
	_, err := ParseFunscript([]byte(`{"actions":[]}`), "empty.funscript")
	var tlErr *define.TimelineError
	if !errors.As(err, &tlErr) || !errors.Is(err, define.ErrEmptyTimeline) {
		t.Fatalf("ParseFunscript() error = %v", err)
	}
	if _, err := ParseFunscript([]byte(`not json`), "bad"); !errors.As(err, &tlErr) {
		t.Fatalf("ParseFunscript(bad) error = %v", err)
	}
}

func TestParseCSV(t *testing.T) {
	input := "at,pos\n0,10\n# comment\n500, 90\n1000.4,20\n"
	doc, err := ParseCSV(strings.NewReader(input), "a.csv")
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if len(doc.Actions) != 3 || doc.Actions[1] != (timeline.Action{At: 500, Pos: 90}) || doc.Actions[2].At != 1000 {
		t.Fatalf("actions = %+v", doc.Actions)
	}

	if _, err := ParseCSV(strings.NewReader("0,10\nx,y\n"), "bad.csv"); err == nil {
		t.Fatal("non-numeric row after the header should fail")
	}
	if _, err := ParseCSV(strings.NewReader("at,pos\n"), "empty.csv"); !errors.Is(err, define.ErrEmptyTimeline) {
		t.Fatalf("header-only CSV error = %v", err)
	}
}

func TestParseDetectsFormat(t *testing.T) {
	doc, err := Parse([]byte(`{"actions":[{"at":0,"pos":5}]}`), "https://host/script?id=1")
	if err != nil || len(doc.Actions) != 1 {
		t.Fatalf("Parse(json) = %+v, %v", doc, err)
	}
	doc, err = Parse([]byte("0,5\n100,6\n"), "noext")
	if err != nil || len(doc.Actions) != 2 {
		t.Fatalf("Parse(csv) = %+v, %v", doc, err)
	}
}

func TestLoadFileAndURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.csv")
	if err := os.WriteFile(path, []byte("0,0\n1000,100\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	doc, err := Load(context.Background(), path)
	if err != nil || len(doc.Actions) != 2 {
		t.Fatalf("Load(file) = %+v, %v", doc, err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/s.funscript" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"actions":[{"at":0,"pos":0},{"at":200,"pos":100}]}`))
	}))
	t.Cleanup(server.Close)

	doc, err = Load(context.Background(), server.URL+"/s.funscript")
	if err != nil || len(doc.Actions) != 2 {
		t.Fatalf("Load(url) = %+v, %v", doc, err)
	}
	if _, err := Load(context.Background(), server.URL+"/missing"); err == nil {
		t.Fatal("Load() of a 404 should fail")
	}
}

package props

import (
	"testing"

	"github.com/google/uuid"
	"github.com/magiconair/properties"
	"github.com/spf13/afero"
)

func newMemStore() (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	return New(fs, "/props"), fs
}

func TestLoadMissingNamespace(t *testing.T) {
	s, _ := newMemStore()
	val, ok, err := s.Load("device", "model")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok || val != "" {
		t.Fatalf("expected no value, got %q ok=%v", val, ok)
	}
}

func TestStoreThenLoad(t *testing.T) {
	s, _ := newMemStore()
	value := "line1\nkey=value\\tail"
	if err := s.Store("device", "odd key=x", value); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	got, ok, err := s.Load("device", "odd key=x")
	if err != nil || !ok {
		t.Fatalf("Load failed: %v ok=%v", err, ok)
	}
	if got != value {
		t.Fatalf("expected %q, got %q", value, got)
	}
}

func TestLoadOrStoreKeepsStoredValues(t *testing.T) {
	s, fs := newMemStore()
	if err := s.Store("ns", "a", "stored"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	props, err := s.LoadOrStore("ns", map[string]string{"a": "default", "b": "new"})
	if err != nil {
		t.Fatalf("LoadOrStore failed: %v", err)
	}
	if props["a"] != "stored" || props["b"] != "new" {
		t.Fatalf("unexpected merge: %v", props)
	}

	// every default key is stored now, so a read-only view must not be written
	ro := New(afero.NewReadOnlyFs(fs), "/props")
	props, err = ro.LoadOrStore("ns", map[string]string{"a": "x", "b": "y"})
	if err != nil {
		t.Fatalf("LoadOrStore without missing keys failed: %v", err)
	}
	if props["a"] != "stored" || props["b"] != "new" {
		t.Fatalf("unexpected values: %v", props)
	}
}

func TestLoadOrStoreUUIDIsStable(t *testing.T) {
	s, _ := newMemStore()
	first := s.LoadOrStoreUUID("source", "source_id")
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("expected uuid, got %q", first)
	}
	second := s.LoadOrStoreUUID("source", "source_id")
	if first != second {
		t.Fatalf("expected stable uuid, got %s then %s", first, second)
	}
}

func TestLoadOrStoreUUIDFallsBackOnReadOnlyFs(t *testing.T) {
	s := New(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/props")
	id := s.LoadOrStoreUUID("source", "source_id")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected fresh uuid, got %q", id)
	}
}

func TestPutIfAbsent(t *testing.T) {
	s, _ := newMemStore()
	ok, err := s.PutIfAbsent("ns", "k", "v1")
	if err != nil || !ok {
		t.Fatalf("first PutIfAbsent: ok=%v err=%v", ok, err)
	}
	ok, err = s.PutIfAbsent("ns", "k", "v1")
	if err != nil || !ok {
		t.Fatalf("same value: ok=%v err=%v", ok, err)
	}
	ok, err = s.PutIfAbsent("ns", "k", "v2")
	if err != nil || ok {
		t.Fatalf("different value: ok=%v err=%v", ok, err)
	}
}

func TestInvalidNamespace(t *testing.T) {
	s, _ := newMemStore()
	if err := s.Store("../escape", "k", "v"); err == nil {
		t.Fatal("expected error for namespace with separators")
	}
}

func TestDecodeSkipsComments(t *testing.T) {
	got, err := decode([]byte("# comment\n! other\n\nkey=value=more\nempty=\ncolon: v\n"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got["key"] != "value=more" {
		t.Fatalf("unexpected value %q", got["key"])
	}
	if v, ok := got["empty"]; !ok || v != "" {
		t.Fatalf("expected empty value, got %q ok=%v", v, ok)
	}
	if got["colon"] != "v" {
		t.Fatalf("unexpected value %q", got["colon"])
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 keys, got %v", got)
	}
}

func TestStoreKeepsAwkwardKeysAndValues(t *testing.T) {
	s, _ := newMemStore()
	values := map[string]string{
		"#key":        "v",
		"!bang":       "v",
		" pad":        "a",
		"":            "empty key",
		"model":       "X\xff1",
		"lead":        "  spaced  ",
		"ref":         "${model}",
		"base64.Zm9v": "looks encoded",
		"multi\nline": "a\r\nb",
		"plain":       "X1",
	}
	if err := s.StoreAll("device", values); err != nil {
		t.Fatalf("StoreAll failed: %v", err)
	}
	for k, want := range values {
		got, ok, err := s.Load("device", k)
		if err != nil || !ok {
			t.Fatalf("Load %q: ok=%v err=%v", k, ok, err)
		}
		if got != want {
			t.Fatalf("Load %q: expected %q, got %q", k, want, got)
		}
	}
}

func TestPlainEntriesStayReadable(t *testing.T) {
	s, fs := newMemStore()
	if err := s.StoreAll("device", map[string]string{"model": "X1", "odd key": "v"}); err != nil {
		t.Fatalf("StoreAll failed: %v", err)
	}
	data, err := afero.ReadFile(fs, "/props/device.properties")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(data)
	if err != nil {
		t.Fatalf("parse file: %v", err)
	}
	if v, ok := p.Get("model"); !ok || v != "X1" {
		t.Fatalf("expected model=X1 in file, got %q ok=%v", v, ok)
	}
	if _, ok := p.Get("odd key"); ok {
		t.Fatalf("awkward key must be stored encoded")
	}
}

func TestCorruptFileIsReported(t *testing.T) {
	s, fs := newMemStore()
	if err := afero.WriteFile(fs, "/props/device.properties", []byte("key=\\u12\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := s.Load("device", "key"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStoreAllWritesOnce(t *testing.T) {
	s, fs := newMemStore()
	values := map[string]string{"model": "X1", "manufacturer": "Acme"}
	if err := s.StoreAll("device", values); err != nil {
		t.Fatalf("StoreAll failed: %v", err)
	}
	got, err := s.LoadOrStore("device", nil)
	if err != nil {
		t.Fatalf("LoadOrStore failed: %v", err)
	}
	if got["model"] != "X1" || got["manufacturer"] != "Acme" {
		t.Fatalf("unexpected props %v", got)
	}

	ro := New(afero.NewReadOnlyFs(fs), "/props")
	if err := ro.StoreAll("device", values); err != nil {
		t.Fatalf("unchanged StoreAll must not write: %v", err)
	}
	if err := ro.StoreAll("device", map[string]string{"model": "X2"}); err == nil {
		t.Fatal("changed StoreAll on read-only fs must fail")
	}
}

// Package props keeps small string properties on disk, one file per
// namespace. It backs the identity and time-zone continuity of the status
// aggregator across restarts.
package props

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/magiconair/properties"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const fileSuffix = ".properties"

// Store reads and writes namespaced properties files under a directory.
type Store struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// New returns a store rooted at dir on fs.
func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// NewOS returns a store on the local filesystem.
func NewOS(dir string) *Store {
	return New(afero.NewOsFs(), dir)
}

func (s *Store) path(ns string) (string, error) {
	ns = strings.TrimSpace(ns)
	if ns == "" || strings.ContainsAny(ns, `/\`) || ns == "." || ns == ".." {
		return "", errors.Errorf("props: invalid namespace %q", ns)
	}
	return filepath.Join(s.dir, ns+fileSuffix), nil
}

// Load returns the value of key in namespace ns.
func (s *Store) Load(ns, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, err := s.read(ns)
	if err != nil {
		return "", false, err
	}
	val, ok := props[key]
	return val, ok, nil
}

// Store sets key to value in namespace ns.
func (s *Store) Store(ns, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, err := s.read(ns)
	if err != nil {
		return err
	}
	if old, ok := props[key]; ok && old == value {
		return nil
	}
	props[key] = value
	return s.write(ns, props)
}

// StoreAll merges values into namespace ns with a single write. Nothing is
// written when every value is already stored.
func (s *Store) StoreAll(ns string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, err := s.read(ns)
	if err != nil {
		return err
	}
	changed := false
	for k, v := range values {
		if old, ok := props[k]; !ok || old != v {
			props[k] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.write(ns, props)
}

// LoadOrStore merges the stored properties of ns over defaults. The file is
// rewritten only when defaults hold keys that were not stored yet.
func (s *Store) LoadOrStore(ns string, defaults map[string]string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded, err := s.read(ns)
	if err != nil {
		return nil, err
	}
	missing := false
	for k := range defaults {
		if _, ok := loaded[k]; !ok {
			missing = true
			break
		}
	}
	if !missing {
		return loaded, nil
	}
	combined := make(map[string]string, len(defaults)+len(loaded))
	for k, v := range defaults {
		combined[k] = v
	}
	for k, v := range loaded {
		combined[k] = v
	}
	if err := s.write(ns, combined); err != nil {
		return nil, err
	}
	return combined, nil
}

// LoadOrStoreUUID returns the UUID stored under key, generating and storing a
// new one when absent. When storage fails the fresh UUID is returned anyway.
func (s *Store) LoadOrStoreUUID(ns, key string) string {
	fresh := uuid.NewString()
	props, err := s.LoadOrStore(ns, map[string]string{key: fresh})
	if err != nil {
		log.Warn().Err(err).Str("namespace", ns).Str("key", key).
			Msg("props: persist uuid failed, using a fresh one")
		return fresh
	}
	return props[key]
}

// PutIfAbsent stores value when key is absent and reports whether the stored
// value now equals value.
func (s *Store) PutIfAbsent(ns, key, value string) (bool, error) {
	props, err := s.LoadOrStore(ns, map[string]string{key: value})
	if err != nil {
		return false, err
	}
	return props[key] == value, nil
}

func (s *Store) read(ns string) (map[string]string, error) {
	p, err := s.path(ns)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "props: read %s failed", p)
	}
	values, err := decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "props: parse %s failed", p)
	}
	return values, nil
}

func (s *Store) write(ns string, props map[string]string) error {
	p, err := s.path(ns)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "props: create dir %s failed", s.dir)
	}
	data, err := encode(props)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "props: write %s failed", tmp)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "props: replace %s failed", p)
	}
	log.Debug().Str("namespace", ns).Int("keys", len(props)).Msg("props: stored properties")
	return nil
}

// encodedPrefix marks an entry whose key and value are base64 encoded
// because the properties format cannot carry them as written.
const encodedPrefix = "base64."

var b64 = base64.RawURLEncoding

// plain reports whether key and value survive a properties round trip as
// written. Comment markers, separators, surrounding blanks and invalid UTF-8
// do not.
func plain(key, value string) bool {
	if key == "" || strings.HasPrefix(key, encodedPrefix) {
		return false
	}
	if !utf8.ValidString(key) || !utf8.ValidString(value) {
		return false
	}
	if key[0] == '#' || key[0] == '!' || strings.ContainsAny(key, "=: \t\f\r\n\\") {
		return false
	}
	return strings.TrimSpace(value) == value
}

// encode writes the properties sorted by key.
func encode(values map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, k := range keys {
		key, value := k, values[k]
		if !plain(key, value) {
			key, value = encodedPrefix+b64.EncodeToString([]byte(key)), b64.EncodeToString([]byte(value))
		}
		if _, _, err := p.Set(key, value); err != nil {
			return nil, errors.Wrapf(err, "props: set %q", k)
		}
	}
	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return nil, errors.Wrap(err, "props: encode")
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (map[string]string, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "props: decode")
	}
	out := make(map[string]string, p.Len())
	for key, value := range p.Map() {
		if raw, ok := strings.CutPrefix(key, encodedPrefix); ok {
			k, kerr := b64.DecodeString(raw)
			v, verr := b64.DecodeString(value)
			if kerr == nil && verr == nil {
				out[string(k)] = string(v)
				continue
			}
		}
		out[key] = value
	}
	return out, nil
}

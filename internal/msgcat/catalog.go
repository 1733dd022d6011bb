// Package msgcat renders the notification texts posted into a channel when
// a game or topic event happens.
package msgcat

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

//go:embed notices.ko.yaml
var defaultFiles embed.FS

const defaultFile = "notices.ko.yaml"

// Template keys used by the chat client.
const (
	ChessStarted     = "chess.started"
	ChessDrawOffered = "chess.draw_offered"
	ChessDrawDone    = "chess.draw_accepted"
	ChessDrawLapsed  = "chess.draw_lapsed"
	ChessAborted     = "chess.aborted"
	ChessResigned    = "chess.resigned"
	ChessCheckmate   = "chess.checkmate"
	ChessStalemate   = "chess.stalemate"
	ChessGaveUp      = "chess.gave_up_waiting"
	RewindRequested  = "chess.rewind.requested"
	RewindAccepted   = "chess.rewind.accepted"
	RewindDeclined   = "chess.rewind.declined"
	RewindCancelled  = "chess.rewind.cancelled"
	SubjectReloaded  = "subject.reloaded"
	SendFailed       = "message.send_failed"
)

// Data is the template input. Keys used by the notices: By, Winner, White,
// Black, Number, Content.
type Data map[string]any

// Catalog holds flattened dot-keys and their parsed templates.
// Missing template fields are errors.
type Catalog struct {
	mu    sync.RWMutex
	data  map[string]string
	cache map[string]*template.Template
}

// New loads the embedded notices and then applies overrides from dir if provided.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{data: make(map[string]string), cache: make(map[string]*template.Template)}
	raw, err := fs.ReadFile(defaultFiles, defaultFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded notices: %w", err)
	}
	if err := c.apply(raw, nil, defaultFile); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	// key -> file, duplicates across override files are an error
	seen := make(map[string]string)
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := c.apply(b, seen, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) apply(b []byte, seen map[string]string, name string) error {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	flat := make(map[string]string)
	if err := flatten(m, "", flat); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	parsed := make(map[string]*template.Template, len(flat))
	for k, v := range flat {
		if seen != nil {
			if prev, ok := seen[k]; ok {
				return fmt.Errorf("duplicate override key %q in %s and %s", k, prev, name)
			}
			seen[k] = name
		}
		t, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil {
			return fmt.Errorf("template %s in %s: %w", k, name, err)
		}
		parsed[k] = t
	}
	c.mu.Lock()
	for k, v := range flat {
		c.data[k] = v
		c.cache[k] = parsed[k]
	}
	c.mu.Unlock()
	return nil
}

func flatten(src any, prefix string, out map[string]string) error {
	switch v := src.(type) {
	case map[string]any:
		for k, vv := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := flatten(vv, key, out); err != nil {
				return err
			}
		}
		return nil
	case string:
		if prefix == "" {
			return errors.New("string value without key prefix")
		}
		out[prefix] = v
		return nil
	case nil:
		return nil
	default:
		// string leaves only
		return fmt.Errorf("unsupported value at %s: %T", prefix, v)
	}
}

// Render executes the template stored under key.
func (c *Catalog) Render(key string, data any) (string, error) {
	key = strings.TrimSpace(key)
	c.mu.RLock()
	t, ok := c.cache[key]
	c.mu.RUnlock()
	if !ok || strings.TrimSpace(c.raw(key)) == "" {
		return "", fmt.Errorf("template not found: %s", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *Catalog) raw(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[key]
}

// RenderOr falls back to the given text when rendering fails.
func (c *Catalog) RenderOr(key string, data any, fallback string) string {
	if c == nil {
		return fallback
	}
	s, err := c.Render(key, data)
	if err != nil {
		return fallback
	}
	return s
}

// Keys lists every loaded key, sorted.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.data))
	for k := range c.data {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

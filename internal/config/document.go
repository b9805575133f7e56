package config

import (
	"os"
	"strings"

	gotoml "github.com/pelletier/go-toml/v2"

	"github.com/codexdrive/core/internal/coreerr"
)

// SetValue updates a single dotted key (e.g. "tui.theme" or
// "profiles.work.model") in home's config.toml while leaving every other
// key untouched, including ones Config doesn't model (a hand-edited
// config.toml may carry arbitrary extra tables).
// Save's BurntSushi-based encoder only round-trips Config's own fields, so
// it would silently drop anything else; SetValue instead decodes the file
// into a generic document with go-toml/v2, mutates just the requested key,
// and re-encodes the whole document.
func SetValue(home, dottedKey string, value interface{}) error {
	path := Path(home)

	doc := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if err := gotoml.Unmarshal(data, &doc); err != nil {
			return coreerr.Wrap(coreerr.Internal, err, "failed to parse config file as a generic document")
		}
	} else if !os.IsNotExist(err) {
		return coreerr.Wrap(coreerr.Internal, err, "failed to read config file")
	}

	setDottedKey(doc, strings.Split(dottedKey, "."), value)

	out, err := gotoml.Marshal(doc)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to encode config document")
	}

	if err := os.MkdirAll(home, 0o755); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to create home directory")
	}
	return os.WriteFile(path, out, 0o644)
}

// setDottedKey walks/creates nested tables along segs[:len-1] and assigns
// value at the final segment.
func setDottedKey(doc map[string]interface{}, segs []string, value interface{}) {
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const indexFile = "index.json"

func indexPath(dir string) string { return filepath.Join(dir, indexFile) }

func loadIndex(path string) (map[string]*entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*entry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var m map[string]*entry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]*entry{}
	}
	return m, nil
}

// persistIndex uses write-then-rename so a crash mid-write never leaves a
// truncated index behind.
func persistIndex(path string, entries map[string]*entry) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

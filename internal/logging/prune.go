package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// PruneOldLogs removes log files beyond the retention policy: the newest
// `keep` files are always retained, and older files are removed once the
// retained total exceeds maxTotalBytes. Returns the number of files removed.
func PruneOldLogs(keep int, maxTotalBytes int64) (int, error) {
	if keep <= 0 {
		return 0, errors.New("keep must be > 0")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return 0, fmt.Errorf("resolve home directory: %w", err)
	}
	return pruneDir(filepath.Join(homeDir, ".graphbridge", "logs"), keep, maxTotalBytes)
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

func pruneDir(dir string, keep int, maxTotalBytes int64) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log directory: %w", err)
	}

	files := make([]logFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	// The newest file is the active log for the current run and is never
	// removed regardless of size.
	removed := 0
	var retainedBytes int64
	for i, file := range files {
		retainedBytes += file.size
		if i == 0 {
			continue
		}
		if i < keep && (maxTotalBytes <= 0 || retainedBytes <= maxTotalBytes) {
			continue
		}
		if err := os.Remove(file.path); err != nil {
			return removed, fmt.Errorf("remove old log %s: %w", file.path, err)
		}
		removed++
	}
	return removed, nil
}

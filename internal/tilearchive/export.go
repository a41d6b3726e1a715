package tilearchive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Export walks a layer or theme's on-disk tile cache directory (laid out
// as "<dir>/<z>/<x>/<y>.<ext>", the XYZ convention the render queue and
// batch worker both write under) and packages every tile found into a new
// MBTiles file at destPath, handling the request behind
// `POST /projects/{id}/cache/{name}/export` (SPEC_FULL.md §4).
func Export(sourceDir, destPath string, meta Metadata) (tileCount int, err error) {
	w, err := New(destPath, meta)
	if err != nil {
		return 0, fmt.Errorf("tilearchive: create export archive: %w", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	zDirs, err := os.ReadDir(sourceDir)
	if err != nil {
		return 0, fmt.Errorf("tilearchive: read source dir: %w", err)
	}

	for _, zDir := range zDirs {
		z, ok := parseCoord(zDir.Name())
		if !ok || !zDir.IsDir() {
			continue
		}
		xDirs, err := os.ReadDir(filepath.Join(sourceDir, zDir.Name()))
		if err != nil {
			return tileCount, fmt.Errorf("tilearchive: read zoom dir %d: %w", z, err)
		}
		for _, xDir := range xDirs {
			x, ok := parseCoord(xDir.Name())
			if !ok || !xDir.IsDir() {
				continue
			}
			yPath := filepath.Join(sourceDir, zDir.Name(), xDir.Name())
			yFiles, err := os.ReadDir(yPath)
			if err != nil {
				return tileCount, fmt.Errorf("tilearchive: read column dir %d/%d: %w", z, x, err)
			}
			for _, yFile := range yFiles {
				y, ok := parseCoord(strings.TrimSuffix(yFile.Name(), filepath.Ext(yFile.Name())))
				if !ok || yFile.IsDir() {
					continue
				}
				data, err := os.ReadFile(filepath.Join(yPath, yFile.Name()))
				if err != nil {
					return tileCount, fmt.Errorf("tilearchive: read tile %d/%d/%d: %w", z, x, y, err)
				}
				if err := w.WriteTile(z, x, y, data); err != nil {
					return tileCount, fmt.Errorf("tilearchive: write tile %d/%d/%d: %w", z, x, y, err)
				}
				tileCount++
			}
		}
	}

	return tileCount, nil
}

func parseCoord(name string) (int, bool) {
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return n, true
}

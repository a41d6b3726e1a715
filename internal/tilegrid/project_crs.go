package tilegrid

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	projectCrsRe  = regexp.MustCompile(`(?s)<projectCrs>(.*?)</projectCrs>`)
	authIDRe      = regexp.MustCompile(`<authid>\s*(EPSG:\d+)\s*</authid>`)
	epsgRe        = regexp.MustCompile(`EPSG:\d+`)
	extentRe      = regexp.MustCompile(`(?s)<extent>(.*?)</extent>`)
	defaultViewRe = regexp.MustCompile(`(?s)<defaultViewExtent>(.*?)</defaultViewExtent>`)
	xminRe        = regexp.MustCompile(`<xmin>\s*([\-0-9.eE]+)\s*</xmin>`)
	yminRe        = regexp.MustCompile(`<ymin>\s*([\-0-9.eE]+)\s*</ymin>`)
	xmaxRe        = regexp.MustCompile(`<xmax>\s*([\-0-9.eE]+)\s*</xmax>`)
	ymaxRe        = regexp.MustCompile(`<ymax>\s*([\-0-9.eE]+)\s*</ymax>`)
)

// DetectProjectCRS implements spec.md §4.7's CRS/extent detection: it reads
// a QGIS project file (plain .qgs XML, or the .qgs member of a .qgz zip) and
// extracts the project's CRS and declared extent without a full XML parse.
//
// CRS resolution order: first a <projectCrs>...</projectCrs> block's
// <authid>EPSG:NNNN</authid>, then any <authid>EPSG:NNNN</authid> in the
// document, then the first bare EPSG:NNNN substring anywhere in the file.
//
// Extent resolution order: <extent><xmin/><ymin/><xmax/><ymax/></extent>,
// falling back to <defaultViewExtent> with the same child elements.
func DetectProjectCRS(projectPath string) (crs string, extent Extent, err error) {
	raw, err := readProjectXML(projectPath)
	if err != nil {
		return "", Extent{}, err
	}

	crs, ok := extractCRS(raw)
	if !ok {
		return "", Extent{}, fmt.Errorf("no CRS found in project file %s", projectPath)
	}

	extent, ok = extractExtent(raw, extentRe)
	if !ok {
		extent, ok = extractExtent(raw, defaultViewRe)
	}
	if !ok {
		return crs, Extent{}, fmt.Errorf("no extent found in project file %s", projectPath)
	}

	return crs, extent, nil
}

func extractCRS(raw string) (string, bool) {
	if m := projectCrsRe.FindStringSubmatch(raw); m != nil {
		if id := authIDRe.FindStringSubmatch(m[1]); id != nil {
			return strings.ToUpper(id[1]), true
		}
	}
	if id := authIDRe.FindStringSubmatch(raw); id != nil {
		return strings.ToUpper(id[1]), true
	}
	if id := epsgRe.FindString(raw); id != "" {
		return strings.ToUpper(id), true
	}
	return "", false
}

func extractExtent(raw string, blockRe *regexp.Regexp) (Extent, bool) {
	block := blockRe.FindStringSubmatch(raw)
	if block == nil {
		return Extent{}, false
	}
	body := block[1]

	xmin, ok1 := parseFirstFloat(xminRe, body)
	ymin, ok2 := parseFirstFloat(yminRe, body)
	xmax, ok3 := parseFirstFloat(xmaxRe, body)
	ymax, ok4 := parseFirstFloat(ymaxRe, body)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Extent{}, false
	}

	e := Extent{xmin, ymin, xmax, ymax}
	if !e.Valid() {
		return Extent{}, false
	}
	return e, true
}

func parseFirstFloat(re *regexp.Regexp, body string) (float64, bool) {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// readProjectXML returns the raw QGIS project XML regardless of whether
// projectPath is a plain .qgs file or a .qgz zip archive containing one.
func readProjectXML(projectPath string) (string, error) {
	if strings.EqualFold(filepath.Ext(projectPath), ".qgz") {
		return readQgzXML(projectPath)
	}

	data, err := os.ReadFile(projectPath)
	if err != nil {
		return "", fmt.Errorf("read project file: %w", err)
	}
	return string(data), nil
}

func readQgzXML(projectPath string) (string, error) {
	zr, err := zip.OpenReader(projectPath)
	if err != nil {
		return "", fmt.Errorf("open qgz archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.EqualFold(filepath.Ext(f.Name), ".qgs") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s in qgz archive: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read %s in qgz archive: %w", f.Name, err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no .qgs member found in qgz archive %s", projectPath)
}

package tilegrid

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

const sampleQgs = `<?xml version="1.0"?>
<qgis>
  <projectCrs>
    <spatialrefsys>
      <authid>EPSG:3006</authid>
    </spatialrefsys>
  </projectCrs>
  <extent>
    <xmin>100000</xmin>
    <ymin>6100000</ymin>
    <xmax>900000</xmax>
    <ymax>7600000</ymax>
  </extent>
</qgis>`

func TestDetectProjectCRS_PlainQgs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.qgs")
	if err := os.WriteFile(path, []byte(sampleQgs), 0o644); err != nil {
		t.Fatal(err)
	}

	crs, extent, err := DetectProjectCRS(path)
	if err != nil {
		t.Fatalf("DetectProjectCRS: %v", err)
	}
	if crs != "EPSG:3006" {
		t.Errorf("crs = %q, want EPSG:3006", crs)
	}
	want := Extent{100000, 6100000, 900000, 7600000}
	if extent != want {
		t.Errorf("extent = %v, want %v", extent, want)
	}
}

func TestDetectProjectCRS_Qgz(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.qgz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("demo.qgs")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(sampleQgs)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	crs, extent, err := DetectProjectCRS(path)
	if err != nil {
		t.Fatalf("DetectProjectCRS: %v", err)
	}
	if crs != "EPSG:3006" {
		t.Errorf("crs = %q, want EPSG:3006", crs)
	}
	if !extent.Valid() {
		t.Errorf("extent %v not valid", extent)
	}
}

func TestDetectProjectCRS_FallbackBareEPSG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.qgs")
	raw := `<qgis>no authid here, just EPSG:4326 mentioned in passing
	<defaultViewExtent><xmin>-180</xmin><ymin>-90</ymin><xmax>180</xmax><ymax>90</ymax></defaultViewExtent>
	</qgis>`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	crs, extent, err := DetectProjectCRS(path)
	if err != nil {
		t.Fatalf("DetectProjectCRS: %v", err)
	}
	if crs != "EPSG:4326" {
		t.Errorf("crs = %q, want EPSG:4326", crs)
	}
	want := Extent{-180, -90, 180, 90}
	if extent != want {
		t.Errorf("extent = %v, want %v", extent, want)
	}
}

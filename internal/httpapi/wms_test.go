package httpapi

import (
	"net/http/httptest"
	"testing"
)

func TestParseBBox(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"valid", "-180,-85,180,85", true},
		{"wrong field count", "1,2,3", false},
		{"non numeric", "a,b,c,d", false},
		{"inverted x", "10,0,5,10", false},
		{"inverted y", "0,10,10,5", false},
		{"empty", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, ok := parseBBox(c.in)
			if ok != c.ok {
				t.Errorf("parseBBox(%q) ok=%v, want %v", c.in, ok, c.ok)
			}
		})
	}
}

func TestWMSTileAlignment(t *testing.T) {
	const z = 5
	tileSize := earthCircumferenceMeters / (1 << z)
	half := earthCircumferenceMeters / 2

	x, y := 3, 10
	minX := -half + float64(x)*tileSize
	maxY := half - float64(y)*tileSize
	bbox := [4]float64{minX, maxY - tileSize, minX + tileSize, maxY}

	gotZ, gotX, gotY, ok := wmsTileAlignment(bbox)
	if !ok {
		t.Fatalf("expected aligned bbox to be recognized")
	}
	if gotZ != z || gotX != x || gotY != y {
		t.Errorf("got z=%d x=%d y=%d, want z=%d x=%d y=%d", gotZ, gotX, gotY, z, x, y)
	}

	unaligned := [4]float64{0, 0, 1000, 777}
	if _, _, _, ok := wmsTileAlignment(unaligned); ok {
		t.Errorf("expected non-tile-shaped bbox to be rejected")
	}
}

func TestWMSFormatExt(t *testing.T) {
	cases := map[string]string{
		"image/png":  "png",
		"image/jpeg": "jpg",
		"image/jpg":  "jpg",
		"image/webp": "webp",
		"":           "png",
	}
	for mime, want := range cases {
		if got := wmsFormatExt(mime); got != want {
			t.Errorf("wmsFormatExt(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "x", "y"); got != "x" {
		t.Errorf("firstNonEmpty = %q, want %q", got, "x")
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q, want empty", got)
	}
}

func TestCaseInsensitiveQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/wms?REQUEST=GetMap&Layers=foo", nil)
	q := caseInsensitiveQuery(r)
	if got := q.Get("request"); got != "GetMap" {
		t.Errorf("request = %q, want GetMap", got)
	}
	if got := q.Get("layers"); got != "foo" {
		t.Errorf("layers = %q, want foo", got)
	}
}

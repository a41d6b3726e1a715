// Package store persists the Project Index and Project Config documents
// (spec.md §3/§4.5/§4.6) as pretty-printed JSON under cache/<projectId>/,
// using write-to-temp-then-rename so readers never observe a torn file.
package store

import "time"

// IndexEntry is one layer or theme's cache coverage record.
type IndexEntry struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "layer" | "theme"

	Scheme   string `json:"scheme"` // "xyz" | "wmts"
	TileCRS  string `json:"tileCrs"`
	LayerCRS string `json:"layerCrs,omitempty"`

	ZoomMin int `json:"zoomMin"`
	ZoomMax int `json:"zoomMax"`

	LastZoomMin int `json:"lastZoomMin"`
	LastZoomMax int `json:"lastZoomMax"`

	TileFormat string `json:"tileFormat"` // "png" | "jpeg"
	Path       string `json:"path"`

	TileMatrixPreset string           `json:"tileMatrixPreset,omitempty"`
	TileMatrixSet    *EmbeddedTileSet `json:"tileMatrixSet,omitempty"`

	Extent      [4]float64 `json:"extent"`
	ExtentWGS84 [4]float64 `json:"extentWgs84"`

	Progress Progress `json:"progress"`

	Partial       bool      `json:"partial"`
	Bootstrap     bool      `json:"bootstrap"`
	Generated     time.Time `json:"generated"`
	Updated       time.Time `json:"updated"`
	LastRequestAt time.Time `json:"lastRequestAt,omitempty"`
}

// EmbeddedTileSet mirrors a subset of tilegrid.Preset for the rare layer
// that carries its own tile-matrix-set definition inline rather than by
// reference to the shared registry.
type EmbeddedTileSet struct {
	AxisOrder     string        `json:"axisOrder"`
	TileWidth     int           `json:"tileWidth"`
	TileHeight    int           `json:"tileHeight"`
	TopLeftCorner [2]float64    `json:"topLeftCorner"`
	Levels        []TileSetLevel `json:"levels"`
}

type TileSetLevel struct {
	ScaleDenominator float64 `json:"scaleDenominator"`
	MatrixWidth      int     `json:"matrixWidth"`
	MatrixHeight     int     `json:"matrixHeight"`
	Resolution       float64 `json:"resolution"`
}

// Progress is the live rendering snapshot spec.md §4.3 folds incoming
// worker events into.
type Progress struct {
	Status         string    `json:"status"` // running, completed, error, aborted, on-demand
	Percent        float64   `json:"percent"`
	TotalGenerated int       `json:"totalGenerated"`
	ExpectedTotal  int       `json:"expectedTotal"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Message        string    `json:"message,omitempty"`
}

// ProjectIndex is cache/<projectId>/index.json.
type ProjectIndex struct {
	Project     string       `json:"project"`
	ID          string       `json:"id"`
	ProjectFile string       `json:"projectFile,omitempty"`
	CreatedAt   time.Time    `json:"created"`
	UpdatedAt   time.Time    `json:"updated"`
	Layers      []IndexEntry `json:"layers"`
}

// FindEntry returns the entry for (kind, name), if any.
func (pi *ProjectIndex) FindEntry(kind, name string) (*IndexEntry, bool) {
	for i := range pi.Layers {
		if pi.Layers[i].Kind == kind && pi.Layers[i].Name == name {
			return &pi.Layers[i], true
		}
	}
	return nil, false
}

// History is a capped activity log; Append trims to the most recent 25
// entries per spec.md invariant 5.
type History []HistoryEntry

type HistoryEntry struct {
	At      time.Time `json:"at"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
}

const maxHistoryEntries = 25

// Append adds entry and trims h to the most recent maxHistoryEntries.
func (h History) Append(entry HistoryEntry) History {
	h = append(h, entry)
	if len(h) > maxHistoryEntries {
		h = h[len(h)-maxHistoryEntries:]
	}
	return h
}

// Schedule is a per-layer/theme recurring-recache definition.
type Schedule struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty"` // weekly, monthly, yearly

	Weekly  *WeeklySchedule  `json:"weekly,omitempty"`
	Monthly *MonthlySchedule `json:"monthly,omitempty"`
	Yearly  *YearlySchedule  `json:"yearly,omitempty"`

	ZoomMin *int `json:"zoomMin,omitempty"`
	ZoomMax *int `json:"zoomMax,omitempty"`

	NextRunAt  *time.Time `json:"nextRunAt"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	LastResult string     `json:"lastResult,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	History    History    `json:"history,omitempty"`
}

type WeeklySchedule struct {
	Days []string `json:"days"` // "mon".."sun"
	Time string   `json:"time"` // "HH:MM"
}

type MonthlySchedule struct {
	Days []int  `json:"days"` // 1..31, clamps to month length
	Time string `json:"time"`
}

type YearlyOccurrence struct {
	Month int    `json:"month"`
	Day   int    `json:"day"`
	Time  string `json:"time"`
}

type YearlySchedule struct {
	Occurrences []YearlyOccurrence `json:"occurrences"` // up to 3
}

// LayerState / ThemeState hold the last-run bookkeeping and schedule for
// one layer or theme within a ProjectConfig.
type LayerState struct {
	LastParams      map[string]any `json:"lastParams,omitempty"`
	LastRequestedAt *time.Time     `json:"lastRequestedAt,omitempty"`
	LastResult      string         `json:"lastResult,omitempty"` // success,error,aborted,skipped,deleted,on-demand
	LastMessage     string         `json:"lastMessage,omitempty"`
	LastRunAt       *time.Time     `json:"lastRunAt,omitempty"`
	LastJobID       string         `json:"lastJobId,omitempty"`
	AutoRecache     bool           `json:"autoRecache"`
	Schedule        Schedule       `json:"schedule"`

	// On-demand hints recorded by the render queue (spec.md §4.2).
	SchemeHint       string `json:"schemeHint,omitempty"`
	TileCRSHint      string `json:"tileCrsHint,omitempty"`
	TileMatrixPreset string `json:"tileMatrixPreset,omitempty"`

	// Admin overrides.
	Extent           *[4]float64 `json:"extent,omitempty"`
	Resolutions      []float64   `json:"resolutions,omitempty"`
	Origin           *[2]float64 `json:"origin,omitempty"`
	TileGridID       string      `json:"tileGridId,omitempty"`
	CRS              string      `json:"crs,omitempty"`
	LayerName        string      `json:"layerName,omitempty"`
}

type ThemeState = LayerState

// RecacheSettings is the legacy project-scope schedule (§3: "project-scope
// legacy schedule"), preserved alongside the richer per-layer Schedule.
type RecacheSettings struct {
	Enabled         bool      `json:"enabled"`
	Strategy        string    `json:"strategy,omitempty"` // "interval" | "times"
	IntervalMinutes int       `json:"intervalMinutes,omitempty"`
	TimesOfDay      []string  `json:"timesOfDay,omitempty"`
	NextRunAt       *time.Time `json:"nextRunAt"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastResult      string     `json:"lastResult,omitempty"`
	LastMessage     string     `json:"lastMessage,omitempty"`
	History         History    `json:"history,omitempty"`
}

// ProjectCacheSettings tracks project-wide batch runs (spec.md §3).
type ProjectCacheSettings struct {
	IncludedLayers []string   `json:"includedLayers,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	LastResult     string     `json:"lastResult,omitempty"`
	LastMessage    string     `json:"lastMessage,omitempty"`
	LastRunID      string     `json:"lastRunId,omitempty"`
	History        History    `json:"history,omitempty"`
}

// ProjectConfig is cache/<projectId>/project-config.json.
type ProjectConfig struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Extent struct {
		BBox      [4]float64 `json:"bbox"`
		CRS       string     `json:"crs"`
		UpdatedAt time.Time  `json:"updatedAt"`
	} `json:"extent"`

	ExtentWGS84 struct {
		BBox      [4]float64 `json:"bbox"`
		UpdatedAt time.Time  `json:"updatedAt"`
	} `json:"extentWgs84"`

	Zoom struct {
		Min       int       `json:"min"`
		Max       int       `json:"max"`
		UpdatedAt time.Time `json:"updatedAt"`
	} `json:"zoom"`

	CachePreferences struct {
		Mode        string    `json:"mode"` // xyz, wmts, auto
		TileCRS     string    `json:"tileCrs"`
		AllowRemote bool      `json:"allowRemote"`
		ThrottleMs  int       `json:"throttleMs"`
		UpdatedAt   time.Time `json:"updatedAt"`
	} `json:"cachePreferences"`

	Layers map[string]LayerState `json:"layers"`
	Themes map[string]ThemeState `json:"themes"`

	Recache      RecacheSettings      `json:"recache"`
	ProjectCache ProjectCacheSettings `json:"projectCache"`
}

// Package status keeps the process-local build progress registry the status
// endpoint reads. State is lost on restart by design; callers fall back to
// the published metadata.
package status

import (
	"sync"
	"time"
)

// Build states, in pipeline order. Any state may transition to StateError.
const (
	StateIdle       = "idle"
	StateProcessing = "processing"
	StateUploading  = "uploading"
	StateCompleted  = "completed"
	StateError      = "error"
)

// LOD readiness markers for Record.LODReady.
const (
	LODNone = -1
	LOD0    = 0
	LOD1    = 1
)

// Record is the progress snapshot for one build.
type Record struct {
	Status          string     `json:"status"`
	TileRoot        string     `json:"tileRoot,omitempty"`
	TilesUploaded   int        `json:"tiles_uploaded"`
	TilesTotal      int        `json:"tiles_total,omitempty"`
	Progress        float64    `json:"progress"`
	PercentComplete float64    `json:"percent_complete"`
	FacesReady      bool       `json:"faces_ready"`
	TilesReady      bool       `json:"tiles_ready"`
	LODReady        int        `json:"lod_ready"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
}

// Fields is a merge-update applied by SetStatus. Nil members are untouched.
type Fields struct {
	TileRoot      string
	TilesUploaded *int
	TilesTotal    *int
	Progress      *float64
	FacesReady    *bool
	TilesReady    *bool
	LODReady      *int
	Error         string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
}

// Registry maps build strings to progress records behind one mutex.
type Registry struct {
	mu     sync.Mutex
	builds map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{builds: make(map[string]*Record)}
}

// Get returns a copy of the build's record. Unknown builds read as idle —
// the process may have restarted; callers treat idle as not-in-memory.
func (r *Registry) Get(build string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.builds[build]
	if !ok {
		return Record{Status: StateIdle, LODReady: LODNone}
	}
	return *rec
}

// SetStatus merge-updates the build's record, creating it when absent.
// percent_complete tracks progress unless the caller overrode progress
// explicitly elsewhere.
func (r *Registry) SetStatus(build, newStatus string, fields Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.ensure(build)
	rec.Status = newStatus

	if fields.TileRoot != "" {
		rec.TileRoot = fields.TileRoot
	}
	if fields.TilesUploaded != nil {
		rec.TilesUploaded = *fields.TilesUploaded
	}
	if fields.TilesTotal != nil {
		rec.TilesTotal = *fields.TilesTotal
	}
	if fields.Progress != nil {
		rec.Progress = *fields.Progress
	}
	if fields.FacesReady != nil {
		rec.FacesReady = *fields.FacesReady
	}
	if fields.TilesReady != nil {
		rec.TilesReady = *fields.TilesReady
	}
	if fields.LODReady != nil {
		rec.LODReady = *fields.LODReady
	}
	if fields.Error != "" {
		rec.Error = fields.Error
	}
	if fields.StartedAt != nil {
		rec.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		rec.CompletedAt = fields.CompletedAt
	}
	if fields.FailedAt != nil {
		rec.FailedAt = fields.FailedAt
	}

	rec.PercentComplete = rec.Progress
}

// IncrementTilesUploaded bumps the build's uploaded counter, capped at
// tiles_total when known, and recomputes progress.
func (r *Registry) IncrementTilesUploaded(build string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.ensure(build)
	if rec.TilesTotal > 0 && rec.TilesUploaded >= rec.TilesTotal {
		return
	}
	rec.TilesUploaded++
	if rec.TilesTotal > 0 {
		rec.Progress = float64(rec.TilesUploaded) / float64(rec.TilesTotal)
		rec.PercentComplete = rec.Progress
	}
}

func (r *Registry) ensure(build string) *Record {
	rec, ok := r.builds[build]
	if !ok {
		rec = &Record{Status: StateIdle, LODReady: LODNone}
		r.builds[build] = rec
	}
	return rec
}

// Int, Float and Bool build Fields pointers inline.
func Int(v int) *int { return &v }

func Float(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }

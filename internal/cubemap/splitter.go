// Package cubemap splits a flattened horizontal-strip panorama into the six
// oriented cube faces and cuts each into JPEG tiles for the two-level LOD
// pyramid.
package cubemap

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/arielsmarin/straty-backend-stable/internal/fault"
	"github.com/arielsmarin/straty-backend-stable/internal/imaging"
)

// stripFaces is the face order of the incoming horizontal strip.
var stripFaces = [6]string{"px", "nx", "py", "ny", "pz", "nz"}

// faceLetters maps strip faces to the published viewer-frame letters.
var faceLetters = map[string]string{
	"px": "r",
	"nx": "l",
	"py": "u",
	"ny": "d",
	"pz": "f",
	"nz": "b",
}

// LODConfig is one pyramid level: the face is resized to FaceSize and cut
// into TileSize squares.
type LODConfig struct {
	FaceSize int
	TileSize int
}

// LODConfigs is the fixed two-level pyramid: LOD0 1024/512 (2×2 per face),
// LOD1 2048/512 (4×4 per face) — 120 tiles per cubemap.
var LODConfigs = []LODConfig{
	{FaceSize: 1024, TileSize: 512},
	{FaceSize: 2048, TileSize: 512},
}

// MaxLOD is the finest level produced.
const MaxLOD = 1

// DefaultJPEGQuality matches the production encoder setting.
const DefaultJPEGQuality = 85

// Tile is one encoded tile ready for upload.
type Tile struct {
	Filename string
	Body     []byte
	LOD      int
}

// Splitter cuts cubemaps. FaceWorkers bounds the per-face fan-out and is
// clamped to [1,6] and the CPU count.
type Splitter struct {
	FaceWorkers int
	JPEGQuality int
	Logger      *slog.Logger
}

func (s *Splitter) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Splitter) faceWorkers() int {
	n := s.FaceWorkers
	if n < 1 {
		n = 6
	}
	if n > 6 {
		n = 6
	}
	if cpus := runtime.NumCPU(); n > cpus {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Splitter) quality() int {
	if s.JPEGQuality > 0 {
		return s.JPEGQuality
	}
	return DefaultJPEGQuality
}

type face struct {
	img    *image.NRGBA
	letter string
}

// extractFaces normalizes the strip (the producer orders faces mirrored
// relative to the viewer cube, so it is flipped first) and returns the six
// oriented faces.
func extractFaces(flat *image.NRGBA) ([]face, int, error) {
	faceSize := flat.Bounds().Dy()
	if flat.Bounds().Dx() != faceSize*6 {
		return nil, 0, fmt.Errorf("%w: invalid horizontal cubemap (width %d, height %d)",
			fault.ErrInvalidInput, flat.Bounds().Dx(), flat.Bounds().Dy())
	}

	flipped := imaging.FlipHorizontal(flat)

	faces := make([]face, 0, 6)
	for i, key := range stripFaces {
		img := imaging.Crop(flipped, i*faceSize, 0, faceSize, faceSize)

		// The vertical faces need their axes realigned to the viewer frame:
		// py turns a quarter counter-clockwise, ny a quarter clockwise.
		switch key {
		case "py":
			img = imaging.Rotate90CCW(img)
		case "ny":
			img = imaging.Rotate90CW(img)
		}

		faces = append(faces, face{img: img, letter: faceLetters[key]})
	}
	return faces, faceSize, nil
}

// SplitToMemory cuts the flat image into tiles for LODs in [minLOD, maxLOD],
// returning filename/bytes/lod triples. Filenames follow
// {build}_{face}_{lod}_{x}_{y}.jpg with (x,y) = column,row in the LOD grid.
func (s *Splitter) SplitToMemory(flat *image.NRGBA, build string, minLOD, maxLOD int) ([]Tile, error) {
	return s.split(flat, build, minLOD, maxLOD, nil)
}

// SplitToDirectory writes every tile under outDir, invoking onTile after each
// file lands. Bytes and filenames are identical to SplitToMemory; the
// returned slice carries filenames and lods with nil bodies.
func (s *Splitter) SplitToDirectory(flat *image.NRGBA, outDir, build string, minLOD, maxLOD int, onTile func(path, filename string, lod int)) ([]Tile, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	return s.split(flat, build, minLOD, maxLOD, func(t Tile) error {
		path := filepath.Join(outDir, t.Filename)
		if err := os.WriteFile(path, t.Body, 0o644); err != nil {
			return err
		}
		if onTile != nil {
			onTile(path, t.Filename, t.LOD)
		}
		return nil
	})
}

// split runs the face pipeline. With a sink, tile bodies are handed to it and
// not retained; without one they are collected and returned.
func (s *Splitter) split(flat *image.NRGBA, build string, minLOD, maxLOD int, sink func(Tile) error) ([]Tile, error) {
	if minLOD < 0 {
		return nil, fmt.Errorf("%w: min lod %d", fault.ErrInvalidInput, minLOD)
	}
	if maxLOD > MaxLOD {
		maxLOD = MaxLOD
	}
	if maxLOD < minLOD {
		return nil, nil
	}

	faces, faceSize, err := extractFaces(flat)
	if err != nil {
		return nil, err
	}
	for _, lod := range LODConfigs {
		if lod.FaceSize%lod.TileSize != 0 {
			return nil, fmt.Errorf("%w: face size %d not a multiple of tile size %d",
				fault.ErrInvalidInput, lod.FaceSize, lod.TileSize)
		}
	}

	var tiles []Tile
	for lod := minLOD; lod <= maxLOD; lod++ {
		cfg := LODConfigs[lod]

		results := make([][]Tile, len(faces))
		var g errgroup.Group
		g.SetLimit(s.faceWorkers())

		for i, f := range faces {
			g.Go(func() error {
				faceTiles, err := s.processFace(f, lod, cfg, faceSize, build, sink)
				if err != nil {
					return err
				}
				results[i] = faceTiles
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, faceTiles := range results {
			tiles = append(tiles, faceTiles...)
		}
	}

	s.log().Debug("cubemap split finished", "build", build, "tiles", len(tiles), "min_lod", minLOD, "max_lod", maxLOD)
	return tiles, nil
}

func (s *Splitter) processFace(f face, lod int, cfg LODConfig, faceSize int, build string, sink func(Tile) error) ([]Tile, error) {
	resized := f.img
	if cfg.FaceSize != faceSize {
		resized = imaging.ResizeRGB(f.img, cfg.FaceSize, cfg.FaceSize, imaging.Linear)
	}

	grid := cfg.FaceSize / cfg.TileSize
	tiles := make([]Tile, 0, grid*grid)

	for x := 0; x < grid; x++ {
		for y := 0; y < grid; y++ {
			crop := imaging.Crop(resized, x*cfg.TileSize, y*cfg.TileSize, cfg.TileSize, cfg.TileSize)
			body, err := imaging.EncodeJPEG(crop, s.quality())
			if err != nil {
				return nil, fmt.Errorf("encode %s lod %d (%d,%d): %w", f.letter, lod, x, y, err)
			}

			tile := Tile{
				Filename: fmt.Sprintf("%s_%s_%d_%d_%d.jpg", build, f.letter, lod, x, y),
				Body:     body,
				LOD:      lod,
			}
			if sink != nil {
				if err := sink(tile); err != nil {
					return nil, err
				}
				tile.Body = nil
			}
			tiles = append(tiles, tile)
		}
	}
	return tiles, nil
}

// TileCount returns the number of tiles in [minLOD, maxLOD].
func TileCount(minLOD, maxLOD int) int {
	if maxLOD > MaxLOD {
		maxLOD = MaxLOD
	}
	total := 0
	for lod := minLOD; lod <= maxLOD && lod >= 0; lod++ {
		grid := LODConfigs[lod].FaceSize / LODConfigs[lod].TileSize
		total += 6 * grid * grid
	}
	return total
}

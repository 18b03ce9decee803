// Package config loads and validates per-tenant configuration from the
// object store and resolves per-request scene contexts.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/arielsmarin/straty-backend-stable/internal/fault"
	"github.com/arielsmarin/straty-backend-stable/internal/ids"
	"github.com/arielsmarin/straty-backend-stable/internal/storage"
)

// Item is one selectable material within a layer.
type Item struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	File  string `json:"file,omitempty"`
}

// Layer is an ordered slot of the scene's build string.
type Layer struct {
	ID         string `json:"id"`
	BuildOrder int    `json:"build_order"`
	Items      []Item `json:"items"`
	Mask       string `json:"mask,omitempty"`
}

// Scene groups the layers rendered for one panorama.
type Scene struct {
	SceneIndex int     `json:"scene_index"`
	Layers     []Layer `json:"layers"`
	BaseImage  string  `json:"base_image,omitempty"`
}

// Naming carries the tenant's display labels; opaque to the pipeline.
type Naming map[string]any

// Scenes is a scene map that remembers JSON key order, so "the first scene"
// is well-defined for requests that omit one.
type Scenes struct {
	Order []string
	ByID  map[string]*Scene
}

func (s *Scenes) UnmarshalJSON(data []byte) error {
	s.ByID = make(map[string]*Scene)
	s.Order = nil

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("scenes must be a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)

		var scene Scene
		if err := dec.Decode(&scene); err != nil {
			return fmt.Errorf("scene %q: %w", key, err)
		}
		s.Order = append(s.Order, key)
		s.ByID[key] = &scene
	}

	_, err = dec.Token() // closing brace
	return err
}

func (s *Scenes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range s.Order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(s.ByID[key])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Project is a validated tenant configuration.
type Project struct {
	ClientID string
	Scenes   Scenes
	Naming   Naming
}

// rawConfig is the JSON shape the CRUD editor writes. Legacy configs carry
// top-level layers instead of a scenes map.
type rawConfig struct {
	Scenes    *Scenes `json:"scenes"`
	Layers    []Layer `json:"layers"`
	BaseImage string  `json:"base_image"`
	Naming    Naming  `json:"naming"`
}

// Loader fetches tenant configs from the object store.
type Loader struct {
	Store  storage.Store
	Logger *slog.Logger
}

func (l *Loader) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Key returns the store key of a tenant's config blob.
func Key(clientID string) string {
	return fmt.Sprintf("clients/%s/%s_cfg.json", clientID, clientID)
}

// Load fetches and validates the config for clientID.
func (l *Loader) Load(ctx context.Context, clientID string) (*Project, Naming, error) {
	var raw rawConfig
	if err := l.Store.GetJSON(ctx, Key(clientID), &raw); err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: config for client %s", fault.ErrNotFound, clientID)
		}
		return nil, nil, fmt.Errorf("%w: client %s: %v", fault.ErrConfigInvalid, clientID, err)
	}

	scenes := raw.Scenes
	if scenes == nil || len(scenes.Order) == 0 {
		if len(raw.Layers) == 0 {
			return nil, nil, fmt.Errorf("%w: client %s has neither scenes nor layers", fault.ErrConfigInvalid, clientID)
		}
		l.log().Debug("config has no scenes map, synthesizing default scene", "client", clientID)
		scenes = &Scenes{
			Order: []string{"default"},
			ByID: map[string]*Scene{
				"default": {SceneIndex: 0, Layers: raw.Layers, BaseImage: raw.BaseImage},
			},
		}
	}

	for _, sceneID := range scenes.Order {
		if err := validateScene(sceneID, scenes.ByID[sceneID]); err != nil {
			return nil, nil, fmt.Errorf("%w: client %s: %v", fault.ErrConfigInvalid, clientID, err)
		}
	}

	return &Project{ClientID: clientID, Scenes: *scenes, Naming: raw.Naming}, raw.Naming, nil
}

func validateScene(sceneID string, scene *Scene) error {
	if scene == nil {
		return fmt.Errorf("scene %s is null", sceneID)
	}
	seenOrder := make(map[int]string)
	for _, layer := range scene.Layers {
		if layer.ID == "" {
			return fmt.Errorf("scene %s has a layer without id", sceneID)
		}
		if layer.BuildOrder < 0 || layer.BuildOrder >= ids.FixedLayers {
			return fmt.Errorf("scene %s layer %s: build_order %d out of range", sceneID, layer.ID, layer.BuildOrder)
		}
		if prev, dup := seenOrder[layer.BuildOrder]; dup {
			return fmt.Errorf("scene %s: layers %s and %s share build_order %d", sceneID, prev, layer.ID, layer.BuildOrder)
		}
		seenOrder[layer.BuildOrder] = layer.ID

		seenIndex := make(map[int]string)
		maxIndex := 36*36 - 1 // must fit LAYER_CHARS base-36 digits
		for _, item := range layer.Items {
			if item.ID == "" {
				return fmt.Errorf("scene %s layer %s has an item without id", sceneID, layer.ID)
			}
			if item.Index < 0 || item.Index > maxIndex {
				return fmt.Errorf("scene %s layer %s item %s: index %d out of range", sceneID, layer.ID, item.ID, item.Index)
			}
			if prev, dup := seenIndex[item.Index]; dup {
				return fmt.Errorf("scene %s layer %s: items %s and %s share index %d", sceneID, layer.ID, prev, item.ID, item.Index)
			}
			seenIndex[item.Index] = item.ID
		}
	}
	return nil
}

// SceneContext is the resolved per-request bundle the compositor consumes.
type SceneContext struct {
	SceneID    string
	SceneIndex int
	Layers     []Layer
	AssetsRoot string
}

// ResolveSceneContext picks the scene (the first one when sceneID is empty)
// and derives the local assets root under cacheRoot.
func ResolveSceneContext(project *Project, sceneID, cacheRoot string) (*SceneContext, error) {
	if len(project.Scenes.Order) == 0 {
		return nil, fmt.Errorf("%w: client %s has no scenes", fault.ErrConfigInvalid, project.ClientID)
	}

	if sceneID == "" {
		sceneID = project.Scenes.Order[0]
	}
	scene, ok := project.Scenes.ByID[sceneID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown scene %q", fault.ErrInvalidInput, sceneID)
	}

	return &SceneContext{
		SceneID:    sceneID,
		SceneIndex: scene.SceneIndex,
		Layers:     scene.Layers,
		AssetsRoot: filepath.Join(cacheRoot, "clients", project.ClientID, "scenes", sceneID),
	}, nil
}

// BuildLayers adapts the context's layers to the build-string derivation.
func (ctx *SceneContext) BuildLayers() []ids.Layer {
	out := make([]ids.Layer, 0, len(ctx.Layers))
	for _, layer := range ctx.Layers {
		items := make([]ids.Item, 0, len(layer.Items))
		for _, item := range layer.Items {
			items = append(items, ids.Item{ID: item.ID, Index: item.Index})
		}
		out = append(out, ids.Layer{ID: layer.ID, BuildOrder: layer.BuildOrder, Items: items})
	}
	return out
}

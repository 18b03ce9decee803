// Package compositor flattens a scene: the base panorama with each selected
// layer's material blended in through the layer's mask, in build order.
package compositor

import (
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arielsmarin/straty-backend-stable/internal/assets"
	"github.com/arielsmarin/straty-backend-stable/internal/config"
	"github.com/arielsmarin/straty-backend-stable/internal/imaging"
)

// Compositor resolves assets through the resolver and stacks layers.
type Compositor struct {
	Resolver *assets.Resolver
	Logger   *slog.Logger
}

func (c *Compositor) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// StackLayers produces the flattened scene image for a selection. Layers are
// blended bottom-up by build order as material×mask; a layer whose assets are
// missing is skipped with a warning. A missing base is fatal.
//
// assetPrefix distinguishes asset families sharing a scene directory (the 2D
// path uses "2d_").
func (c *Compositor) StackLayers(sceneID string, layers []config.Layer, selection map[string]string, assetsRoot, assetPrefix string) (*image.NRGBA, error) {
	basePath, err := c.Resolver.Resolve(filepath.Join(assetsRoot, assetPrefix+"base_"+sceneID))
	if err != nil {
		return nil, fmt.Errorf("base for scene %s: %w", sceneID, err)
	}

	result, err := imaging.LoadRGB(basePath)
	if err != nil {
		return nil, err
	}
	width := result.Bounds().Dx()
	height := result.Bounds().Dy()

	ordered := make([]config.Layer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].BuildOrder < ordered[j].BuildOrder
	})

	var missing []string

	for _, layer := range ordered {
		item := selectedItem(layer, selection)
		if item == nil || item.File == "" || layer.Mask == "" {
			continue
		}

		materialBase := filepath.Join(assetsRoot, "materials", assetPrefix+trimExt(item.File))
		maskBase := filepath.Join(assetsRoot, "masks", assetPrefix+trimExt(layer.Mask))

		materialPath, err := c.Resolver.Resolve(materialBase)
		if err != nil {
			missing = append(missing, layer.ID)
			continue
		}
		maskPath, err := c.Resolver.Resolve(maskBase)
		if err != nil {
			missing = append(missing, layer.ID)
			continue
		}

		material, err := imaging.LoadRGB(materialPath)
		if err != nil {
			return nil, fmt.Errorf("material for layer %s: %w", layer.ID, err)
		}
		mask, err := imaging.LoadGray(maskPath)
		if err != nil {
			return nil, fmt.Errorf("mask for layer %s: %w", layer.ID, err)
		}

		material = imaging.ResizeRGB(material, width, height, imaging.Cubic)
		mask = imaging.ResizeGray(mask, width, height, imaging.Cubic)

		result = imaging.BlendWithMask(result, material, mask)
		c.log().Info("layer applied", "layer", assetPrefix+layer.ID, "item", item.ID)
	}

	if len(missing) > 0 {
		c.log().Warn("layers skipped, assets missing", "layers", missing)
	}

	return result, nil
}

// StackOverlays is the alpha-over variant used for 2D previews: each selected
// layer's overlay PNG is composited over the base with its own alpha.
func (c *Compositor) StackOverlays(sceneID string, layers []config.Layer, selection map[string]string, assetsRoot, assetPrefix string) (*image.NRGBA, error) {
	basePath, err := c.Resolver.Resolve(filepath.Join(assetsRoot, assetPrefix+"base_"+sceneID))
	if err != nil {
		return nil, fmt.Errorf("base for scene %s: %w", sceneID, err)
	}

	result, err := imaging.LoadRGB(basePath)
	if err != nil {
		return nil, err
	}
	width := result.Bounds().Dx()
	height := result.Bounds().Dy()

	ordered := make([]config.Layer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].BuildOrder < ordered[j].BuildOrder
	})

	var missing []string

	for _, layer := range ordered {
		item := selectedItem(layer, selection)
		if item == nil || item.File == "" {
			continue
		}

		overlayPath, err := c.Resolver.Resolve(filepath.Join(assetsRoot, "layers", layer.ID, assetPrefix+trimExt(item.File)))
		if err != nil {
			missing = append(missing, layer.ID)
			continue
		}

		f, err := imaging.LoadNRGBA(overlayPath)
		if err != nil {
			return nil, fmt.Errorf("overlay for layer %s: %w", layer.ID, err)
		}
		overlay := imaging.ResizeRGB(f, width, height, imaging.Cubic)
		imaging.AlphaOver(result, overlay)
	}

	if len(missing) > 0 {
		c.log().Warn("overlays skipped, assets missing", "layers", missing)
	}

	return result, nil
}

// trimExt drops a configured filename's extension so the resolver can pick
// whichever of the supported extensions actually exists.
func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func selectedItem(layer config.Layer, selection map[string]string) *config.Item {
	itemID, ok := selection[layer.ID]
	if !ok || itemID == "" {
		return nil
	}
	for i := range layer.Items {
		if layer.Items[i].ID == itemID {
			return &layer.Items[i]
		}
	}
	return nil
}

package concentriq

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/slidepath/concentriq-go/internal/logging"
)

// GeoJSON interchange for annotations, compatible with what QuPath exports.
// Platform annotations live in viewport coordinates spanning 0..10000 along
// the image width; GeoJSON coordinates are in pixels. Only polygons are
// supported because that is the only shape the "free" annotation type maps
// onto cleanly.

const (
	viewportSpan         = 10000.0
	defaultColorRGB      = -3670016 // opaque dark red, the QuPath default
	defaultCaptureBounds = "0.0 0.0 10000.0 10000.0"
)

// GeoJSONFeature is one annotation in GeoJSON form.
type GeoJSONFeature struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	Geometry   GeoJSONGeometry   `json:"geometry"`
	Properties GeoJSONProperties `json:"properties"`
}

type GeoJSONGeometry struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type GeoJSONProperties struct {
	Classification *GeoJSONClassification `json:"classification,omitempty"`
	IsLocked       bool                   `json:"isLocked"`
	Measurements   []any                  `json:"measurements"`
}

type GeoJSONClassification struct {
	Name     string `json:"name"`
	ColorRGB int32  `json:"colorRGB"`
}

// AnnotationFromGeoJSON converts a GeoJSON polygon feature into a platform
// annotation on the given image. The image supplies the pixel width used for
// the viewport scaling.
func AnnotationFromGeoJSON(feature *GeoJSONFeature, image *Image) (*Annotation, error) {
	if feature.Geometry.Type != "Polygon" {
		return nil, fmt.Errorf("unsupported geometry type %q", feature.Geometry.Type)
	}
	if len(feature.Geometry.Coordinates) == 0 || len(feature.Geometry.Coordinates[0]) == 0 {
		return nil, fmt.Errorf("polygon has no coordinates")
	}
	width := image.ImgWidth.ValueOrZero()
	if width <= 0 {
		return nil, fmt.Errorf("image %d has no width", image.ID)
	}

	scale := viewportSpan / float64(width)
	points := make([]string, 0, len(feature.Geometry.Coordinates[0]))
	for _, pt := range feature.Geometry.Coordinates[0] {
		points = append(points, fmt.Sprintf("%f,%f", pt[0]*scale, pt[1]*scale))
	}

	name := ""
	colorRGB := int32(defaultColorRGB)
	if cls := feature.Properties.Classification; cls != nil {
		name = cls.Name
		colorRGB = cls.ColorRGB
	}

	annotation := &Annotation{
		Text:        name,
		Shape:       "free",
		ShapeString: strings.Join(points, " "),
		ImageID:     image.ID,
		Color:       hexColor(colorRGB),
	}
	annotation.CaptureBounds.SetValid(defaultCaptureBounds)
	return annotation, nil
}

// AnnotationToGeoJSON converts a platform annotation back into a GeoJSON
// polygon feature in pixel coordinates.
func AnnotationToGeoJSON(annotation *Annotation, image *Image) (*GeoJSONFeature, error) {
	if annotation.Shape != "free" {
		return nil, fmt.Errorf("unsupported annotation shape %q", annotation.Shape)
	}
	width := image.ImgWidth.ValueOrZero()
	if width <= 0 {
		return nil, fmt.Errorf("image %d has no width", image.ID)
	}

	scale := float64(width) / viewportSpan
	var ring [][2]float64
	for _, pt := range strings.Fields(annotation.ShapeString) {
		xs, ys, ok := strings.Cut(pt, ",")
		if !ok {
			return nil, fmt.Errorf("malformed shape point %q", pt)
		}
		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed shape point %q: %w", pt, err)
		}
		y, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed shape point %q: %w", pt, err)
		}
		ring = append(ring, [2]float64{x * scale, y * scale})
	}
	if len(ring) == 0 {
		return nil, fmt.Errorf("annotation %v has an empty shape string", annotation.ID)
	}

	colorRGB, err := parseHexColor(annotation.Color)
	if err != nil {
		return nil, err
	}

	return &GeoJSONFeature{
		Type: "Feature",
		ID:   "PathAnnotationObject",
		Geometry: GeoJSONGeometry{
			Type:        "Polygon",
			Coordinates: [][][2]float64{ring},
		},
		Properties: GeoJSONProperties{
			Classification: &GeoJSONClassification{
				Name:     annotation.Text,
				ColorRGB: colorRGB,
			},
			Measurements: []any{},
		},
	}, nil
}

// ExportAnnotationsGeoJSON fetches an image's annotations and converts them
// to GeoJSON features. With ignoreUnsupported, annotations whose shape has no
// GeoJSON mapping are logged and skipped instead of failing the export.
func (c *Client) ExportAnnotationsGeoJSON(ctx context.Context, imageID int64, ignoreUnsupported bool) ([]GeoJSONFeature, error) {
	image, err := c.Image(ctx, imageID)
	if err != nil {
		return nil, err
	}
	annotations, err := c.Annotations(ctx, &AnnotationFilters{ImageID: []int64{imageID}})
	if err != nil {
		return nil, err
	}

	features := make([]GeoJSONFeature, 0, len(annotations))
	for i := range annotations {
		feature, err := AnnotationToGeoJSON(&annotations[i], image)
		if err != nil {
			if ignoreUnsupported {
				logging.Warn("skipping annotation %v: %v", annotations[i].ID, err)
				continue
			}
			return nil, err
		}
		features = append(features, *feature)
	}
	return features, nil
}

// ImportAnnotationsGeoJSON reads a GeoJSON feature list from path and creates
// the annotations on the image. With skipErrors, features the server rejects
// are logged and skipped; the successfully created annotations are returned
// either way.
func (c *Client) ImportAnnotationsGeoJSON(ctx context.Context, imageID int64, path string, skipErrors bool) ([]Annotation, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var features []GeoJSONFeature
	if err := sonic.Unmarshal(content, &features); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	image, err := c.Image(ctx, imageID)
	if err != nil {
		return nil, err
	}

	var created []Annotation
	for i := range features {
		annotation, err := AnnotationFromGeoJSON(&features[i], image)
		if err != nil {
			if skipErrors {
				logging.Warn("skipping feature %d: %v", i, err)
				continue
			}
			return created, err
		}
		stored, err := c.CreateAnnotation(ctx, annotation)
		if err != nil {
			if skipErrors {
				logging.Warn("skipping feature %d: %v", i, err)
				continue
			}
			return created, err
		}
		created = append(created, *stored)
	}
	return created, nil
}

// hexColor renders the RGB bytes of a signed 32-bit ARGB value as "#rrggbb".
// The alpha byte is dropped; the platform has no use for it.
func hexColor(colorRGB int32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(colorRGB))
	return fmt.Sprintf("#%02x%02x%02x", buf[1], buf[2], buf[3])
}

// parseHexColor reverses hexColor, restoring a fully opaque alpha byte.
func parseHexColor(color string) (int32, error) {
	if len(color) != 7 || color[0] != '#' {
		return 0, fmt.Errorf("color %q is not in #rrggbb form", color)
	}
	rgb, err := strconv.ParseUint(color[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q is not in #rrggbb form", color)
	}
	return int32(0xff000000 | uint32(rgb)), nil
}

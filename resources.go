package concentriq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bytedance/sonic"
)

// unmarshalField decodes one named field out of an envelope data object.
// Most list endpoints wrap their rows this way, e.g. {"images": [...]}.
func unmarshalField[T any](raw json.RawMessage, field string) (T, error) {
	var zero T
	var wrapper map[string]json.RawMessage
	if err := sonic.Unmarshal(raw, &wrapper); err != nil {
		return zero, fmt.Errorf("decode response data: %w", err)
	}
	inner, ok := wrapper[field]
	if !ok {
		return zero, fmt.Errorf("response data has no %q field", field)
	}
	var out T
	if err := sonic.Unmarshal(inner, &out); err != nil {
		return zero, fmt.Errorf("decode %q: %w", field, err)
	}
	return out, nil
}

func unmarshalData[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode response data: %w", err)
	}
	return out, nil
}

// setJSONParam serializes v to JSON and sets it as a single query parameter,
// the transport convention the list endpoints use for pagination and filters.
func setJSONParam(query url.Values, name string, v any) error {
	encoded, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s parameter: %w", name, err)
	}
	query.Set(name, string(encoded))
	return nil
}

// confirmDelete checks the {"success": ...} acknowledgement delete endpoints
// answer with.
func confirmDelete(raw json.RawMessage, what string) error {
	var ack map[string]json.RawMessage
	if err := sonic.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	if _, ok := ack["success"]; !ok {
		return fmt.Errorf("delete of %s was not confirmed", what)
	}
	return nil
}

// Groups lists the repositories visible to the user.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	raw, err := c.get(ctx, "imageSetGroups", nil)
	if err != nil {
		return nil, err
	}
	return unmarshalField[[]Group](raw, "groups")
}

// Group fetches a single repository by id.
func (c *Client) Group(ctx context.Context, id int64) (*Group, error) {
	raw, err := c.get(ctx, fmt.Sprintf("imageSetGroups/%d", id), nil)
	if err != nil {
		return nil, err
	}
	group, err := unmarshalData[Group](raw)
	if err != nil {
		return nil, err
	}
	// the detail endpoint misnames imageSetCount as imageCount
	if !group.ImageSetCount.Valid {
		fix, err := unmarshalData[struct {
			ImageCount json.Number `json:"imageCount"`
		}](raw)
		if err == nil && fix.ImageCount != "" {
			group.ImageSetCount.SetValid(fix.ImageCount.String())
		}
	}
	return &group, nil
}

// Organizations lists the organizations the user belongs to.
func (c *Client) Organizations(ctx context.Context) ([]Organization, error) {
	raw, err := c.get(ctx, "organizations", nil)
	if err != nil {
		return nil, err
	}
	return unmarshalData[[]Organization](raw)
}

// ImageSets lists all image sets visible to the user.
func (c *Client) ImageSets(ctx context.Context) ([]ImageSet, error) {
	raw, err := c.get(ctx, "imageSets", nil)
	if err != nil {
		return nil, err
	}
	return unmarshalField[[]ImageSet](raw, "imageSets")
}

// ImageSet fetches a single image set by id.
func (c *Client) ImageSet(ctx context.Context, id int64) (*ImageSet, error) {
	raw, err := c.get(ctx, fmt.Sprintf("imageSets/%d", id), nil)
	if err != nil {
		return nil, err
	}
	set, err := unmarshalData[ImageSet](raw)
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// CreateImageSet creates an image set inside the given repository.
func (c *Client) CreateImageSet(ctx context.Context, name string, groupID int64) (*ImageSet, error) {
	form := url.Values{}
	form.Set("name", name)
	form.Set("groupId", strconv.FormatInt(groupID, 10))

	raw, err := c.postForm(ctx, "imageSets", form)
	if err != nil {
		return nil, err
	}
	set, err := unmarshalData[ImageSet](raw)
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// DeleteImageSet deletes an image set and everything in it.
func (c *Client) DeleteImageSet(ctx context.Context, id int64) error {
	raw, err := c.del(ctx, fmt.Sprintf("imageSets/%d", id))
	if err != nil {
		return err
	}
	return confirmDelete(raw, fmt.Sprintf("image set %d", id))
}

// ImageSetMetadataCSV exports an image set's metadata table as CSV text.
func (c *Client) ImageSetMetadataCSV(ctx context.Context, id int64) (string, error) {
	return c.getText(ctx, fmt.Sprintf("imageSets/%d/export/csv", id))
}

// FolderListOptions narrow a folder listing.
type FolderListOptions struct {
	Filters         *FolderFilters
	Pagination      *Pagination
	IncludeMetadata bool
}

// Folders lists folders, usually scoped to an image set via the filters.
func (c *Client) Folders(ctx context.Context, opts FolderListOptions) ([]Folder, error) {
	query := url.Values{}
	if opts.IncludeMetadata {
		query.Set("includeMetadata", "true")
	}
	if opts.Filters != nil {
		if err := setJSONParam(query, "filters", opts.Filters); err != nil {
			return nil, err
		}
	}
	if opts.Pagination != nil {
		if err := setJSONParam(query, "pagination", opts.Pagination); err != nil {
			return nil, err
		}
		raw, _, err := c.getPaged(ctx, "folders", query)
		if err != nil {
			return nil, err
		}
		return unmarshalField[[]Folder](raw, "folders")
	}
	raw, err := c.get(ctx, "folders", query)
	if err != nil {
		return nil, err
	}
	return unmarshalField[[]Folder](raw, "folders")
}

// Images lists images. With a nil pagination the server returns everything
// in one response; with pagination the accompanying PageInfo tells the caller
// whether more pages exist.
func (c *Client) Images(ctx context.Context, p *Pagination, filters *ImageFilters) ([]Image, *PageInfo, error) {
	query := url.Values{}
	if filters != nil {
		if err := setJSONParam(query, "filters", filters); err != nil {
			return nil, nil, err
		}
	}
	if p == nil {
		raw, err := c.get(ctx, "images", query)
		if err != nil {
			return nil, nil, err
		}
		images, err := unmarshalField[[]Image](raw, "images")
		return images, nil, err
	}

	if err := setJSONParam(query, "pagination", p); err != nil {
		return nil, nil, err
	}
	raw, page, err := c.getPaged(ctx, "images", query)
	if err != nil {
		return nil, nil, err
	}
	images, err := unmarshalField[[]Image](raw, "images")
	if err != nil {
		return nil, nil, err
	}
	return images, page, nil
}

// EachImagePage fetches images page by page until the server returns an
// empty page, calling fn with each batch. A non-nil error from fn stops the
// iteration.
func (c *Client) EachImagePage(ctx context.Context, pageSize int, sortBy SortBy, descending bool, filters *ImageFilters, fn func([]Image) error) error {
	if pageSize < 1 {
		return fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	for page := 1; ; page++ {
		p := &Pagination{RowsPerPage: pageSize, Page: page, SortBy: sortBy, Descending: descending}
		images, info, err := c.Images(ctx, p, filters)
		if err != nil {
			return err
		}
		if info.RowsReturned <= 0 {
			return nil
		}
		if err := fn(images); err != nil {
			return err
		}
	}
}

// Image fetches a single image by id.
func (c *Client) Image(ctx context.Context, id int64) (*Image, error) {
	raw, err := c.get(ctx, fmt.Sprintf("images/%d", id), nil)
	if err != nil {
		return nil, err
	}
	image, err := unmarshalData[Image](raw)
	if err != nil {
		return nil, err
	}
	return &image, nil
}

// ImageDownloadURL returns a pre-signed URL for the original image file. The
// server answers the download endpoint with a redirect to the storage
// backend; the target is returned without being fetched.
func (c *Client) ImageDownloadURL(ctx context.Context, id int64) (string, error) {
	return c.redirectLocation(ctx, fmt.Sprintf("images/%d/download", id))
}

// DeleteImage deletes an image.
func (c *Client) DeleteImage(ctx context.Context, id int64) error {
	raw, err := c.del(ctx, fmt.Sprintf("images/%d", id))
	if err != nil {
		return err
	}
	return confirmDelete(raw, fmt.Sprintf("image %d", id))
}

// Annotations lists annotations matching the filters.
func (c *Client) Annotations(ctx context.Context, filters *AnnotationFilters) ([]Annotation, error) {
	query := url.Values{}
	if filters != nil {
		if err := setJSONParam(query, "filters", filters); err != nil {
			return nil, err
		}
	}
	raw, err := c.get(ctx, "annotations", query)
	if err != nil {
		return nil, err
	}
	return unmarshalField[[]Annotation](raw, "annotations")
}

// Annotation fetches a single annotation by id.
func (c *Client) Annotation(ctx context.Context, id int64) (*Annotation, error) {
	raw, err := c.get(ctx, fmt.Sprintf("annotations/%d", id), nil)
	if err != nil {
		return nil, err
	}
	annotation, err := unmarshalData[Annotation](raw)
	if err != nil {
		return nil, err
	}
	return &annotation, nil
}

// CreateAnnotation creates an annotation and returns the stored record.
func (c *Client) CreateAnnotation(ctx context.Context, a *Annotation) (*Annotation, error) {
	raw, err := c.postJSON(ctx, "annotations", a)
	if err != nil {
		return nil, err
	}
	created, err := unmarshalData[Annotation](raw)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteAnnotation deletes an annotation.
func (c *Client) DeleteAnnotation(ctx context.Context, id int64) error {
	raw, err := c.del(ctx, fmt.Sprintf("annotations/%d", id))
	if err != nil {
		return err
	}
	return confirmDelete(raw, fmt.Sprintf("annotation %d", id))
}

// ExportAnnotationsXML exports an image's annotations in the platform's XML
// interchange format.
func (c *Client) ExportAnnotationsXML(ctx context.Context, imageID int64) (string, error) {
	return c.getText(ctx, fmt.Sprintf("images/%d/annotations/export", imageID))
}

// ImportAnnotationsXML uploads an annotation XML file onto an image.
func (c *Client) ImportAnnotationsXML(ctx context.Context, imageID int64, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = c.postMultipart(ctx, fmt.Sprintf("images/%d/annotations/import", imageID),
		"files[0]", filepath.Base(path), content)
	return err
}

package concentriq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/guregu/null/v6"
)

// ImageStatus is the processing state of an image on the platform.
type ImageStatus int

const (
	StatusError      ImageStatus = -1
	StatusUploading  ImageStatus = 0
	StatusOptimizing ImageStatus = 1
	StatusSuccess    ImageStatus = 2
)

func (s ImageStatus) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusUploading:
		return "uploading"
	case StatusOptimizing:
		return "optimizing"
	case StatusSuccess:
		return "success"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// SharePermissions lists what the authenticated user may do with a resource.
type SharePermissions struct {
	CanCreateAnnotations              bool `json:"canCreateAnnotations"`
	CanManageAnnotations              bool `json:"canManageAnnotations"`
	CanManageImageSetSharePermissions bool `json:"canManageImageSetSharePermissions"`
	CanManageImages                   bool `json:"canManageImages"`
	CanManageMetadataFields           bool `json:"canManageMetadataFields"`
	CanManageMetadataValues           bool `json:"canManageMetadataValues"`
	CanModifyImageSet                 bool `json:"canModifyImageSet"`
	CanUpdateNavigation               bool `json:"canUpdateNavigation"`
	CanExportData                     bool `json:"canExportData"`
}

// Group is a repository grouping image sets.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// string-encoded integer on the wire
	ImageSetCount    null.String      `json:"imageSetCount"`
	OwnerName        string           `json:"ownerName"`
	OwnerID          int64            `json:"ownerId"`
	IsFavorite       bool             `json:"isFavorite"`
	Description      null.String      `json:"description"`
	Created          time.Time        `json:"created"`
	LastModified     time.Time        `json:"lastModified"`
	SharePermissions SharePermissions `json:"sharePermissions"`
}

type Organization struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	BillingEmail string `json:"billingEmail"`
}

type ImageSet struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	ThumbnailURL     string      `json:"thumbnailURL"`
	SharedWithPublic bool        `json:"sharedWithPublic"`
	IsFavorite       bool        `json:"isFavorite"`
	Created          time.Time   `json:"created"`
	LastModified     time.Time   `json:"lastModified"`
	ImageCount       int         `json:"imageCount"`
	// string-encoded byte count on the wire
	TotalSize        null.String      `json:"totalSize"`
	OwnerName        string           `json:"ownerName"`
	OwnerID          int64            `json:"ownerId"`
	Description      null.String      `json:"description"`
	GroupID          null.Int64       `json:"groupId"`
	GroupName        null.String      `json:"groupName"`
	SharePermissions SharePermissions `json:"sharePermissions"`
}

type Folder struct {
	ID               int64            `json:"id"`
	Label            string           `json:"label"`
	ImageSetID       int64            `json:"imageSetId"`
	ImageSetName     string           `json:"imageSetName"`
	FolderParentID   null.Int64       `json:"folderParentId"`
	HasMetadata      bool             `json:"hasMetadata"`
	HasAttachments   bool             `json:"hasAttachments"`
	Rank             int              `json:"rank"`
	OwnerID          int64            `json:"ownerId"`
	SharePermissions SharePermissions `json:"sharePermissions"`
}

type Image struct {
	ID                 int64       `json:"id"`
	Name               string      `json:"name"`
	ImageSetID         int64       `json:"imageSetId"`
	ImageSetName       string      `json:"imageSetName"`
	FolderParentID     null.Int64  `json:"folderParentId"`
	OwnerID            int64       `json:"ownerId"`
	Rank               int         `json:"rank"`
	Status             ImageStatus `json:"status"`
	Created            time.Time   `json:"created"`
	HasMacro           bool        `json:"hasMacro"`
	HasLabel           bool        `json:"hasLabel"`
	HasOverlays        bool        `json:"hasOverlays"`
	HasMultipleZLayers bool        `json:"hasMultipleZLayers"`
	HasAnnotations     bool        `json:"hasAnnotations"`
	HasAnalysisResults bool        `json:"hasAnalysisResults"`
	MPPX               null.Float  `json:"mppx"`
	MPPY               null.Float  `json:"mppy"`
	ImgWidth           null.Int64  `json:"imgWidth"`
	ImgHeight          null.Int64  `json:"imgHeight"`
	FileSize           null.Int64  `json:"fileSize"`
	// human-readable size, e.g. "1.2 GB"
	Filesize       null.String `json:"filesize"`
	ObjectivePower null.Float  `json:"objectivePower"`
	SlideName      null.String `json:"slideName"`
	StorageKey     string      `json:"storageKey"`
	AssociatedKey  null.String `json:"associatedKey"`
	// kept raw: the platform nests these and only single fields matter
	ThumbURL                   json.RawMessage  `json:"thumbURL,omitempty"`
	SelectedStorageSystemEntry json.RawMessage  `json:"selectedStorageSystemEntry,omitempty"`
	SharePermissions           SharePermissions `json:"sharePermissions"`
}

// SignedThumbURL returns the pre-signed thumbnail URL nested in thumbURL.
func (im *Image) SignedThumbURL() (string, error) {
	if len(im.ThumbURL) == 0 {
		return "", fmt.Errorf("image %d has no thumbURL", im.ID)
	}
	var thumb struct {
		SignedURL string `json:"signedURL"`
	}
	if err := sonic.Unmarshal(im.ThumbURL, &thumb); err != nil {
		return "", fmt.Errorf("decode thumbURL of image %d: %w", im.ID, err)
	}
	if thumb.SignedURL == "" {
		return "", fmt.Errorf("image %d thumbURL has no signedURL", im.ID)
	}
	return thumb.SignedURL, nil
}

// UploadStorageKey returns the object key the image file must be uploaded
// under, taken from the selected storage system entry.
func (im *Image) UploadStorageKey() (string, error) {
	if len(im.SelectedStorageSystemEntry) == 0 {
		return "", fmt.Errorf("image %d has no selectedStorageSystemEntry", im.ID)
	}
	var entry struct {
		ImageStorageKey string `json:"imageStorageKey"`
	}
	if err := sonic.Unmarshal(im.SelectedStorageSystemEntry, &entry); err != nil {
		return "", fmt.Errorf("decode selectedStorageSystemEntry of image %d: %w", im.ID, err)
	}
	if entry.ImageStorageKey == "" {
		return "", fmt.Errorf("image %d has no imageStorageKey", im.ID)
	}
	return entry.ImageStorageKey, nil
}

// Annotation is a drawn region on an image. ShapeString holds the vertices as
// "x1,y1 x2,y2 ..." in viewport units; Color is a signed 32-bit ARGB value
// rendered as a decimal string.
type Annotation struct {
	ID               null.Int64        `json:"id,omitempty"`
	Text             string            `json:"text"`
	Shape            string            `json:"shape"`
	ShapeString      string            `json:"shapeString"`
	CaptureBounds    null.String       `json:"captureBounds,omitempty"`
	ImageID          int64             `json:"imageId"`
	Color            string            `json:"color"`
	IsNegative       bool              `json:"isNegative"`
	IsSegmenting     bool              `json:"isSegmenting"`
	LabelOrderX      null.Float        `json:"labelOrderX,omitempty"`
	LabelOrderY      null.Float        `json:"labelOrderY,omitempty"`
	Size             null.Float        `json:"size,omitempty"`
	BoundsString     null.String       `json:"boundsString,omitempty"`
	UserID           null.Int64        `json:"userId,omitempty"`
	CreatorName      null.String       `json:"creatorName,omitempty"`
	Created          null.Time         `json:"created,omitempty"`
	SharePermissions *SharePermissions `json:"sharePermissions,omitempty"`
}

// SortBy names the server-side sort orders the list endpoints accept.
type SortBy string

const (
	SortByName         SortBy = "name"
	SortByCreated      SortBy = "created"
	SortByLastModified SortBy = "lastModified"
	SortBySize         SortBy = "size"
)

// Pagination selects one page of a list endpoint. It is serialized to JSON
// and passed as a single "pagination" query parameter.
type Pagination struct {
	RowsPerPage int    `json:"rowsPerPage" validate:"gte=1"`
	Page        int    `json:"page" validate:"gte=1"`
	SortBy      SortBy `json:"sortBy,omitempty"`
	Descending  bool   `json:"descending"`
}

// PageInfo is the pagination echo in the response envelope's meta block.
// RowsReturned drops to zero past the last page.
type PageInfo struct {
	Page         null.Int64 `json:"page"`
	RowsPerPage  null.Int64 `json:"rowsPerPage"`
	RowsReturned int        `json:"rowsReturned"`
	TotalRows    null.Int64 `json:"totalRows"`
}

// TimeRange filters on a created timestamp. Zero bounds are omitted.
type TimeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// ImageFilters narrow an image listing. Slice fields are OR-ed, distinct
// fields are AND-ed, matching the web client's filter semantics.
type ImageFilters struct {
	ImageSetID         []int64    `json:"imageSetId,omitempty"`
	ImageID            []int64    `json:"imageId,omitempty"`
	Name               []string   `json:"name,omitempty"`
	GeneralSearch      []string   `json:"generalSearch,omitempty"`
	HasOverlays        *bool      `json:"hasOverlays,omitempty"`
	HasMultipleZLayers *bool      `json:"hasMultipleZLayers,omitempty"`
	HasAnnotations     *bool      `json:"hasAnnotations,omitempty"`
	HasAnalysisResults *bool      `json:"hasAnalysisResults,omitempty"`
	Created            *TimeRange `json:"created,omitempty"`
}

type FolderFilters struct {
	ImageSetID     []int64       `json:"imageSetId,omitempty"`
	FolderID       []int64       `json:"folderId,omitempty"`
	Name           []string      `json:"name,omitempty"`
	GeneralSearch  []string      `json:"generalSearch,omitempty"`
	HasMetadata    *bool         `json:"hasMetadata,omitempty"`
	HasAttachments *bool         `json:"hasAttachments,omitempty"`
	Image          *ImageFilters `json:"image,omitempty"`
}

type AnnotationFilters struct {
	AnnotationID []int64  `json:"annotationId,omitempty"`
	ImageID      []int64  `json:"imageId,omitempty"`
	Text         []string `json:"text,omitempty"`
}

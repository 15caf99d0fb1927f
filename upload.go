package concentriq

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/guregu/null/v6"
	"github.com/oklog/ulid/v2"

	"github.com/slidepath/concentriq-go/internal/logging"
	"github.com/slidepath/concentriq-go/s3multipart"
)

// UploadImage registers a new image in an image set and pushes the file into
// the image store the way the web uploader does: create the record, upload
// the file in chunks through the signature proxy, then flip the record to
// optimizing so the platform starts processing it.
//
// On any failure after the record was created, the record is deleted again so
// no half-uploaded image lingers in the set. The returned image reflects the
// state right after the status change.
func (c *Client) UploadImage(ctx context.Context, path string, imageSetID int64, folderParentID null.Int64) (*Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	form := url.Values{}
	form.Set("name", filepath.Base(path))
	form.Set("size", strconv.FormatInt(info.Size(), 10))
	form.Set("source", "native")
	form.Set("imageSetId", strconv.FormatInt(imageSetID, 10))
	if folderParentID.Valid {
		form.Set("folderParentId", strconv.FormatInt(folderParentID.Int64, 10))
	}

	raw, err := c.postForm(ctx, "images", form)
	if err != nil {
		return nil, fmt.Errorf("create image record: %w", err)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := sonic.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("decode created image: %w", err)
	}
	if created.ID == 0 {
		return nil, fmt.Errorf("create image record: response carries no id")
	}

	image, err := c.uploadImageFile(ctx, path, info.Size(), created.ID)
	if err != nil {
		if delErr := c.DeleteImage(ctx, created.ID); delErr != nil {
			logging.Warn("could not delete image %d after failed upload: %v", created.ID, delErr)
		}
		return nil, err
	}
	return image, nil
}

func (c *Client) uploadImageFile(ctx context.Context, path string, size, imageID int64) (*Image, error) {
	image, err := c.Image(ctx, imageID)
	if err != nil {
		return nil, err
	}
	key, err := image.UploadStorageKey()
	if err != nil {
		return nil, err
	}
	thumbURL, err := image.SignedThumbURL()
	if err != nil {
		return nil, err
	}
	uploader, err := s3multipart.FromSignedThumbURL(thumbURL, c.uploaderOpts...)
	if err != nil {
		return nil, err
	}
	sign := c.s3SignFunc(ctx, imageID)

	runID := ulid.Make().String()
	totalParts := (size + c.chunkSize - 1) / c.chunkSize

	logging.Info("upload %s: image %d, %d bytes in %d parts", runID, imageID, size, totalParts)
	uploadID, err := uploader.CreateMultipartUpload(ctx, key, sign)
	if err != nil {
		return nil, err
	}

	if err := c.uploadParts(ctx, uploader, uploadID, key, path, sign, runID, totalParts); err != nil {
		if abortErr := uploader.AbortMultipartUpload(ctx, uploadID, key, sign); abortErr != nil {
			logging.Warn("upload %s: could not abort: %v", runID, abortErr)
		}
		return nil, err
	}

	image, err = c.Image(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if image.Status != StatusUploading {
		return nil, fmt.Errorf("image %d has status %s after upload, want %s",
			imageID, image.Status, StatusUploading)
	}

	form := url.Values{}
	form.Set("id", strconv.FormatInt(imageID, 10))
	form.Set("status", strconv.Itoa(int(StatusOptimizing)))
	if _, err := c.patchForm(ctx, fmt.Sprintf("images/%d", imageID), form); err != nil {
		return nil, fmt.Errorf("mark image %d as optimizing: %w", imageID, err)
	}
	return c.Image(ctx, imageID)
}

func (c *Client) uploadParts(ctx context.Context, uploader *s3multipart.Uploader, uploadID, key, path string, sign s3multipart.SignFunc, runID string, totalParts int64) error {
	chunks, err := s3multipart.OpenChunks(path, c.chunkSize)
	if err != nil {
		return err
	}
	defer chunks.Close()

	var parts []s3multipart.Part
	for {
		number, chunk, err := chunks.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}
		etag, err := uploader.UploadPart(ctx, number, chunk, uploadID, key, sign)
		if err != nil {
			return err
		}
		logging.Info("upload %s: part %d/%d done", runID, number, totalParts)
		parts = append(parts, s3multipart.Part{Number: number, ETag: etag})
	}

	finalETag, err := uploader.CompleteMultipartUpload(ctx, parts, uploadID, key, sign)
	if err != nil {
		return err
	}
	if err := s3multipart.VerifyCompletedETag(parts, finalETag); err != nil {
		// advisory, the backend does not document the final etag format
		logging.Warn("upload %s: %v", runID, err)
	}
	logging.Info("upload %s: finalized (etag %s)", runID, finalETag)
	return nil
}

// s3SignFunc returns a SignFunc that delegates signing to the platform's
// auth endpoint for the given image. The secret key never leaves the server;
// the endpoint only answers for images the user may upload to.
func (c *Client) s3SignFunc(ctx context.Context, imageID int64) s3multipart.SignFunc {
	return func(req s3multipart.SigningRequest) (string, error) {
		raw, err := c.get(ctx, fmt.Sprintf("auth/sign/s3-multipart-url/image/%d", imageID), req.Values())
		if err != nil {
			return "", fmt.Errorf("sign upload request: %w", err)
		}
		var signed struct {
			Signature string `json:"signature"`
		}
		if err := sonic.Unmarshal(raw, &signed); err != nil {
			return "", fmt.Errorf("decode signature: %w", err)
		}
		return signed.Signature, nil
	}
}

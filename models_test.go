package concentriq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytedance/sonic"
)

func TestImageSignedThumbURL(t *testing.T) {
	image := Image{
		ID:       42,
		ThumbURL: json.RawMessage(`{"signedURL": "https://store.example.com/thumb?X-Amz-Credential=AKIA%2F20200301"}`),
	}
	u, err := image.SignedThumbURL()
	require.NoError(t, err)
	assert.Contains(t, u, "https://store.example.com/thumb")

	image.ThumbURL = nil
	_, err = image.SignedThumbURL()
	require.Error(t, err)

	image.ThumbURL = json.RawMessage(`{"other": 1}`)
	_, err = image.SignedThumbURL()
	require.Error(t, err)
}

func TestImageUploadStorageKey(t *testing.T) {
	image := Image{
		ID:                         42,
		SelectedStorageSystemEntry: json.RawMessage(`{"id": 1, "imageStorageKey": "native/42.svs"}`),
	}
	key, err := image.UploadStorageKey()
	require.NoError(t, err)
	assert.Equal(t, "native/42.svs", key)

	image.SelectedStorageSystemEntry = nil
	_, err = image.UploadStorageKey()
	require.Error(t, err)
}

func TestImageStatusString(t *testing.T) {
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "uploading", StatusUploading.String())
	assert.Equal(t, "optimizing", StatusOptimizing.String())
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "status(7)", ImageStatus(7).String())
}

func TestPaginationWireFormat(t *testing.T) {
	encoded, err := sonic.Marshal(&Pagination{RowsPerPage: 50, Page: 2, SortBy: SortByLastModified, Descending: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rowsPerPage": 50, "page": 2, "sortBy": "lastModified", "descending": true}`, string(encoded))
}

func TestImageFiltersOmitEmpty(t *testing.T) {
	encoded, err := sonic.Marshal(&ImageFilters{ImageSetID: []int64{11}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"imageSetId": [11]}`, string(encoded))
}

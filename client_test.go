package concentriq

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "user@example.com"
	testPassword = "secret"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL+"/api/", testUser, testPassword)
	require.NoError(t, err)
	return client
}

func requireBasicAuth(t *testing.T, r *http.Request) {
	t.Helper()
	user, password, ok := r.BasicAuth()
	if !ok || user != testUser || password != testPassword {
		t.Errorf("request %s lacks expected basic auth", r.URL.Path)
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient("demo.example.com/api", "u", "p")
	require.Error(t, err)
	_, err = NewClient("https://demo.example.com/api", "", "p")
	require.Error(t, err)
	_, err = NewClient("https://demo.example.com/api", "u", " ")
	require.Error(t, err)

	client, err := NewClient("https://demo.example.com/api", "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "https://demo.example.com/api/", client.baseURL)
}

func TestGroups(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		assert.Equal(t, "/api/imageSetGroups", r.URL.Path)
		fmt.Fprint(w, `{"data": {"groups": [
			{"id": 7, "name": "Research", "imageSetCount": "3", "ownerName": "Pat"},
			{"id": 9, "name": "Teaching", "imageSetCount": "0", "ownerName": "Sam"}
		]}}`)
	}))

	groups, err := client.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(7), groups[0].ID)
	assert.Equal(t, "Research", groups[0].Name)
	assert.Equal(t, "3", groups[0].ImageSetCount.ValueOrZero())
}

func TestGroupImageCountFixup(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/imageSetGroups/7", r.URL.Path)
		fmt.Fprint(w, `{"data": {"id": 7, "name": "Research", "imageCount": "5"}}`)
	}))

	group, err := client.Group(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "5", group.ImageSetCount.ValueOrZero())
}

func TestAPIErrorSurfaced(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"status": 404, "name": "NotFoundError", "code": 404, "message": "no such image set"}}`)
	}))

	_, err := client.ImageSet(context.Background(), 123)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, "NotFoundError", apiErr.Name)
	assert.Contains(t, apiErr.Error(), "no such image set")
}

func TestUnexpectedPaginationRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"imageSets": []}, "meta": {"pagination": {"page": 1, "rowsPerPage": 50, "rowsReturned": 0, "totalRows": 200}}}`)
	}))

	_, err := client.ImageSets(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paginated")
}

func TestImagesPaged(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/images", r.URL.Path)
		pagination := r.URL.Query().Get("pagination")
		assert.Contains(t, pagination, `"rowsPerPage":2`)
		assert.Contains(t, pagination, `"sortBy":"name"`)
		fmt.Fprint(w, `{"data": {"images": [{"id": 1, "name": "a.svs"}, {"id": 2, "name": "b.svs"}]},
			"meta": {"pagination": {"page": 1, "rowsPerPage": 2, "rowsReturned": 2, "totalRows": 2}}}`)
	}))

	images, page, err := client.Images(context.Background(),
		&Pagination{RowsPerPage: 2, Page: 1, SortBy: SortByName}, nil)
	require.NoError(t, err)
	require.Len(t, images, 2)
	require.NotNil(t, page)
	assert.Equal(t, 2, page.RowsReturned)
}

func TestEachImagePage(t *testing.T) {
	pages := map[int]string{
		1: `{"data": {"images": [{"id": 1, "name": "a.svs"}, {"id": 2, "name": "b.svs"}]},
			"meta": {"pagination": {"rowsReturned": 2}}}`,
		2: `{"data": {"images": [{"id": 3, "name": "c.svs"}]},
			"meta": {"pagination": {"rowsReturned": 1}}}`,
		3: `{"data": {"images": []}, "meta": {"pagination": {"rowsReturned": 0}}}`,
	}
	var requested []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagination := r.URL.Query().Get("pagination")
		requested = append(requested, pagination)
		// the filters ride along on every page request
		assert.Contains(t, r.URL.Query().Get("filters"), `"imageSetId":[5]`)
		fmt.Fprint(w, pages[len(requested)])
	}))

	var ids []int64
	filters := &ImageFilters{ImageSetID: []int64{5}}
	err := client.EachImagePage(context.Background(), 2, SortByCreated, true, filters, func(batch []Image) error {
		for _, im := range batch {
			ids = append(ids, im.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
	require.Len(t, requested, 3)
	assert.Contains(t, requested[0], `"page":1`)
	assert.Contains(t, requested[2], `"page":3`)
}

func TestImageDownloadURL(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		assert.Equal(t, "/api/images/42/download", r.URL.Path)
		w.Header().Set("Location", "https://store.example.com/signed/42")
		w.WriteHeader(http.StatusFound)
	}))

	location, err := client.ImageDownloadURL(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "https://store.example.com/signed/42", location)
}

func TestImageDownloadURLNoRedirect(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {}}`)
	}))

	_, err := client.ImageDownloadURL(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect")
}

func TestDeleteImage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/images/42", r.URL.Path)
		fmt.Fprint(w, `{"data": {"success": "image deleted"}}`)
	}))

	require.NoError(t, client.DeleteImage(context.Background(), 42))
}

func TestDeleteImageNotConfirmed(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {}}`)
	}))

	err := client.DeleteImage(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not confirmed")
}

func TestCreateImageSet(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "HE slides", r.PostForm.Get("name"))
		assert.Equal(t, "7", r.PostForm.Get("groupId"))
		fmt.Fprint(w, `{"data": {"id": 11, "name": "HE slides", "groupId": 7}}`)
	}))

	set, err := client.CreateImageSet(context.Background(), "HE slides", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(11), set.ID)
}

func TestCreateAnnotationSendsJSON(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/annotations", r.URL.Path)
		assert.Equal(t, "application/json;charset=UTF-8", r.Header.Get("Content-Type"))
		fmt.Fprint(w, `{"data": {"id": 99, "text": "tumor", "shape": "free", "shapeString": "1,1 2,2", "imageId": 42, "color": "#c80000"}}`)
	}))

	created, err := client.CreateAnnotation(context.Background(), &Annotation{
		Text:        "tumor",
		Shape:       "free",
		ShapeString: "1,1 2,2",
		ImageID:     42,
		Color:       "#c80000",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), created.ID.ValueOrZero())
}

func TestImageSetMetadataCSV(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		assert.Equal(t, "/api/imageSets/11/export/csv", r.URL.Path)
		fmt.Fprint(w, "name,stain\na.svs,HE\n")
	}))

	csv, err := client.ImageSetMetadataCSV(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, "name,stain\na.svs,HE\n", csv)
}

func TestFoldersIncludeMetadata(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("includeMetadata"))
		assert.Contains(t, r.URL.Query().Get("filters"), `"imageSetId":[11]`)
		fmt.Fprint(w, `{"data": {"folders": [{"id": 3, "label": "Case 1", "imageSetId": 11}]}}`)
	}))

	folders, err := client.Folders(context.Background(), FolderListOptions{
		IncludeMetadata: true,
		Filters:         &FolderFilters{ImageSetID: []int64{11}},
	})
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Case 1", folders[0].Label)
}

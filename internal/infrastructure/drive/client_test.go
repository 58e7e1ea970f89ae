package drive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-assistant-api/internal/config"
)

func TestFilesChecksumDeterministic(t *testing.T) {
	files := []*FileMeta{
		{ID: "b", ModifiedTime: "2026-08-01T00:00:00Z"},
		{ID: "a", ModifiedTime: "2026-08-02T00:00:00Z"},
	}
	reversed := []*FileMeta{files[1], files[0]}

	// 顺序无关
	assert.Equal(t, FilesChecksum(files), FilesChecksum(reversed))
}

func TestFilesChecksumChangesOnModification(t *testing.T) {
	base := []*FileMeta{{ID: "a", ModifiedTime: "2026-08-01T00:00:00Z"}}
	touched := []*FileMeta{{ID: "a", ModifiedTime: "2026-08-02T00:00:00Z"}}
	added := []*FileMeta{base[0], {ID: "b", ModifiedTime: "2026-08-01T00:00:00Z"}}

	assert.NotEqual(t, FilesChecksum(base), FilesChecksum(touched))
	assert.NotEqual(t, FilesChecksum(base), FilesChecksum(added))
	assert.NotEqual(t, FilesChecksum(base), FilesChecksum(nil))
}

func newTestClient(baseURL string) *Client {
	return NewClient(&config.DriveConfig{
		BaseURL:  baseURL,
		PageSize: 2,
		Timeout:  5 * time.Second,
	})
}

func TestListFolderFilesPaginates(t *testing.T) {
	pages := map[string]any{
		"": map[string]any{
			"nextPageToken": "page-2",
			"files": []map[string]string{
				{"id": "f1", "name": "one.txt", "mimeType": "text/plain"},
				{"id": "f2", "name": "two.txt", "mimeType": "text/plain"},
			},
		},
		"page-2": map[string]any{
			"files": []map[string]string{
				{"id": "f3", "name": "three.txt", "mimeType": "text/plain"},
			},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		page := pages[r.URL.Query().Get("pageToken")]
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	files, err := newTestClient(srv.URL).ListFolderFiles(context.Background(), "tok", "folder-1")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "f3", files[2].ID)
}

func TestDownloadTextGoogleDocExports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/export")
		_, _ = w.Write([]byte("exported text"))
	}))
	defer srv.Close()

	content, err := newTestClient(srv.URL).DownloadText(context.Background(), "tok", &FileMeta{
		ID:       "doc-1",
		MimeType: "application/vnd.google-apps.document",
	})
	require.NoError(t, err)
	assert.Equal(t, "exported text", content)
}

func TestDownloadTextRejectsUnsupportedMime(t *testing.T) {
	_, err := newTestClient("http://unused").DownloadText(context.Background(), "tok", &FileMeta{
		ID:       "img-1",
		MimeType: "image/png",
	})
	require.ErrorIs(t, err, ErrUnsupportedMime)
}

func TestListFolderFilesSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"code": 403}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ListFolderFiles(context.Background(), "tok", "folder-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

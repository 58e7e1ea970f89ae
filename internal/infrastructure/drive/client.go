// Package drive 提供 Google Drive REST v3 数据源访问
package drive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kb-assistant-api/internal/config"
	"kb-assistant-api/pkg/metrics"
)

var tracer = otel.Tracer("drive")

// ErrUnsupportedMime 非文本类型文件（OCR/解析不在本服务范围内）
var ErrUnsupportedMime = errors.New("unsupported mime type")

const (
	mimeGoogleDoc         = "application/vnd.google-apps.document"
	mimeGoogleSpreadsheet = "application/vnd.google-apps.spreadsheet"
)

// FileMeta Drive 文件元数据
type FileMeta struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MimeType       string `json:"mimeType"`
	ModifiedTime   string `json:"modifiedTime"`
	HeadRevisionID string `json:"headRevisionId"`
}

// Client Google Drive REST v3 客户端
type Client struct {
	baseURL  string
	pageSize int
	http     *http.Client
}

// NewClient 创建 Drive 客户端
func NewClient(cfg *config.DriveConfig) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: cfg.PageSize,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ListFolderFiles 列出文件夹下的全部文件（自动翻页）
func (c *Client) ListFolderFiles(ctx context.Context, token, folderID string) ([]*FileMeta, error) {
	ctx, span := tracer.Start(ctx, "drive.ListFolderFiles",
		trace.WithAttributes(attribute.String("folder_id", folderID)))
	defer span.End()

	var files []*FileMeta
	pageToken := ""

	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
		q.Set("fields", "nextPageToken, files(id, name, mimeType, modifiedTime, headRevisionId)")
		q.Set("pageSize", strconv.Itoa(c.pageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page struct {
			NextPageToken string      `json:"nextPageToken"`
			Files         []*FileMeta `json:"files"`
		}
		if err := c.getJSON(ctx, token, "/files?"+q.Encode(), &page); err != nil {
			metrics.DriveAPICalls.WithLabelValues("list", "error").Inc()
			span.RecordError(err)
			return nil, fmt.Errorf("failed to list folder files: %w", err)
		}
		metrics.DriveAPICalls.WithLabelValues("list", "ok").Inc()

		files = append(files, page.Files...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// GetFileMeta 获取单个文件的元数据
func (c *Client) GetFileMeta(ctx context.Context, token, fileID string) (*FileMeta, error) {
	ctx, span := tracer.Start(ctx, "drive.GetFileMeta",
		trace.WithAttributes(attribute.String("file_id", fileID)))
	defer span.End()

	q := url.Values{}
	q.Set("fields", "id, name, mimeType, modifiedTime, headRevisionId")

	var meta FileMeta
	if err := c.getJSON(ctx, token, "/files/"+url.PathEscape(fileID)+"?"+q.Encode(), &meta); err != nil {
		metrics.DriveAPICalls.WithLabelValues("metadata", "error").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get file metadata: %w", err)
	}
	metrics.DriveAPICalls.WithLabelValues("metadata", "ok").Inc()

	return &meta, nil
}

// DownloadText 下载文件的纯文本内容
// Google 文档走 export；普通文本文件走 alt=media；其余类型返回 ErrUnsupportedMime
func (c *Client) DownloadText(ctx context.Context, token string, meta *FileMeta) (string, error) {
	ctx, span := tracer.Start(ctx, "drive.DownloadText",
		trace.WithAttributes(
			attribute.String("file_id", meta.ID),
			attribute.String("mime_type", meta.MimeType),
		))
	defer span.End()

	var path string
	switch {
	case meta.MimeType == mimeGoogleDoc:
		path = "/files/" + url.PathEscape(meta.ID) + "/export?mimeType=" + url.QueryEscape("text/plain")
	case meta.MimeType == mimeGoogleSpreadsheet:
		path = "/files/" + url.PathEscape(meta.ID) + "/export?mimeType=" + url.QueryEscape("text/csv")
	case strings.HasPrefix(meta.MimeType, "text/"),
		meta.MimeType == "application/json",
		meta.MimeType == "application/xml":
		path = "/files/" + url.PathEscape(meta.ID) + "?alt=media"
	default:
		return "", ErrUnsupportedMime
	}

	body, err := c.get(ctx, token, path)
	if err != nil {
		metrics.DriveAPICalls.WithLabelValues("download", "error").Inc()
		span.RecordError(err)
		return "", fmt.Errorf("failed to download file content: %w", err)
	}
	metrics.DriveAPICalls.WithLabelValues("download", "ok").Inc()

	return string(body), nil
}

// FilesChecksum 计算文件清单校验和
// 对排序后的 id:modifiedTime 串做 md5，用于变更检测
func FilesChecksum(files []*FileMeta) string {
	pairs := make([]string, 0, len(files))
	for _, f := range files {
		pairs = append(pairs, f.ID+":"+f.ModifiedTime)
	}
	sort.Strings(pairs)

	sum := md5.Sum([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(sum[:])
}

func (c *Client) getJSON(ctx context.Context, token, path string, out interface{}) error {
	body, err := c.get(ctx, token, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, token, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("drive api returned %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

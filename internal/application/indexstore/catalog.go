package indexstore

import (
	"path"
	"sort"
	"strings"

	"kb-assistant-api/internal/domain/entity"
)

// BuildCatalog 从 file_id → file_name 映射构建文档目录
// 条目名为去掉扩展名的文件名；同名条目去重；按名称不区分大小写排序
func BuildCatalog(files map[string]string) []entity.CatalogItem {
	items := make([]entity.CatalogItem, 0, len(files))
	for fileID, fileName := range files {
		name := DisplayName(fileName)
		if name == "" {
			continue
		}
		items = append(items, entity.CatalogItem{
			Name: name,
			URL:  FileURL(fileID),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		ni, nj := strings.ToLower(items[i].Name), strings.ToLower(items[j].Name)
		if ni != nj {
			return ni < nj
		}
		return items[i].URL < items[j].URL
	})

	// 同名去重，保留排序后的首个
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		key := strings.ToLower(it.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

// DisplayName 文件显示名：basename 去掉扩展名
func DisplayName(fileName string) string {
	base := path.Base(strings.TrimSpace(fileName))
	if base == "." || base == "/" {
		return ""
	}
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// FileURL 生成文件在 Drive 上的查看链接
func FileURL(fileID string) string {
	return "https://drive.google.com/file/d/" + fileID + "/view"
}

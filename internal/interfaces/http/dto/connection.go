package dto

import (
	"time"

	"kb-assistant-api/internal/domain/entity"
)

// UpdateConnectionRequest 接入配置更新请求
// 密钥字段留空表示保持现值
type UpdateConnectionRequest struct {
	OpenAIAPIKey  *string  `json:"openai_api_key,omitempty"`
	GoogleToken   *string  `json:"google_token,omitempty"`
	DriveFolderID *string  `json:"drive_folder_id,omitempty"`
	DriveFileIDs  []string `json:"drive_file_ids,omitempty"`
}

// ConnectionDTO 接入配置视图
// 凭据只回显是否已配置，不回显内容
type ConnectionDTO struct {
	HasOpenAIKey   bool      `json:"has_openai_key"`
	HasGoogleToken bool      `json:"has_google_token"`
	DriveFolderID  string    `json:"drive_folder_id,omitempty"`
	DriveFileIDs   []string  `json:"drive_file_ids,omitempty"`
	Ready          bool      `json:"ready"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToConnectionDTO 将领域实体转换为 DTO
func ToConnectionDTO(c *entity.UserConnection) *ConnectionDTO {
	if c == nil {
		return nil
	}
	return &ConnectionDTO{
		HasOpenAIKey:   c.OpenAIAPIKey != "",
		HasGoogleToken: c.GoogleToken != "",
		DriveFolderID:  c.DriveFolderID,
		DriveFileIDs:   c.DriveFileIDs,
		Ready:          c.Ready(),
		UpdatedAt:      c.UpdatedAt,
	}
}

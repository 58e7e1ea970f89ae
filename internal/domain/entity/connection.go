package entity

import (
	"time"
)

// UserConnection 用户的外部数据源与模型接入配置
type UserConnection struct {
	UserID        string    `json:"user_id" gorm:"primaryKey"`
	OpenAIAPIKey  string    `json:"-"` // 密钥不在 JSON 中暴露
	GoogleToken   string    `json:"-"`
	DriveFolderID string    `json:"drive_folder_id,omitempty"`
	DriveFileIDs  []string  `json:"drive_file_ids,omitempty" gorm:"serializer:json"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewUserConnection 创建空的接入配置
func NewUserConnection(userID string) *UserConnection {
	now := time.Now()
	return &UserConnection{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch 更新修改时间
func (c *UserConnection) Touch() {
	c.UpdatedAt = time.Now()
}

// TableName 指定表名
func (UserConnection) TableName() string {
	return "user_connections"
}

// HasDriveSource 是否配置了 Drive 数据源
func (c *UserConnection) HasDriveSource() bool {
	return c.DriveFolderID != "" || len(c.DriveFileIDs) > 0
}

// Ready 是否具备构建索引所需的全部配置
func (c *UserConnection) Ready() bool {
	return c.OpenAIAPIKey != "" && c.GoogleToken != "" && c.HasDriveSource()
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eddielth/ddg-agent/logger"
)

// FileStorage 以 JSON 文件归档，每个设备一个目录
type FileStorage struct {
	basePath string
}

// NewFileStorage 创建文件归档后端
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Store 将记录写入 {basePath}/{deviceID}/{timestamp}-{id}.json
func (fs *FileStorage) Store(_ context.Context, r Record) error {
	deviceDir := filepath.Join(fs.basePath, r.DeviceID)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", deviceDir, err)
	}

	name := fmt.Sprintf("%s-%s.json", r.Timestamp.Format("20060102-150405.000"), r.ID)
	filename := filepath.Join(deviceDir, name)

	jsonData, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize record failed: %w", err)
	}

	if err := os.WriteFile(filename, jsonData, 0644); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}

	logger.Debug("has stored record to file: %s", filename)
	return nil
}

// Close 实现 Backend
func (fs *FileStorage) Close() error {
	return nil
}

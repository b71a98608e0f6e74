package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type Attachment struct {
	ID               int64     `json:"id"`
	MessageID        int64     `json:"message_id"`
	OriginalFilename string    `json:"original_filename"`
	StoredFilename   string    `json:"stored_filename"`
	FilePath         string    `json:"-"`
	FileSize         int64     `json:"file_size"`
	MIMEType         string    `json:"mime_type"`
	FileExtension    string    `json:"file_extension"`
	UploadedAt       time.Time `json:"uploaded_at"`
	IsDeleted        bool      `json:"is_deleted"`
	DownloadCount    int       `json:"download_count"`
}

// MarshalJSON 附加可读的文件大小
func (a Attachment) MarshalJSON() ([]byte, error) {
	type plain Attachment
	return json.Marshal(struct {
		plain
		FileSizeHuman string  `json:"file_size_human"`
		FileSizeMB    float64 `json:"file_size_mb"`
	}{
		plain:         plain(a),
		FileSizeHuman: HumanSize(a.FileSize),
		FileSizeMB:    math.Round(float64(a.FileSize)/(1024*1024)*100) / 100,
	})
}

// HumanSize 1536 -> "1.5 KB"
func HumanSize(size int64) string {
	units := []string{"B", "KB", "MB", "GB"}
	value := float64(size)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}

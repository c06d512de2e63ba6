package session

// ============================================================================
// 職責說明：
// 1. 讀取共享的 cookie 檔案（多個 daemon 程序共用）
// 2. 使用原子性寫入（temp file + rename）防止其他程序讀到半寫入的內容
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadToken 讀取 cookie 檔案並去除前後空白；檔案不存在時回傳空字串
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read cookie file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteToken 原子性寫入 cookie 檔案
//
// 流程：
// 1. 寫入同目錄下的臨時檔案
// 2. fsync 後使用 os.Rename 原子性替換原始檔案
//
// 輪詢中的其他程序只會看到舊內容或新內容，不會看到部分寫入。
func WriteToken(path, token string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cookie file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp cookie file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp cookie file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp cookie file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cookie file: %w", err)
	}
	return nil
}

package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// maxPathLength 单个路径允许的最大长度，Windows 取保守值
func maxPathLength() int {
	if runtime.GOOS == "windows" {
		return 200
	}
	return 1024
}

// cleanRoot 校验根目录并转成绝对路径，大小写不敏感的平台统一转小写
func cleanRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("root must not be empty")
	}
	if len(root) > maxPathLength() {
		return "", fmt.Errorf("root too long: %d characters", len(root))
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}

// checkKey 存储键不能为空，不能含 NUL，不能用 .. 逃出根目录
func checkKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("key must not be empty")
	case len(key) > maxPathLength():
		return fmt.Errorf("key too long: %d characters", len(key))
	case strings.ContainsRune(key, '\x00'):
		return fmt.Errorf("invalid character in key: %q", key)
	}
	for _, segment := range strings.Split(filepath.ToSlash(key), "/") {
		if segment == ".." {
			return fmt.Errorf("path traversal detected: %s", key)
		}
	}
	return nil
}

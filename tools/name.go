package tools

import "strings"

// MaxNameLength is the longest display name accepted by ValidateName.
const MaxNameLength = 20

// ValidateName 验证用户名是否可以作为消息前缀
// 参数 name 表示待验证的用户名字符串
// 返回值 valid 表示验证结果，reason 提供第一个错误原因描述
func ValidateName(name string) (valid bool, reason string) {
	if len(name) == 0 {
		return false, "name must not be empty"
	}

	if len(name) > MaxNameLength {
		return false, "name must not be longer than 20 characters"
	}

	for _, char := range name {
		if char < 32 || char > 126 {
			return false, "name contains characters outside printable ASCII"
		}
		if strings.ContainsRune("\\/:*?\"<>|", char) {
			return false, "name contains a forbidden special character"
		}
	}

	return true, ""
}

package storage

import (
	"fmt"
	"strings"
)

// PhotoPrefixRoot 是所有头像对象的公共前缀。
const PhotoPrefixRoot = "profile-photos/"

// PhotoPrefix 返回某个用户名下全部头像的前缀。
func PhotoPrefix(username string) string {
	return PhotoPrefixRoot + strings.Trim(username, "/") + "/"
}

// PhotoKey 生成形如 profile-photos/<username>/<username>_<counter>.<ext> 的对象 Key。
// counter 每次上传递增，保证新旧头像不会相互覆盖。
func PhotoKey(username string, counter int, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	return fmt.Sprintf("%s%s_%d.%s", PhotoPrefix(username), strings.Trim(username, "/"), counter, ext)
}

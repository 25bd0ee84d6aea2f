package domain

// Upload 调用方提交的新内容
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Size 返回内容大小
func (u *Upload) Size() int64 {
	return int64(len(u.Data))
}

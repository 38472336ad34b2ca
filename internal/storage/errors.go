package storage

import "errors"

var (
	ErrEmptyUpload    = errors.New("upload is empty")
	ErrUploadTooLarge = errors.New("upload exceeds the size limit")
	ErrNotFound       = errors.New("asset not found")
)

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// GetJSON loads key and decodes it into v, returning the object's ETag.
func GetJSON(ctx context.Context, backend Backend, namespace, key string, v any) (string, error) {
	res, err := backend.GetObject(ctx, namespace, key)
	if err != nil {
		return "", err
	}
	defer res.Reader.Close()
	payload, err := io.ReadAll(res.Reader)
	if err != nil {
		return "", fmt.Errorf("storage: read %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return "", fmt.Errorf("storage: decode %s: %w", key, err)
	}
	etag := ""
	if res.Info != nil {
		etag = res.Info.ETag
	}
	return etag, nil
}

// PutJSON encodes v and writes it to key under the conditional semantics of
// opts, returning the new ETag.
func PutJSON(ctx context.Context, backend Backend, namespace, key string, v any, opts PutObjectOptions) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode %s: %w", key, err)
	}
	if opts.ContentType == "" {
		opts.ContentType = ContentTypeJSON
	}
	info, err := backend.PutObject(ctx, namespace, key, bytes.NewReader(payload), opts)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.ETag, nil
}

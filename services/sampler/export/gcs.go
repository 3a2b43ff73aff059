// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrBadGCSURL is returned for a gs:// URL without a bucket or object.
var ErrBadGCSURL = errors.New("expected gs://bucket/object")

// GCSOptions configures uploads. The zero value uses application default
// credentials.
type GCSOptions struct {
	// CredentialsFile is a service account key.
	CredentialsFile string

	// Endpoint overrides the storage API, e.g. for an emulator.
	Endpoint string
}

func (o GCSOptions) clientOptions() ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if o.CredentialsFile != "" {
		if _, err := os.Stat(o.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
	}
	if o.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.Endpoint), option.WithoutAuthentication())
	}
	return opts, nil
}

// ParseGCSURL splits gs://bucket/path/to/object.
func ParseGCSURL(u string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(u, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrBadGCSURL, u)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrBadGCSURL, u)
	}
	return bucket, object, nil
}

// gcsWriter uploads an object and releases its client on Close.
type gcsWriter struct {
	*storage.Writer
	client *storage.Client
}

func newGCSWriter(ctx context.Context, o GCSOptions, bucket, object string) (*gcsWriter, error) {
	opts, err := o.clientOptions()
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/csv"
	w.CacheControl = "no-cache"
	return &gcsWriter{Writer: w, client: client}, nil
}

// Close completes the upload.
func (g *gcsWriter) Close() error {
	err := g.Writer.Close()
	if err != nil {
		err = fmt.Errorf("finish GCS upload of %s/%s: %w", g.Bucket, g.Name, err)
	}
	return errors.Join(err, g.client.Close())
}

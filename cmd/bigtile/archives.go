// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/archive/boltarchive"
	"github.com/grailbio/bigtile/archive/dirarchive"
	"github.com/grailbio/bigtile/archive/tararchive"
	"github.com/grailbio/bigtile/archive/tilemap"
)

const (
	formatTilemap = "tilemap"
	formatBolt    = "bolt"
	formatDir     = "dir"
	formatTar     = "tar"
)

// inferFormat returns the archive format of path when format is
// empty.
func inferFormat(format, path string) (string, error) {
	if format == "" {
		switch filepath.Ext(path) {
		case ".bolt", ".db":
			format = formatBolt
		case ".tar":
			format = formatTar
		case "":
			format = formatDir
		default:
			format = formatTilemap
		}
	}
	switch format {
	case formatTilemap, formatBolt, formatDir, formatTar:
		return format, nil
	}
	return "", errors.E(errors.Invalid, fmt.Sprintf("unknown archive format %q", format))
}

func newArchive(format, path string, shards, writers int) (archive.Archive, error) {
	format, err := inferFormat(format, path)
	if err != nil {
		return nil, err
	}
	switch format {
	case formatBolt:
		return boltarchive.New(path, boltarchive.Options{}), nil
	case formatDir:
		return dirarchive.New(path, writers), nil
	case formatTar:
		return tararchive.New(path), nil
	default:
		return tilemap.New(path, tilemap.Options{Shards: shards}), nil
	}
}

func openArchive(ctx context.Context, format, path string) (archive.Reader, error) {
	format, err := inferFormat(format, path)
	if err != nil {
		return nil, err
	}
	switch format {
	case formatBolt:
		return boltarchive.Open(ctx, path)
	case formatDir:
		return dirarchive.Open(ctx, path)
	case formatTar:
		return tararchive.Open(ctx, path)
	default:
		return tilemap.Open(ctx, path)
	}
}

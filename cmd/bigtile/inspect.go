// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigtile/archive"
	"github.com/grailbio/bigtile/tilecoord"
	"github.com/grailbio/bigtile/vectortile"
)

func infoCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("bigtile info", flag.ExitOnError)
		format = flags.String("format", "", "archive format: tilemap, bolt, dir, or tar")
		list   = flags.Bool("l", false, "list the archive's tiles")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigtile info [-format format] [-l] archive\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 1 {
		flags.Usage()
	}
	ctx := context.Background()
	r, err := openArchive(ctx, *format, flags.Arg(0))
	must.Nil(err)
	defer r.Close()
	must.Nil(printInfo(ctx, os.Stdout, r, *list))
}

func printInfo(ctx context.Context, w io.Writer, r archive.Reader, list bool) error {
	md, err := r.Metadata(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "name\t%s\n", md.Name)
	fmt.Fprintf(w, "format\t%s\n", md.Format)
	fmt.Fprintf(w, "compression\t%s\n", md.Compression)
	fmt.Fprintf(w, "zooms\t%d-%d\n", md.MinZoom, md.MaxZoom)
	fmt.Fprintf(w, "bounds\t%s\n", boundString(md.Bounds))
	for _, l := range md.VectorLayers {
		fmt.Fprintf(w, "layer\t%s\n", l.ID)
	}
	var (
		scan  = r.Scanner(ctx)
		tiles = make(map[int]int)
		bytes int64
	)
	for scan.Scan() {
		c := scan.Coord()
		tiles[int(c.Z)]++
		bytes += int64(len(scan.Bytes()))
		if list {
			fmt.Fprintf(w, "tile\t%s\t%d\n", tilecoord.String(c), len(scan.Bytes()))
		}
	}
	if err := scan.Err(); err != nil {
		scan.Close()
		return err
	}
	if err := scan.Close(); err != nil {
		return err
	}
	zooms := make([]int, 0, len(tiles))
	for z := range tiles {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	for _, z := range zooms {
		fmt.Fprintf(w, "z%d\t%d tiles\n", z, tiles[z])
	}
	fmt.Fprintf(w, "bytes\t%d\n", bytes)
	return nil
}

func catCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("bigtile cat", flag.ExitOnError)
		format = flags.String("format", "", "archive format: tilemap, bolt, dir, or tar")
		raw    = flags.Bool("raw", false, "write the tile's stored bytes")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigtile cat [-format format] [-raw] archive z/x/y\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 2 {
		flags.Usage()
	}
	coord, err := parseCoord(flags.Arg(1))
	must.Nil(err)
	ctx := context.Background()
	r, err := openArchive(ctx, *format, flags.Arg(0))
	must.Nil(err)
	defer r.Close()
	p, err := r.Tile(ctx, coord)
	must.Nil(err)
	if *raw {
		_, err = os.Stdout.Write(p)
		must.Nil(err)
		return
	}
	md, err := r.Metadata(ctx)
	must.Nil(err)
	must.Nil(printTile(os.Stdout, md.Compression, p))
}

func printTile(w io.Writer, c archive.Compression, p []byte) error {
	p, err := archive.Decompress(c, p)
	if err != nil {
		return err
	}
	layers, err := vectortile.Decode(p)
	if err != nil {
		return err
	}
	for _, l := range layers {
		fmt.Fprintf(w, "layer %s: %d features\n", l.Name, len(l.Features))
		for _, f := range l.Features {
			keys := make([]string, 0, len(f.Attrs))
			for k := range f.Attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			attrs := make([]string, len(keys))
			for i, k := range keys {
				attrs[i] = fmt.Sprintf("%s=%v", k, f.Attrs[k])
			}
			fmt.Fprintf(w, "\t%d\t%s\t%s\n", f.ID, f.Geometry.Type, strings.Join(attrs, " "))
		}
	}
	return nil
}

// parseCoord parses a tile coordinate formatted as z/x/y.
func parseCoord(s string) (tilecoord.Coord, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return tilecoord.Coord{}, errors.E(errors.Invalid, fmt.Sprintf("invalid tile %q", s))
	}
	var v [3]uint64
	for i, part := range parts {
		var err error
		if v[i], err = strconv.ParseUint(part, 10, 32); err != nil {
			return tilecoord.Coord{}, errors.E(errors.Invalid, fmt.Sprintf("invalid tile %q", s), err)
		}
	}
	if v[0] > tilecoord.MaxZoom || v[1] >= 1<<v[0] || v[2] >= 1<<v[0] {
		return tilecoord.Coord{}, errors.E(errors.Invalid, fmt.Sprintf("tile %q out of range", s))
	}
	return tilecoord.New(uint32(v[1]), uint32(v[2]), int(v[0])), nil
}

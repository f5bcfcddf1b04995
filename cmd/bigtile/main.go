// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigtile is a tool for building and inspecting vector tile archives.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigtile/tileconfig"
)

func init() {
	file.RegisterImplementation("s3", s3file.NewImplementation(
		s3file.NewDefaultProvider(session.Options{})))
}

func usage() {
	fmt.Fprintf(os.Stderr, `Bigtile is a tool for building and inspecting vector tile archives.

Usage:

	bigtile [flags] <command> [arguments]

The commands are:

	build       render GeoJSON into a tile archive
	info        print an archive's metadata and tile counts
	cat         print a single tile

Pipeline parameters are read from the bigtile instance of the
profile at %s; profile flags override them.

The flags are:
`, tileconfig.Path)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigtile: ")
	must.Func = log.Fatal
	flag.Usage = usage
	config := tileconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "build":
		buildCmd(config, args)
	case "info":
		infoCmd(args)
	case "cat":
		catCmd(args)
	}
}

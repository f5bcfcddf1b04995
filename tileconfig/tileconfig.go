// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tileconfig provides a mechanism to configure a tile
// pipeline from a shared configuration. Tileconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.bigtile/config.
package tileconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigtile"
)

// Path determines the location of the bigtile profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigtile/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the bigtile configuration from Path, as amended by the flags
// provided, and returns the pipeline configuration. Parse panics if
// the configuration is invalid.
func Parse() bigtile.Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Must()
}

// Must returns the pipeline configuration of the default profile.
// It panics if the configuration is invalid.
func Must() bigtile.Config {
	var c bigtile.Config
	config.Must("bigtile", &c)
	return c
}

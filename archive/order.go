// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package archive

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigtile/tilecoord"
)

// An OrderChecker checks that tiles are presented in strictly
// increasing tile order.
type OrderChecker struct {
	order   tilecoord.Order
	last    tilecoord.Coord
	lastID  uint32
	started bool
}

// NewOrderChecker returns a checker for the provided order.
func NewOrderChecker(order tilecoord.Order) *OrderChecker {
	return &OrderChecker{order: order}
}

// Check records coord as the latest tile. It returns a fatal error of
// kind errors.Invalid if coord does not follow the previous tile in
// the checker's order.
func (c *OrderChecker) Check(coord tilecoord.Coord) error {
	id := c.order.Encode(coord)
	if c.started && id <= c.lastID {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("archive: tile %s (id %d) written after tile %s (id %d) in %s order",
				tilecoord.String(coord), id, tilecoord.String(c.last), c.lastID, c.order.Name()))
	}
	c.started, c.last, c.lastID = true, coord, id
	return nil
}

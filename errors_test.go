// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimError_String(t *testing.T) {
	require.Equal(t, "OUT_RANGE", newErr(CodeOutRange).Error())
}

func TestSimError_WrapsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	e := wrapErr(CodeWriteFull, cause, "writing block")
	require.Contains(t, e.Error(), "WRITE_FULL")
	require.ErrorIs(t, e, cause)
}

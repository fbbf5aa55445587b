//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// This file links gonum against a system CBLAS when you build with
// `-tags netlib` (needs cgo and libopenblas or similar).
func init() {
	blas64.Use(netlib.Implementation{})
}

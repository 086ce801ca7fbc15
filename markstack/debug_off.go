//go:build !gcdebug

package markstack

const debug = false

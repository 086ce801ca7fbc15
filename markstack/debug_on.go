//go:build gcdebug

package markstack

const debug = true

//go:build linux && !amd64

package hook

const map_32bit = 0

package hook

import "golang.org/x/sys/unix"

// Relocated copies keep their rel32 calls when they are mapped below 4GiB.
const map_32bit = unix.MAP_32BIT

package main

// kernelShellImage and lookupEmbeddedImage stand in for a real initrd: a
// tiny fixed set of user-mode images a board links in, since spec.md's
// Non-goals exclude a filesystem entirely. A board that wants a real shell
// replaces these with go:embed'd binaries built against this kernel's user
// ABI; what matters to Boot and the syscall dispatcher is only the
// ImageLookup shape, not where the bytes came from.
var kernelShellImage = []byte{0x00}

var embeddedImages = map[string][]byte{
	"echo": {0x00},
}

func lookupEmbeddedImage(name string) ([]byte, bool) {
	img, ok := embeddedImages[name]
	return img, ok
}

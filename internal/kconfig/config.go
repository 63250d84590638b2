// Package kconfig holds Aurora's build-time kernel configuration: a plain
// struct with a constructor assigning defaults (exported fields with a
// constructor, not a flag/env parser) -- a kernel image has no argv to
// parse beyond the DTB pointer in a1.
package kconfig

// Config is the reference shape of Aurora's tunables. Documented here as
// YAML for operators staging a rootfs image, keeping a human-editable
// reference alongside the Go literal default:
//
//	maxTasks: 64
//	kernelStackPages: 4
//	blockCacheLines: 128
//	tickMillis: 20
//	maxOpenFiles: 64
type Config struct {
	MaxTasks         int
	KernelStackPages int // excludes the guard page
	BlockCacheLines  int
	TickMillis       int
	MaxOpenFiles     int
	NetTickMillis    int
}

func Default() Config {
	return Config{
		MaxTasks:         64,
		KernelStackPages: 4, // 16 KiB, minimum
		BlockCacheLines:  128,
		TickMillis:       20,
		MaxOpenFiles:     64,
		NetTickMillis:    20,
	}
}

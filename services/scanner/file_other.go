//go:build !linux

package scanner

import "os"

func adviseSequential(any) {}

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }

func datasync(f *os.File) error { return f.Sync() }

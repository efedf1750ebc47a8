//go:build linux

package critsect

import "golang.org/x/sys/unix"

func osThreadID() int { return unix.Gettid() }

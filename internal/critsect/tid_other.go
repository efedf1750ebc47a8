//go:build !linux

package critsect

func osThreadID() int { return 0 }

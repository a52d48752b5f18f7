//go:build !darwin && !linux

package nettools

// no probe on this platform, every connection reports Unknown

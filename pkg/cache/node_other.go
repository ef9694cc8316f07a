//go:build !linux
// +build !linux

package cache

import "os"

func (node *Node) fillExtra(fi os.FileInfo) {}

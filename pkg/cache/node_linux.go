//go:build linux
// +build linux

package cache

import (
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

func (node *Node) fillExtra(fi os.FileInfo) {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}

	node.ChangeTime = time.Unix(stat.Ctim.Unix()).UTC()
	node.AccessTime = time.Unix(stat.Atim.Unix()).UTC()
	node.UID = stat.Uid
	node.GID = stat.Gid

	if u, err := user.LookupId(strconv.Itoa(int(stat.Uid))); err == nil {
		node.User = u.Username
	}
}

//go:build unix

package localfs

import (
	"io/fs"
	"strconv"
	"syscall"

	"docmigrate/internal/domain"
)

// permissions derives grants from the POSIX owner, group and mode bits.
func permissions(info fs.FileInfo) []domain.SourcePermission {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	mode := info.Mode().Perm()
	perms := []domain.SourcePermission{{
		PrincipalID:   "uid:" + strconv.FormatUint(uint64(st.Uid), 10),
		PrincipalType: domain.PrincipalUser,
		Role:          "owner",
	}}
	if role := modeRole(mode >> 3); role != "" {
		perms = append(perms, domain.SourcePermission{
			PrincipalID:   "gid:" + strconv.FormatUint(uint64(st.Gid), 10),
			PrincipalType: domain.PrincipalGroup,
			Role:          role,
		})
	}
	if role := modeRole(mode); role != "" {
		perms = append(perms, domain.SourcePermission{
			PrincipalID:   "anyone",
			PrincipalType: domain.PrincipalAnyone,
			Role:          role,
		})
	}
	return perms
}

// modeRole reads the low three permission bits.
func modeRole(bits fs.FileMode) string {
	switch {
	case bits&0o2 != 0:
		return "write"
	case bits&0o4 != 0:
		return "read"
	}
	return ""
}

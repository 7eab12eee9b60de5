package fsops

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// POSIX implements FS directly against the local filesystem using
// os.Lstat/os.Readlink/os.Remove. It has no notion of stripes, FIDs,
// or a reverse path index, so those operations return ErrUnsupported
// — a plain ext4/xfs/NFS mount, as opposed to a Lustre one.
type POSIX struct{}

// NewPOSIX returns an FS backed by plain POSIX syscalls.
func NewPOSIX() POSIX { return POSIX{} }

func (POSIX) Lstat(path string) (Stat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESTALE) {
			return Stat{}, ErrVanished
		}
		return Stat{}, err
	}
	return Stat{
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
		IsLink:  info.Mode()&os.ModeSymlink != 0,
	}, nil
}

func (POSIX) Readlink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESTALE) {
			return "", ErrVanished
		}
		return "", err
	}
	return target, nil
}

func (POSIX) GetStripeByPath(string) (StripeInfo, []StripeItem, error) {
	return StripeInfo{}, nil, ErrUnsupported
}

func (POSIX) GetFIDByPath(string) (string, error) {
	return "", ErrUnsupported
}

func (POSIX) GetFullpath(string) (string, error) {
	return "", ErrUnsupported
}

func (POSIX) MDSStatByID(string) (Stat, error) {
	return Stat{}, ErrUnsupported
}

func (POSIX) Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrVanished
		}
		return err
	}
	return nil
}

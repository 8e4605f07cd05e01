//go:build !unix

package transfer

import "io/fs"

type fileID struct{}

func identify(fs.FileInfo) (fileID, bool) {
	return fileID{}, false
}

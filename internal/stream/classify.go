package stream

import "strings"

// FileInfo is a path together with the parts derived from it.
type FileInfo struct {
	Path     string
	Basename string
	Ext      string
}

// Classify derives the basename and lower-cased extension of path.
// Both `/` and `\` count as separators. A dotfile with no further dot has no extension.
func Classify(path string) FileInfo {
	base := path
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		base = path[i+1:]
	}

	var ext string
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		ext = strings.ToLower(base[i+1:])
	}

	return FileInfo{Path: path, Basename: base, Ext: ext}
}

package gate

// FilesystemManager abstracts the filesystem checks the gate performs so
// tests can run without touching disk.
type FilesystemManager interface {
	// Resolve joins rawPath onto root when relative, cleans it, and rejects
	// paths that escape root or name a symlink.
	Resolve(root, rawPath string) (string, error)

	// IsFile reports whether path exists and is a regular file.
	IsFile(path string) bool
}

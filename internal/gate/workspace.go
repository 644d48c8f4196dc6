package gate

import "context"

// Workspace wraps the git verbs the pipeline needs. File arguments are
// relative to Root. Every method except Push, HasRemote and IsRepository
// reports failures as *GitCommandError.
type Workspace interface {
	Root() string

	// IsRepository reports whether Root is inside a git working tree.
	IsRepository(ctx context.Context) bool

	// Status returns porcelain status output, limited to file when non-empty.
	Status(ctx context.Context, file string) (string, error)

	// Diff returns the diff for file. A file with no tracked history yields a
	// synthesized diff listing its whole content as additions.
	Diff(ctx context.Context, file string, staged bool) (string, error)

	Add(ctx context.Context, file string) error

	// Commit commits file alone and returns the new commit hash. Other
	// changes in the index are left staged and out of the commit.
	Commit(ctx context.Context, file, message, authorName, authorEmail string) (string, error)

	// Push pushes the current branch. It returns false when no remote is
	// configured or the push fails; it never returns an error.
	Push(ctx context.Context) bool

	HasRemote(ctx context.Context) bool

	// CheckoutPrevious restores file to its content in the parent of ref
	// (HEAD when ref is empty). A file absent in the parent, or a ref that is
	// a root commit, removes it. An unresolvable ref is an error.
	CheckoutPrevious(ctx context.Context, file, ref string) error

	// Restore resets file in the index and working tree to HEAD.
	Restore(ctx context.Context, file string) error
}

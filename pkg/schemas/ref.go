package schemas

import "strings"

const (
	// TagRefPrefix is the prefix of every git reference pointing to a tag.
	TagRefPrefix string = "refs/tags/"

	// BranchRefPrefix is the prefix of every git reference pointing to a branch.
	BranchRefPrefix string = "refs/heads/"

	// RefKindBranch refers to a branch reference kind.
	RefKindBranch RefKind = "branch"

	// RefKindTag refers to a tag reference kind.
	RefKindTag RefKind = "tag"

	// RefKindUnknown is returned for references which are neither a branch nor a tag.
	RefKindUnknown RefKind = "unknown"
)

// RefKind is a custom type used to determine the kind of reference.
type RefKind string

// KindOfRef returns the kind of the given fully qualified git reference.
func KindOfRef(ref string) RefKind {
	switch {
	case strings.HasPrefix(ref, TagRefPrefix):
		return RefKindTag
	case strings.HasPrefix(ref, BranchRefPrefix):
		return RefKindBranch
	default:
		return RefKindUnknown
	}
}

// TagFromRef extracts the tag name from a reference such as refs/tags/v1.2.3.
// The boolean is false when the reference is not a tag reference.
func TagFromRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, TagRefPrefix) {
		return "", false
	}

	return strings.TrimPrefix(ref, TagRefPrefix), true
}

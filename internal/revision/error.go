package revision

import "fmt"

// ErrorKind enumerates the ways a revspec can fail to parse.
type ErrorKind int

const (
	// UnconsumedInput means parsing stopped before the end of the
	// string, leaving trailing bytes the grammar has no production for.
	UnconsumedInput ErrorKind = iota
	// UnclosedBracePair means a "{" opened by "@{" or "^{" was never
	// matched by a "}", accounting for "\{"/"\}" escapes.
	UnclosedBracePair
	// EmptyTopLevelRegex means ":/" was followed by nothing (after
	// stripping an optional "!!"/"!-" modifier). An empty "^{/}" is not
	// an error; it is skipped without a Find callback.
	EmptyTopLevelRegex
	// NegativeZero means a number field parsed to zero but the input
	// carried a literal leading "-".
	NegativeZero
	// SignedNumber means a field that must be an unsigned count (a
	// "~N") carried an explicit sign.
	SignedNumber
	// KindSetTwice means both a leading "^" and a ".."/"..." range
	// operator tried to set the delegate's Kind.
	KindSetTwice
	// MissingTildeAnchor means "~" appeared with nothing before it to
	// anchor the ancestry walk to.
	MissingTildeAnchor
	// Delegate means a Delegate callback returned ok=false.
	Delegate
)

func (k ErrorKind) String() string {
	switch k {
	case UnconsumedInput:
		return "unconsumed input"
	case UnclosedBracePair:
		return "unclosed brace pair"
	case EmptyTopLevelRegex:
		return "empty top-level regex"
	case NegativeZero:
		return "negative zero"
	case SignedNumber:
		return "signed number where an unsigned count was expected"
	case KindSetTwice:
		return "range kind set twice"
	case MissingTildeAnchor:
		return "tilde without an anchoring revision"
	case Delegate:
		return "delegate rejected a callback"
	default:
		return "unknown revspec error"
	}
}

// Error reports a failure to parse a revspec, naming the offending
// input fragment alongside the ErrorKind.
type Error struct {
	Kind  ErrorKind
	Input string
}

func (e *Error) Error() string {
	if e.Input == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %q", e.Kind, e.Input)
}

func errf(kind ErrorKind, input string) error { return &Error{Kind: kind, Input: input} }

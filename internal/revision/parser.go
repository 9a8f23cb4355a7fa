package revision

import (
	"regexp"
	"strconv"
	"strings"
)

// minHexPrefixLen is the shortest run of hex digits the parser will
// offer to the delegate as an abbreviated object id rather than as a
// ref name.
const minHexPrefixLen = 4

var describeAnchorPattern = regexp.MustCompile(`^(.+)-([0-9]+)-g([0-9a-fA-F]+)$`)

// Parse parses a single Git revspec, invoking delegate for each
// grammar production it recognizes. It returns nil only once the
// entire input has been consumed and every delegate callback accepted
// its value; otherwise it returns an *Error naming why parsing
// stopped.
func Parse(input string, delegate Delegate) error {
	ic := &intercept{inner: delegate}

	rest := input
	var prevKind *Kind
	if strings.HasPrefix(rest, "^") {
		rest = rest[1:]
		k := ExcludeReachable
		if !ic.Kind(k) {
			return errf(Delegate, rest)
		}
		prevKind = &k
	}

	before := rest
	rest, err := parseRevision(rest, ic)
	if err != nil {
		return err
	}
	foundRevision := rest != before

	if ic.done {
		if rest == "" {
			return nil
		}
		return errf(UnconsumedInput, rest)
	}

	if after, kind, ok := tryRange(rest); ok {
		if prevKind != nil {
			return errf(KindSetTwice, rest)
		}
		if !foundRevision {
			if !ic.FindRef("HEAD") {
				return errf(Delegate, "HEAD")
			}
		}
		if !ic.Kind(kind) {
			return errf(Delegate, rest)
		}
		before = after
		rest, err = parseRevision(after, ic)
		if err != nil {
			return err
		}
		foundRevision = rest != before
		if !foundRevision {
			if !ic.FindRef("HEAD") {
				return errf(Delegate, "HEAD")
			}
		}
	}

	if rest == "" {
		ic.Done()
		return nil
	}
	return errf(UnconsumedInput, rest)
}

func tryRange(s string) (string, Kind, bool) {
	if rest, ok := strings.CutPrefix(s, "..."); ok {
		return rest, ReachableToMergeBase, true
	}
	if rest, ok := strings.CutPrefix(s, ".."); ok {
		return rest, RangeBetween, true
	}
	return s, 0, false
}

// intercept wraps a caller's Delegate, forwarding every callback and
// latching Done so Parse can tell a fully-consumed revspec from one
// that merely ran out of grammar to apply.
type intercept struct {
	inner Delegate
	done  bool
}

func (ic *intercept) FindRef(name string) bool { return ic.inner.FindRef(name) }
func (ic *intercept) DisambiguatePrefix(prefix string, hint *PrefixHint) bool {
	return ic.inner.DisambiguatePrefix(prefix, hint)
}
func (ic *intercept) NthCheckedOutBranch(n int) bool        { return ic.inner.NthCheckedOutBranch(n) }
func (ic *intercept) SiblingBranch(kind SiblingBranch) bool { return ic.inner.SiblingBranch(kind) }
func (ic *intercept) Reflog(query ReflogLookup) bool        { return ic.inner.Reflog(query) }
func (ic *intercept) Traverse(step Traversal) bool          { return ic.inner.Traverse(step) }
func (ic *intercept) PeelUntil(target PeelTo) bool          { return ic.inner.PeelUntil(target) }
func (ic *intercept) Find(regex string, negated bool) bool  { return ic.inner.Find(regex, negated) }
func (ic *intercept) IndexLookup(path string, stage uint8) bool {
	return ic.inner.IndexLookup(path, stage)
}
func (ic *intercept) Kind(kind Kind) bool { return ic.inner.Kind(kind) }
func (ic *intercept) Done() {
	ic.done = true
	ic.inner.Done()
}

// parseRevision consumes one "name (nav_op)*" production and returns
// whatever of input it did not consume (empty once the whole revision
// grammar has been applied).
func parseRevision(input string, ic *intercept) (string, error) {
	if strings.HasPrefix(input, ":") {
		return parseTopLevelColon(input, ic)
	}

	sepPos, sepFound, hexRun := findSeparator(input)
	name := input
	if sepFound {
		name = input[:sepPos]
	}
	hasRefOrImplied := name == ""

	var sepByte byte
	restStart := len(input)
	if sepFound {
		sepByte = input[sepPos]
		restStart = sepPos
	}

	switch {
	case name == "" && sepFound && sepByte == '@' && !(sepPos+1 < len(input) && input[sepPos+1] == '{'):
		if !ic.FindRef("HEAD") {
			return "", errf(Delegate, "HEAD")
		}
		sepPos++
		if sepPos >= len(input) {
			return "", nil
		}
		sepByte = input[sepPos]
		restStart = sepPos
		hasRefOrImplied = true
	case name == "":
		if !ic.FindRef("HEAD") {
			return "", errf(Delegate, "HEAD")
		}
		hasRefOrImplied = true
	case hexRun == len(name) && hexRun >= minHexPrefixLen:
		if !ic.DisambiguatePrefix(name, nil) {
			return "", errf(Delegate, name)
		}
	default:
		if refName, generation, hexPart, ok := matchDescribeAnchor(name); ok {
			hint := &PrefixHint{DescribeAnchor: true, RefName: refName, Generation: generation}
			if !ic.DisambiguatePrefix(hexPart, hint) {
				return "", errf(Delegate, hexPart)
			}
		} else {
			if !ic.FindRef(name) {
				return "", errf(Delegate, name)
			}
			hasRefOrImplied = true
		}
	}

	if !sepFound {
		return "", nil
	}

	var rest string
	if sepByte == '@' {
		var err error
		rest, err = parseAtNavigation(input, restStart, name, hasRefOrImplied, ic)
		if err != nil {
			return "", err
		}
	} else {
		if sepPos == 0 && sepByte == '~' {
			return "", errf(MissingTildeAnchor, input)
		}
		rest = input[restStart:]
	}

	return navigate(rest, ic)
}

func parseTopLevelColon(input string, ic *intercept) (string, error) {
	switch {
	case input == ":":
		return "", errf(UnconsumedInput, input)
	case strings.HasPrefix(input, ":/"):
		regex, negated, err := parseRegexModifier(input[2:])
		if err != nil {
			return "", err
		}
		if regex == "" {
			return "", errf(EmptyTopLevelRegex, input)
		}
		if !ic.Find(regex, negated) {
			return "", errf(Delegate, regex)
		}
		return "", nil
	case len(input) >= 3 && (input[1] == '0' || input[1] == '1' || input[1] == '2') && input[2] == ':':
		stage := input[1] - '0'
		path := input[3:]
		if !ic.IndexLookup(path, stage) {
			return "", errf(Delegate, path)
		}
		return "", nil
	default:
		path := input[1:]
		if !ic.IndexLookup(path, 0) {
			return "", errf(Delegate, path)
		}
		return "", nil
	}
}

// parseAtNavigation handles the "@{...}" suffix: reflog lookups by
// entry number or date, the negative-index "Nth checked out branch"
// form, and the "upstream"/"push" sibling-branch keywords.
func parseAtNavigation(input string, atPos int, name string, hasRefOrImplied bool, ic *intercept) (string, error) {
	pastSep := input[atPos+1:]
	inner, rest, hasBraces, err := parseBraces(pastSep)
	if err != nil {
		return "", err
	}
	if !hasBraces {
		return "", errf(UnconsumedInput, pastSep)
	}

	n, consumed, hasDigits, err := parseSignedRun(inner)
	if err != nil {
		return "", err
	}

	siblingKind, isSibling := parseSiblingBranch(inner)

	switch {
	case hasDigits && consumed == len(inner):
		if n < 0 {
			if name != "" {
				return "", errf(UnconsumedInput, inner)
			}
			if !ic.NthCheckedOutBranch(-n) {
				return "", errf(Delegate, inner)
			}
		} else if hasRefOrImplied {
			if !ic.Reflog(reflogEntry(n)) {
				return "", errf(Delegate, inner)
			}
		} else {
			return "", errf(UnconsumedInput, inner)
		}
	case isSibling:
		if !hasRefOrImplied {
			return "", errf(UnconsumedInput, inner)
		}
		if !ic.SiblingBranch(siblingKind) {
			return "", errf(Delegate, inner)
		}
	default:
		if !hasRefOrImplied {
			return "", errf(UnconsumedInput, inner)
		}
		when, err := parseApproxDate(inner)
		if err != nil {
			return "", err
		}
		if !ic.Reflog(reflogDate(when)) {
			return "", errf(Delegate, inner)
		}
	}
	return rest, nil
}

// navigate consumes a run of "~N", "^N"/"^{kind}"/"^!"/"^@", and a
// trailing ":path" navigation, in the order they appear.
func navigate(input string, ic *intercept) (string, error) {
	cursor := 0
	for cursor < len(input) {
		b := input[cursor]
		cursor++
		switch b {
		case '~':
			rest := input[cursor:]
			n, consumed, hasDigits, err := parseUnsignedRun(rest)
			if err != nil {
				return "", err
			}
			if !hasDigits {
				n = 1
			}
			if n != 0 {
				if !ic.Traverse(Traversal{NthAncestor: true, N: n}) {
					return "", errf(Delegate, rest)
				}
			}
			cursor += consumed
		case '^':
			rest := input[cursor:]
			if n, consumed, hasDigits, err := parseSignedRun(rest); err != nil {
				return "", err
			} else if hasDigits {
				switch {
				case n < 0:
					if !ic.Traverse(Traversal{N: -n}) {
						return "", errf(Delegate, rest)
					}
				case n == 0:
					if !ic.PeelUntil(peelToKind(KindCommit)) {
						return "", errf(Delegate, rest)
					}
				default:
					if !ic.Traverse(Traversal{N: n}) {
						return "", errf(Delegate, rest)
					}
				}
				cursor += consumed
				continue
			}
			if inner, braceRest, hasBraces, err := parseBraces(rest); err != nil {
				return "", err
			} else if hasBraces {
				cursor = len(input) - len(braceRest)
				if strings.HasPrefix(inner, "/") {
					regex, negated, err := parseRegexModifier(inner[1:])
					if err != nil {
						return "", err
					}
					if regex != "" {
						if !ic.Find(regex, negated) {
							return "", errf(Delegate, regex)
						}
					}
					continue
				}
				target, ok := peelTargetFromBraceContent(inner)
				if !ok {
					return "", errf(UnconsumedInput, inner)
				}
				if !ic.PeelUntil(target) {
					return "", errf(Delegate, inner)
				}
				continue
			}
			if strings.HasPrefix(rest, "!") {
				if !ic.Kind(ExcludeReachableFromParents) {
					return "", errf(Delegate, rest)
				}
				ic.Done()
				return rest[1:], nil
			}
			if strings.HasPrefix(rest, "@") {
				if !ic.Kind(IncludeReachableFromParents) {
					return "", errf(Delegate, rest)
				}
				ic.Done()
				return rest[1:], nil
			}
			if !ic.Traverse(Traversal{N: 1}) {
				return "", errf(Delegate, rest)
			}
		case ':':
			path := input[cursor:]
			if !ic.PeelUntil(peelToPath(path)) {
				return "", errf(Delegate, path)
			}
			return "", nil
		default:
			return input[cursor-1:], nil
		}
	}
	return "", nil
}

func peelTargetFromBraceContent(inner string) (PeelTo, bool) {
	switch inner {
	case "commit":
		return peelToKind(KindCommit), true
	case "tag":
		return peelToKind(KindTag), true
	case "tree":
		return peelToKind(KindTree), true
	case "blob":
		return peelToKind(KindBlob), true
	case "object":
		return PeelTo{ValidObject: true}, true
	case "":
		return PeelTo{RecursiveTag: true}, true
	default:
		return PeelTo{}, false
	}
}

// findSeparator locates the next "~^:." that actually splits a name
// from its navigation suffix, respecting "@{...}" grouping and the
// fact that a lone "." (not part of "..") is ordinary name text. It
// also reports how many leading bytes of input were hex digits, which
// the caller uses to decide whether name is an abbreviated object id.
func findSeparator(input string) (pos int, found bool, hexRun int) {
	consecutiveHex := 0
	hexKnown := true
	offset := 0
	cursor := input

	for {
		idx := -1
		var b byte
		for i := 0; i < len(cursor); i++ {
			c := cursor[i]
			if c == '@' {
				if len(cursor) == 1 {
					idx, b = i, c
					break
				}
				hasNext := i+1 < len(cursor)
				hasNextNext := i+2 < len(cursor)
				if i != 0 && hasNext && cursor[i+1] == '.' && hasNextNext && cursor[i+2] == '.' {
					continue
				}
				if (hasNext && cursor[i+1] == '{') || (hasNext && isSeparatorByte(cursor[i+1])) {
					idx, b = i, c
					break
				}
				continue
			}
			if isSeparatorByte(c) {
				idx, b = i, c
				break
			}
			if hexKnown {
				if isHexByte(c) {
					consecutiveHex++
				} else {
					hexKnown = false
				}
			}
		}
		if idx < 0 {
			return 0, false, consecutiveHex
		}
		if b != '.' || (idx+1 < len(cursor) && cursor[idx+1] == '.') {
			return offset + idx, true, consecutiveHex
		}
		offset += idx + 1
		cursor = cursor[idx+1:]
	}
}

func isSeparatorByte(b byte) bool {
	switch b {
	case '~', '^', ':', '.':
		return true
	}
	return false
}

func isHexByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// parseBraces reads a "{...}" group from the start of input,
// resolving "\{"/"\}" escapes per the skip-list technique: track the
// positions of backslashes that actually escaped a brace, then strip
// them out of the returned inner text in one pass.
func parseBraces(input string) (inner string, rest string, ok bool, err error) {
	if !strings.HasPrefix(input, "{") {
		return "", input, false, nil
	}
	openBraces := 0
	ignoreNext := false
	var skip []int
	for idx := 0; idx < len(input); idx++ {
		b := input[idx]
		switch b {
		case '{':
			if ignoreNext {
				ignoreNext = false
			} else {
				openBraces++
			}
		case '}':
			if ignoreNext {
				ignoreNext = false
			} else {
				openBraces--
			}
		case '\\':
			skip = append(skip, idx)
			if ignoreNext {
				skip = skip[:len(skip)-1]
				ignoreNext = false
			} else {
				ignoreNext = true
			}
		default:
			if ignoreNext {
				skip = skip[:len(skip)-1]
			}
			ignoreNext = false
		}
		if openBraces == 0 {
			var buf strings.Builder
			from := 1
			for _, sk := range skip {
				buf.WriteString(input[from:sk])
				from = sk + 1
			}
			if from <= idx {
				buf.WriteString(input[from:idx])
			}
			return buf.String(), input[idx+1:], true, nil
		}
	}
	return "", "", false, errf(UnclosedBracePair, input)
}

func parseRegexModifier(s string) (regex string, negated bool, err error) {
	if !strings.HasPrefix(s, "!") {
		return s, false, nil
	}
	rest := s[1:]
	switch {
	case strings.HasPrefix(rest, "!"):
		return rest[1:], false, nil
	case strings.HasPrefix(rest, "-"):
		return rest[1:], true, nil
	default:
		return "", false, errf(UnconsumedInput, s)
	}
}

// parseUnsignedRun reads a run of decimal digits with no explicit
// sign, as required after "~". A leading "+"/"-" is rejected outright.
func parseUnsignedRun(input string) (n int, consumed int, hasDigits bool, err error) {
	if len(input) > 0 && (input[0] == '-' || input[0] == '+') {
		return 0, 0, false, errf(SignedNumber, input)
	}
	i := 0
	for i < len(input) && input[i] >= '0' && input[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, 0, false, nil
	}
	v, convErr := strconv.Atoi(input[:i])
	if convErr != nil {
		return 0, 0, false, errf(UnconsumedInput, input[:i])
	}
	return v, i, true, nil
}

// parseSignedRun reads an optionally "-"-prefixed run of decimal
// digits, as used after "^" and inside "@{...}". An explicit "+" is
// rejected; a result of exactly zero with an explicit "-" is NegativeZero.
func parseSignedRun(input string) (n int, consumed int, hasDigits bool, err error) {
	if len(input) > 0 && input[0] == '+' {
		return 0, 0, false, errf(SignedNumber, input)
	}
	negative := len(input) > 0 && input[0] == '-'
	i := 0
	if negative {
		i = 1
	}
	start := i
	for i < len(input) && input[i] >= '0' && input[i] <= '9' {
		i++
	}
	if i == start {
		return 0, 0, false, nil
	}
	v, convErr := strconv.Atoi(input[start:i])
	if convErr != nil {
		return 0, 0, false, errf(UnconsumedInput, input[start:i])
	}
	if negative {
		v = -v
		if v == 0 {
			return 0, i, true, errf(NegativeZero, input[:i])
		}
	}
	return v, i, true, nil
}

func matchDescribeAnchor(name string) (refName string, generation int, hexPart string, ok bool) {
	m := describeAnchorPattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, "", false
	}
	gen, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", false
	}
	return m[1], gen, m[3], true
}

package digest

import "fmt"

// SyntaxError reports input that does not match the digest grammar.
type SyntaxError struct {
	Input  string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid digest %q: %s", e.Input, e.Reason)
}

// UnsupportedAlgorithmError reports a well-formed digest whose algorithm is
// not recognized.
type UnsupportedAlgorithmError struct {
	Algorithm string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported digest algorithm: %s", e.Algorithm)
}

// scanner is a recursive-descent recognizer for the digest grammar.
type scanner struct {
	input string
	pos   int
}

// scan splits s into its algorithm and hex tokens.
func scan(s string) (string, string, error) {
	sc := &scanner{input: s}

	algorithm, err := sc.algorithm()
	if err != nil {
		return "", "", err
	}

	if !sc.accept(':') {
		return "", "", sc.fail("expected ':' after algorithm")
	}

	hex, err := sc.hex()
	if err != nil {
		return "", "", err
	}

	if sc.pos != len(sc.input) {
		return "", "", sc.fail("unexpected trailing characters")
	}

	return algorithm, hex, nil
}

// algorithm := component (separator component)*
func (sc *scanner) algorithm() (string, error) {
	start := sc.pos
	if !sc.component() {
		return "", sc.fail("expected algorithm")
	}

	for sc.pos < len(sc.input) && isSeparator(sc.input[sc.pos]) {
		sc.pos++
		if !sc.component() {
			return "", sc.fail("expected algorithm component after separator")
		}
	}

	return sc.input[start:sc.pos], nil
}

func (sc *scanner) component() bool {
	start := sc.pos
	for sc.pos < len(sc.input) && isAlnum(sc.input[sc.pos]) {
		sc.pos++
	}
	return sc.pos > start
}

// hex := [a-f0-9]+
func (sc *scanner) hex() (string, error) {
	start := sc.pos
	for sc.pos < len(sc.input) && isHex(sc.input[sc.pos]) {
		sc.pos++
	}
	if sc.pos == start {
		return "", sc.fail("expected hex encoded digest")
	}
	return sc.input[start:sc.pos], nil
}

func (sc *scanner) accept(c byte) bool {
	if sc.pos < len(sc.input) && sc.input[sc.pos] == c {
		sc.pos++
		return true
	}
	return false
}

func (sc *scanner) fail(reason string) error {
	return &SyntaxError{
		Input:  sc.input,
		Reason: fmt.Sprintf("%s at offset %d", reason, sc.pos),
	}
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func isHex(c byte) bool {
	return (c >= 'a' && c <= 'f') || (c >= '0' && c <= '9')
}

func isSeparator(c byte) bool {
	return c == '+' || c == '.' || c == '_' || c == '-'
}

package patcher

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bnema/ardysactl/internal/errs"
	"github.com/bnema/ardysactl/internal/target"
)

// errMarkerMissing is returned by Revert when the inverse cannot locate what
// it must undo. The patcher falls back to the newest backup.
var errMarkerMissing = errors.New("patch marker not found")

// Point is one modification of one game file
type Point interface {
	Name() string
	File(t *target.Target) string
	Modes() []Mode
	// Applied reports whether the staged file already carries the patch
	Applied(s *Stage, t *target.Target) (bool, error)
	Apply(s *Stage, t *target.Target) error
	Revert(s *Stage, t *target.Target) error
}

func runsIn(p Point, mode Mode) bool {
	for _, m := range p.Modes() {
		if m == mode {
			return true
		}
	}
	return false
}

func readPoint(s *Stage, p Point, t *target.Target) ([]byte, error) {
	data, err := s.Read(p.File(t))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s: %v", errs.ErrPatchPointNotFound, p.Name(), t.Rel(p.File(t)), err)
	}
	return data, nil
}

// SearchPathPoint adds the mods directory to the SearchPaths block of the
// gameinfo file so the merged archive is mounted.
type SearchPathPoint struct {
	Dir string
}

var searchPathsRe = regexp.MustCompile(`(?i)^\s*SearchPaths\s*(\{)?\s*$`)

func (p SearchPathPoint) dir() string {
	if p.Dir == "" {
		return target.ModsDirName
	}
	return p.Dir
}

func (p SearchPathPoint) Name() string                 { return "gameinfo-search-path" }
func (p SearchPathPoint) File(t *target.Target) string { return t.GameInfoPath }
func (p SearchPathPoint) Modes() []Mode                { return []Mode{Full} }

func (p SearchPathPoint) entryRe() *regexp.Regexp {
	return regexp.MustCompile(`(?i)^\s*Game\s+` + regexp.QuoteMeta(p.dir()) + `\s*$`)
}

func (p SearchPathPoint) Applied(s *Stage, t *target.Target) (bool, error) {
	data, err := readPoint(s, p, t)
	if err != nil {
		return false, err
	}
	re := p.entryRe()
	for _, line := range splitLines(data) {
		if re.MatchString(line) {
			return true, nil
		}
	}
	return false, nil
}

func (p SearchPathPoint) Apply(s *Stage, t *target.Target) error {
	if ok, err := p.Applied(s, t); err != nil || ok {
		return err
	}
	data, _ := s.Read(p.File(t))
	lines, eol := splitLines(data), lineEnding(data)

	open := -1
	for i, line := range lines {
		if m := searchPathsRe.FindStringSubmatch(line); m != nil {
			if m[1] != "" {
				open = i
				break
			}
			for j := i + 1; j < len(lines); j++ {
				if strings.TrimSpace(lines[j]) == "{" {
					open = j
					break
				}
			}
			break
		}
	}
	if open < 0 {
		return fmt.Errorf("%w: %s: SearchPaths block not found", errs.ErrPatchPointNotFound, p.Name())
	}

	indent := leadingSpace(lines[open]) + "\t"
	if open+1 < len(lines) && strings.TrimSpace(lines[open+1]) != "}" {
		indent = leadingSpace(lines[open+1])
	}
	entry := indent + "Game\t\t\t\t" + p.dir()

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:open+1]...)
	out = append(out, entry)
	out = append(out, lines[open+1:]...)
	return s.Write(p.File(t), joinLines(out, eol, data))
}

func (p SearchPathPoint) Revert(s *Stage, t *target.Target) error {
	data, err := readPoint(s, p, t)
	if err != nil {
		return err
	}
	re := p.entryRe()
	lines := splitLines(data)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if !re.MatchString(line) {
			out = append(out, line)
		}
	}
	if len(out) == len(lines) {
		return nil
	}
	return s.Write(p.File(t), joinLines(out, lineEnding(data), data))
}

// DigestLinePoint rewrites the line of the signatures file that records the
// expected digest of the gameinfo file, so the staged gameinfo validates.
type DigestLinePoint struct{}

func (DigestLinePoint) Name() string                 { return "signatures-digest" }
func (DigestLinePoint) File(t *target.Target) string { return t.SignaturesPath }
func (DigestLinePoint) Modes() []Mode                { return []Mode{Quick, Full} }

func (p DigestLinePoint) key(t *target.Target) string {
	return strings.ToLower(filepath.Base(t.GameInfoPath)) + "~"
}

// expected returns the digest line for the staged gameinfo content
func (p DigestLinePoint) expected(s *Stage, t *target.Target) (string, error) {
	gi, err := s.Read(t.GameInfoPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: reading gameinfo: %v", errs.ErrPatchPointNotFound, p.Name(), err)
	}
	sum := sha1.Sum(gi)
	return fmt.Sprintf("%sSHA1:%s;CRC:%08x", p.key(t), hex.EncodeToString(sum[:]), crc32.ChecksumIEEE(gi)), nil
}

func (p DigestLinePoint) find(lines []string, t *target.Target) int {
	key := p.key(t)
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), key) {
			return i
		}
	}
	return -1
}

func (p DigestLinePoint) Applied(s *Stage, t *target.Target) (bool, error) {
	data, err := readPoint(s, p, t)
	if err != nil {
		return false, err
	}
	want, err := p.expected(s, t)
	if err != nil {
		return false, err
	}
	lines := splitLines(data)
	i := p.find(lines, t)
	if i < 0 {
		return false, nil
	}
	return strings.EqualFold(strings.TrimSpace(lines[i]), want), nil
}

func (p DigestLinePoint) Apply(s *Stage, t *target.Target) error {
	data, err := readPoint(s, p, t)
	if err != nil {
		return err
	}
	want, err := p.expected(s, t)
	if err != nil {
		return err
	}

	lines := splitLines(data)
	i := p.find(lines, t)
	if i < 0 {
		return fmt.Errorf("%w: %s: no %s entry in %s", errs.ErrPatchPointNotFound, p.Name(), p.key(t), t.Rel(p.File(t)))
	}
	if strings.EqualFold(strings.TrimSpace(lines[i]), want) {
		return nil
	}
	lines[i] = leadingSpace(lines[i]) + want
	return s.Write(p.File(t), joinLines(lines, lineEnding(data), data))
}

// Revert recomputes the digest from the staged gameinfo, which earlier points
// have already reverted.
func (p DigestLinePoint) Revert(s *Stage, t *target.Target) error {
	data, err := readPoint(s, p, t)
	if err != nil {
		return err
	}
	if p.find(splitLines(data), t) < 0 {
		return errMarkerMissing
	}
	return p.Apply(s, t)
}

// BytePatternPoint replaces a byte signature in a binary. Pattern and
// Replace are hex strings of equal length; "??" in Pattern matches any
// byte and "??" in Replace keeps the original byte.
type BytePatternPoint struct {
	ID      string
	Path    string
	Pattern string
	Replace string
	In      []Mode
}

func (p BytePatternPoint) Name() string { return p.ID }

func (p BytePatternPoint) File(t *target.Target) string {
	return target.Resolve(t.Root, strings.Split(filepath.ToSlash(p.Path), "/")...)
}

func (p BytePatternPoint) Modes() []Mode {
	if len(p.In) == 0 {
		return []Mode{Full}
	}
	return p.In
}

type maskedBytes struct {
	b    []byte
	mask []bool // true for wildcard
}

func parseHex(s string) (maskedBytes, error) {
	var out maskedBytes
	for _, tok := range strings.Fields(s) {
		if tok == "??" || tok == "?" {
			out.b = append(out.b, 0)
			out.mask = append(out.mask, true)
			continue
		}
		v, err := hex.DecodeString(tok)
		if err != nil || len(v) != 1 {
			return out, fmt.Errorf("invalid hex byte %q", tok)
		}
		out.b = append(out.b, v[0])
		out.mask = append(out.mask, false)
	}
	if len(out.b) == 0 {
		return out, errors.New("empty pattern")
	}
	return out, nil
}

// parse decodes the signature and the replacement. Wildcards of the
// signature are also wildcards of the replacement for inverse lookup.
func (p BytePatternPoint) parse() (orig, repl maskedBytes, err error) {
	orig, err = parseHex(p.Pattern)
	if err != nil {
		return orig, repl, fmt.Errorf("%s: pattern: %w", p.ID, err)
	}
	repl, err = parseHex(p.Replace)
	if err != nil {
		return orig, repl, fmt.Errorf("%s: replace: %w", p.ID, err)
	}
	if len(orig.b) != len(repl.b) {
		return orig, repl, fmt.Errorf("%s: pattern and replace differ in length", p.ID)
	}
	for i := range repl.mask {
		repl.mask[i] = repl.mask[i] || orig.mask[i]
	}
	return orig, repl, nil
}

func indexMasked(data []byte, m maskedBytes) int {
	n := len(m.b)
outer:
	for i := 0; i+n <= len(data); i++ {
		for j := 0; j < n; j++ {
			if !m.mask[j] && data[i+j] != m.b[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func overlay(data []byte, at int, m maskedBytes) []byte {
	out := append([]byte(nil), data...)
	for j := range m.b {
		if !m.mask[j] {
			out[at+j] = m.b[j]
		}
	}
	return out
}

func (p BytePatternPoint) Applied(s *Stage, t *target.Target) (bool, error) {
	data, err := readPoint(s, p, t)
	if err != nil {
		return false, err
	}
	orig, repl, err := p.parse()
	if err != nil {
		return false, err
	}
	return indexMasked(data, orig) < 0 && indexMasked(data, repl) >= 0, nil
}

func (p BytePatternPoint) Apply(s *Stage, t *target.Target) error {
	data, err := readPoint(s, p, t)
	if err != nil {
		return err
	}
	orig, repl, err := p.parse()
	if err != nil {
		return err
	}

	at := indexMasked(data, orig)
	if at < 0 {
		if indexMasked(data, repl) >= 0 {
			return nil
		}
		return fmt.Errorf("%w: %s: signature not found in %s", errs.ErrPatchPointNotFound, p.ID, t.Rel(p.File(t)))
	}
	return s.Write(p.File(t), overlay(data, at, repl))
}

func (p BytePatternPoint) Revert(s *Stage, t *target.Target) error {
	data, err := readPoint(s, p, t)
	if err != nil {
		return err
	}
	orig, repl, err := p.parse()
	if err != nil {
		return err
	}

	at := indexMasked(data, repl)
	if at < 0 {
		if indexMasked(data, orig) >= 0 {
			return nil
		}
		return errMarkerMissing
	}
	return s.Write(p.File(t), overlay(data, at, orig))
}

func splitLines(data []byte) []string {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func lineEnding(data []byte) string {
	if bytes.Contains(data, []byte("\r\n")) {
		return "\r\n"
	}
	return "\n"
}

// joinLines rebuilds file content, keeping a trailing newline if orig had one
func joinLines(lines []string, eol string, orig []byte) []byte {
	out := strings.Join(lines, eol)
	if bytes.HasSuffix(orig, []byte("\n")) {
		out += eol
	}
	return []byte(out)
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// Package vpk reads and writes Valve pak (VPK) directory archives, versions
// 1 and 2. Written archives are single-file: every entry's data lives in the
// _dir file after the tree (archive index 0x7fff).
package vpk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

const (
	Signature uint32 = 0x55aa1234

	embeddedIndex   uint16 = 0x7fff
	entryTerminator uint16 = 0xffff

	headerSizeV1 = 12
	headerSizeV2 = 28

	maxStringLen = 1024
)

// ErrInvalid is wrapped by every structural error
var ErrInvalid = errors.New("invalid vpk")

// Entry is one file inside an archive
type Entry struct {
	Path string
	CRC  uint32
	Size uint32

	data []byte
	src  *source
}

type source struct {
	file    string
	offset  int64
	length  uint32
	preload []byte
}

// Archive is an in-memory index of entries. Entry data is loaded lazily from
// the file it was read from.
type Archive struct {
	Version uint32
	entries map[string]*Entry
}

// New returns an empty archive that will be written as version 2
func New() *Archive {
	return &Archive{Version: 2, entries: make(map[string]*Entry)}
}

// NormalizePath lowercases p, uses forward slashes, and drops leading
// slashes and dot segments without escaping the root.
func NormalizePath(p string) string {
	s := strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	parts := strings.Split(s, "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
			continue
		}
		stack = append(stack, part)
	}
	return strings.Join(stack, "/")
}

// Add stores data under p, replacing any existing entry
func (a *Archive) Add(p string, data []byte) *Entry {
	key := NormalizePath(p)
	e := &Entry{
		Path: key,
		CRC:  crc32.ChecksumIEEE(data),
		Size: uint32(len(data)),
		data: data,
	}
	a.entries[key] = e
	return e
}

// Put stores an entry taken from another archive, replacing any existing
// entry at the same path
func (a *Archive) Put(e *Entry) {
	cp := *e
	cp.Path = NormalizePath(e.Path)
	a.entries[cp.Path] = &cp
}

// Get returns the entry at p
func (a *Archive) Get(p string) (*Entry, bool) {
	e, ok := a.entries[NormalizePath(p)]
	return e, ok
}

// Remove deletes the entry at p
func (a *Archive) Remove(p string) {
	delete(a.entries, NormalizePath(p))
}

// Len returns the number of entries
func (a *Archive) Len() int {
	return len(a.entries)
}

// Paths returns all entry paths sorted
func (a *Archive) Paths() []string {
	paths := make([]string, 0, len(a.entries))
	for p := range a.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Entries returns all entries sorted by path
func (a *Archive) Entries() []*Entry {
	out := make([]*Entry, 0, len(a.entries))
	for _, p := range a.Paths() {
		out = append(out, a.entries[p])
	}
	return out
}

// ReadAll returns the full content of the entry
func (e *Entry) ReadAll() ([]byte, error) {
	if e.src == nil {
		return e.data, nil
	}

	f, err := os.Open(e.src.file)
	if err != nil {
		return nil, fmt.Errorf("%w: opening data for %s: %v", ErrInvalid, e.Path, err)
	}
	defer func() { _ = f.Close() }()

	return e.src.read(f, e.Path)
}

func (s *source) read(r io.ReaderAt, name string) ([]byte, error) {
	buf := make([]byte, len(s.preload)+int(s.length))
	copy(buf, s.preload)
	if s.length > 0 {
		if _, err := r.ReadAt(buf[len(s.preload):], s.offset); err != nil {
			return nil, fmt.Errorf("%w: reading data for %s: %v", ErrInvalid, name, err)
		}
	}
	return buf, nil
}

type header struct {
	Signature           uint32
	Version             uint32
	TreeSize            uint32
	FileDataSectionSize uint32
	ArchiveMD5Size      uint32
	OtherMD5Size        uint32
	SignatureSize       uint32
}

func (h header) size() int64 {
	if h.Version == 1 {
		return headerSizeV1
	}
	return headerSizeV2
}

func readHeader(r io.Reader) (header, error) {
	var h header
	var base [headerSizeV1]byte
	if _, err := io.ReadFull(r, base[:]); err != nil {
		return h, fmt.Errorf("%w: short header: %v", ErrInvalid, err)
	}
	h.Signature = binary.LittleEndian.Uint32(base[0:4])
	h.Version = binary.LittleEndian.Uint32(base[4:8])
	h.TreeSize = binary.LittleEndian.Uint32(base[8:12])

	if h.Signature != Signature {
		return h, fmt.Errorf("%w: bad signature 0x%08x", ErrInvalid, h.Signature)
	}

	switch h.Version {
	case 1:
	case 2:
		var ext [headerSizeV2 - headerSizeV1]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return h, fmt.Errorf("%w: short v2 header: %v", ErrInvalid, err)
		}
		h.FileDataSectionSize = binary.LittleEndian.Uint32(ext[0:4])
		h.ArchiveMD5Size = binary.LittleEndian.Uint32(ext[4:8])
		h.OtherMD5Size = binary.LittleEndian.Uint32(ext[8:12])
		h.SignatureSize = binary.LittleEndian.Uint32(ext[12:16])
	default:
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalid, h.Version)
	}
	return h, nil
}

type record struct {
	path         string
	crc          uint32
	archiveIndex uint16
	offset       uint32
	length       uint32
	preload      []byte
}

type treeReader struct {
	buf []byte
	pos int
}

func (t *treeReader) cstring() (string, error) {
	end := bytes.IndexByte(t.buf[t.pos:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string in tree", ErrInvalid)
	}
	if end > maxStringLen {
		return "", fmt.Errorf("%w: tree string too long", ErrInvalid)
	}
	s := string(t.buf[t.pos : t.pos+end])
	t.pos += end + 1
	return s, nil
}

func (t *treeReader) next(n int) ([]byte, error) {
	if t.pos+n > len(t.buf) {
		return nil, fmt.Errorf("%w: truncated tree", ErrInvalid)
	}
	b := t.buf[t.pos : t.pos+n]
	t.pos += n
	return b, nil
}

func parseTree(tree []byte) ([]record, error) {
	tr := &treeReader{buf: tree}
	var records []record

	for {
		ext, err := tr.cstring()
		if err != nil {
			return nil, err
		}
		if ext == "" {
			break
		}
		for {
			dir, err := tr.cstring()
			if err != nil {
				return nil, err
			}
			if dir == "" {
				break
			}
			for {
				name, err := tr.cstring()
				if err != nil {
					return nil, err
				}
				if name == "" {
					break
				}

				raw, err := tr.next(18)
				if err != nil {
					return nil, err
				}
				rec := record{
					path:         joinPath(dir, name, ext),
					crc:          binary.LittleEndian.Uint32(raw[0:4]),
					archiveIndex: binary.LittleEndian.Uint16(raw[6:8]),
					offset:       binary.LittleEndian.Uint32(raw[8:12]),
					length:       binary.LittleEndian.Uint32(raw[12:16]),
				}
				if term := binary.LittleEndian.Uint16(raw[16:18]); term != entryTerminator {
					return nil, fmt.Errorf("%w: bad entry terminator for %s", ErrInvalid, rec.path)
				}
				if n := int(binary.LittleEndian.Uint16(raw[4:6])); n > 0 {
					preload, err := tr.next(n)
					if err != nil {
						return nil, err
					}
					rec.preload = append([]byte(nil), preload...)
				}
				records = append(records, rec)
			}
		}
	}

	if tr.pos != len(tree) {
		return nil, fmt.Errorf("%w: tree size mismatch (%d of %d bytes parsed)", ErrInvalid, tr.pos, len(tree))
	}
	return records, nil
}

func joinPath(dir, name, ext string) string {
	file := name
	if ext != " " {
		file = name + "." + ext
	}
	if dir == " " {
		return NormalizePath(file)
	}
	return NormalizePath(dir + "/" + file)
}

func splitPath(p string) (dir, name, ext string) {
	dir = path.Dir(p)
	if dir == "." {
		dir = " "
	}
	base := path.Base(p)
	if i := strings.LastIndexByte(base, '.'); i > 0 && i < len(base)-1 {
		return dir, base[:i], base[i+1:]
	}
	return dir, base, " "
}

// sibling returns the path of numbered data archive idx next to a _dir file
func sibling(dirPath string, idx uint16) string {
	base := strings.TrimSuffix(dirPath, ".vpk")
	base = strings.TrimSuffix(base, "_dir")
	return fmt.Sprintf("%s_%03d.vpk", base, idx)
}

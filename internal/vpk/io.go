package vpk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
)

// Open reads the directory of the archive at path. Entry data stays on disk
// until ReadAll is called.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	h, err := readHeader(f)
	if err != nil {
		return nil, err
	}

	dataStart := h.size() + int64(h.TreeSize)
	if dataStart > info.Size() {
		return nil, fmt.Errorf("%w: tree extends past end of file", ErrInvalid)
	}

	dataSize := info.Size() - dataStart
	if h.Version == 2 {
		trailer := int64(h.FileDataSectionSize) + int64(h.ArchiveMD5Size) + int64(h.OtherMD5Size) + int64(h.SignatureSize)
		if dataStart+trailer > info.Size() {
			return nil, fmt.Errorf("%w: sections extend past end of file", ErrInvalid)
		}
		dataSize = int64(h.FileDataSectionSize)
	}

	tree := make([]byte, h.TreeSize)
	if _, err := io.ReadFull(f, tree); err != nil {
		return nil, fmt.Errorf("%w: reading tree: %v", ErrInvalid, err)
	}

	records, err := parseTree(tree)
	if err != nil {
		return nil, err
	}

	a := &Archive{Version: h.Version, entries: make(map[string]*Entry, len(records))}
	for _, rec := range records {
		if _, dup := a.entries[rec.path]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrInvalid, rec.path)
		}

		src := &source{length: rec.length, preload: rec.preload}
		if rec.archiveIndex == embeddedIndex {
			if int64(rec.offset)+int64(rec.length) > dataSize {
				return nil, fmt.Errorf("%w: entry %s out of bounds", ErrInvalid, rec.path)
			}
			src.file = path
			src.offset = dataStart + int64(rec.offset)
		} else {
			src.file = sibling(path, rec.archiveIndex)
			src.offset = int64(rec.offset)
		}

		a.entries[rec.path] = &Entry{
			Path: rec.path,
			CRC:  rec.crc,
			Size: uint32(len(rec.preload)) + rec.length,
			src:  src,
		}
	}
	return a, nil
}

// Validate checks that the archive at path is structurally sound: header,
// tree, entry bounds and checksums. It returns nil for a usable archive.
func Validate(path string) error {
	a, err := Open(path)
	if err != nil {
		return err
	}
	if a.Len() == 0 {
		return fmt.Errorf("%w: archive has no entries", ErrInvalid)
	}

	handles := make(map[string]*os.File)
	defer func() {
		for _, f := range handles {
			_ = f.Close()
		}
	}()

	for _, e := range a.Entries() {
		f, ok := handles[e.src.file]
		if !ok {
			f, err = os.Open(e.src.file)
			if err != nil {
				return fmt.Errorf("%w: missing data archive for %s: %v", ErrInvalid, e.Path, err)
			}
			handles[e.src.file] = f
		}

		data, err := e.src.read(f, e.Path)
		if err != nil {
			return err
		}
		if crc := crc32.ChecksumIEEE(data); crc != e.CRC {
			return fmt.Errorf("%w: checksum mismatch for %s", ErrInvalid, e.Path)
		}
	}
	return nil
}

// WriteFile writes a as a single-file archive at path
func WriteFile(path string, a *Archive) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)

	if err := Write(w, a); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type dirGroup struct {
	dir   string
	files []*treeFile
}

type treeFile struct {
	name   string
	entry  *Entry
	offset uint32
}

// Write encodes a to w. The tree is sorted by extension, directory and name
// so equal archives encode to equal bytes.
func Write(w io.Writer, a *Archive) error {
	version := a.Version
	if version != 1 {
		version = 2
	}

	byExt := make(map[string]map[string][]*treeFile)
	for _, e := range a.Entries() {
		dir, name, ext := splitPath(e.Path)
		if byExt[ext] == nil {
			byExt[ext] = make(map[string][]*treeFile)
		}
		byExt[ext][dir] = append(byExt[ext][dir], &treeFile{name: name, entry: e})
	}

	exts := make([]string, 0, len(byExt))
	for ext := range byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	type extGroup struct {
		ext  string
		dirs []dirGroup
	}
	groups := make([]extGroup, 0, len(exts))
	var order []*treeFile
	var offset uint64

	for _, ext := range exts {
		dirs := make([]string, 0, len(byExt[ext]))
		for d := range byExt[ext] {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)

		g := extGroup{ext: ext}
		for _, d := range dirs {
			files := byExt[ext][d]
			sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
			for _, tf := range files {
				if offset+uint64(tf.entry.Size) > 0xffffffff {
					return fmt.Errorf("%w: archive data exceeds 4 GiB", ErrInvalid)
				}
				tf.offset = uint32(offset)
				offset += uint64(tf.entry.Size)
				order = append(order, tf)
			}
			g.dirs = append(g.dirs, dirGroup{dir: d, files: files})
		}
		groups = append(groups, g)
	}

	var tree bytes.Buffer
	for _, g := range groups {
		writeCString(&tree, g.ext)
		for _, d := range g.dirs {
			writeCString(&tree, d.dir)
			for _, tf := range d.files {
				writeCString(&tree, tf.name)
				var rec [18]byte
				binary.LittleEndian.PutUint32(rec[0:4], tf.entry.CRC)
				binary.LittleEndian.PutUint16(rec[4:6], 0)
				binary.LittleEndian.PutUint16(rec[6:8], embeddedIndex)
				binary.LittleEndian.PutUint32(rec[8:12], tf.offset)
				binary.LittleEndian.PutUint32(rec[12:16], tf.entry.Size)
				binary.LittleEndian.PutUint16(rec[16:18], entryTerminator)
				tree.Write(rec[:])
			}
			tree.WriteByte(0)
		}
		tree.WriteByte(0)
	}
	tree.WriteByte(0)

	hdr := make([]byte, 0, headerSizeV2)
	hdr = binary.LittleEndian.AppendUint32(hdr, Signature)
	hdr = binary.LittleEndian.AppendUint32(hdr, version)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(tree.Len()))
	if version == 2 {
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(offset))
		hdr = binary.LittleEndian.AppendUint32(hdr, 0)
		hdr = binary.LittleEndian.AppendUint32(hdr, 0)
		hdr = binary.LittleEndian.AppendUint32(hdr, 0)
	}

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.Write(tree.Bytes()); err != nil {
		return err
	}

	for _, tf := range order {
		data, err := tf.entry.ReadAll()
		if err != nil {
			return err
		}
		if uint32(len(data)) != tf.entry.Size {
			return fmt.Errorf("%w: size changed for %s", ErrInvalid, tf.entry.Path)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func writeCString(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

package version

import (
	"bufio"
	"bytes"
	"os"
	"strings"
)

// Descriptor contains parsed information from the game's steam.inf
type Descriptor struct {
	ClientVersion  string
	PatchVersion   string
	SourceRevision string
	VersionDate    string

	// Raw is the file content, used for byte identity comparison
	Raw []byte
}

// ReadDescriptor reads and parses the descriptor at path
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDescriptor(data)
}

// ParseDescriptor parses key=value lines. Unknown keys are ignored.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	d := &Descriptor{Raw: data}
	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch strings.ToLower(key) {
		case "clientversion":
			d.ClientVersion = value
		case "patchversion":
			d.PatchVersion = value
		case "sourcerevision":
			d.SourceRevision = value
		case "versiondate":
			d.VersionDate = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// String returns the display version, e.g. "6531 (1.0.0.0)"
func (d *Descriptor) String() string {
	switch {
	case d.ClientVersion != "" && d.PatchVersion != "":
		return d.ClientVersion + " (" + d.PatchVersion + ")"
	case d.ClientVersion != "":
		return d.ClientVersion
	case d.PatchVersion != "":
		return d.PatchVersion
	case d.SourceRevision != "":
		return "rev " + d.SourceRevision
	}
	return "unknown"
}

// sources-gen writes a source list for a directory of payloads. Each
// payload becomes one [[source]] table claiming the directories it ships.
// It is used to publish the content catalog next to the CDN files.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/payload"
)

type sourceFile struct {
	Sources []install.ContentSource `toml:"source"`
}

func main() {
	dir := flag.String("dir", "payloads", "Directory holding one payload per entry")
	outputPath := flag.String("output", "sources.toml", "Output path for the source list")
	baseURL := flag.String("url-prefix", "packages", "CDN path the payloads are published under")
	flag.Parse()

	if err := run(*dir, *outputPath, *baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir, outputPath, prefix string) error {
	fmt.Println("=== Source List Generator ===")
	fmt.Println()

	existing := loadExisting(outputPath)
	fmt.Printf("Loaded %d existing sources\n", len(existing))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read payload directory: %w", err)
	}

	work, err := os.MkdirTemp("", "sources-gen-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	now := time.Now().UTC()
	var sources []install.ContentSource
	newCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		arch, err := payload.Open(p, work)
		if err != nil {
			fmt.Printf("Skipping %s: %v\n", e.Name(), err)
			continue
		}

		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		src := install.ContentSource{
			ID:     id,
			Name:   id,
			Kind:   install.KindMisc,
			URLs:   []string{path.Join(prefix, e.Name())},
			Claims: claims(arch.Paths()),
		}
		if strings.HasPrefix(id, "hero-") {
			src.Kind = install.KindHeroSet
		}

		if old, ok := existing[id]; ok {
			// Hand-edited fields survive regeneration
			src.Name = old.Name
			src.Priority = old.Priority
			src.Incompatible = old.Incompatible
			src.UpdatedAt = old.UpdatedAt
			if !sameClaims(old.Claims, src.Claims) {
				src.UpdatedAt = now
			}
		} else {
			src.UpdatedAt = now
			newCount++
		}
		sources = append(sources, src)
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].ID < sources[j].ID
	})
	if err := install.ValidateSources(sources); err != nil {
		return err
	}

	fmt.Printf("Writing source list to %s...\n", outputPath)
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to write source list: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(sourceFile{Sources: sources}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode source list: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== Summary ===")
	fmt.Printf("Total sources: %d\n", len(sources))
	fmt.Printf("New sources:   %d\n", newCount)
	fmt.Printf("Output:        %s\n", outputPath)
	return nil
}

// claims turns archive paths into one glob per directory
func claims(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		dir := path.Dir(p)
		c := p
		if dir != "." {
			c = dir + "/*"
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func sameClaims(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// loadExisting reads the previous list, keyed by id
func loadExisting(p string) map[string]install.ContentSource {
	out := make(map[string]install.ContentSource)
	var f sourceFile
	if _, err := toml.DecodeFile(p, &f); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Ignoring unreadable %s: %v\n", p, err)
		}
		return out
	}
	for _, s := range f.Sources {
		out[s.ID] = s
	}
	return out
}

package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hermesosint/hermes/internal/domain"
)

var digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// Image is one trusted tool image, pinned by content digest.
type Image struct {
	Tool       string   // Logical tool name, e.g. "sherlock".
	Repository string   // Registry repository, e.g. "sherlock/sherlock".
	Digest     string   // "sha256:<64 hex>".
	Command    []string // Prepended to the caller's args. Empty = image entrypoint.
}

// Ref returns the immutable "repo@sha256:..." reference.
func (i Image) Ref() string {
	return i.Repository + "@" + i.Digest
}

// Validate rejects images that are not pinned to a real digest.
func (i Image) Validate() error {
	if i.Tool == "" || i.Repository == "" {
		return fmt.Errorf("image for %q: tool and repository are required", i.Tool)
	}
	if strings.ContainsAny(i.Repository, "@ ") {
		return fmt.Errorf("image %s: repository must not carry a digest", i.Repository)
	}
	if !digestPattern.MatchString(i.Digest) {
		return fmt.Errorf("image %s: digest %q is not sha256:<64 hex>", i.Repository, i.Digest)
	}
	if strings.Trim(strings.TrimPrefix(i.Digest, "sha256:"), "0") == "" {
		return fmt.Errorf("image %s: placeholder digest is not a pin", i.Repository)
	}
	return nil
}

// ParseReference splits "repo[:tag]@sha256:<hex>" into repository and
// digest. Tags are dropped; only the digest is trusted.
func ParseReference(ref string) (repository, digest string, err error) {
	repo, dig, ok := strings.Cut(ref, "@")
	if !ok {
		return "", "", fmt.Errorf("reference %q is not digest-pinned", ref)
	}
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	img := Image{Tool: repo, Repository: repo, Digest: dig}
	if err := img.Validate(); err != nil {
		return "", "", err
	}
	return repo, dig, nil
}

// Catalog is the read-only table of images the sandbox may run. Lookups
// accept the tool name or the repository.
type Catalog struct {
	byTool map[string]Image
	byRepo map[string]string
}

// NewCatalog validates every image. One bad entry fails the whole catalog.
func NewCatalog(images ...Image) (*Catalog, error) {
	c := &Catalog{
		byTool: make(map[string]Image, len(images)),
		byRepo: make(map[string]string, len(images)),
	}
	for _, img := range images {
		if err := img.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byTool[img.Tool]; dup {
			return nil, fmt.Errorf("duplicate catalog entry for %q", img.Tool)
		}
		c.byTool[img.Tool] = img
		c.byRepo[img.Repository] = img.Tool
	}
	return c, nil
}

// DefaultImages is the built-in trusted table.
var DefaultImages = []Image{
	{Tool: "sherlock", Repository: "sherlock/sherlock", Digest: "sha256:9d6602b98179fb15ceab88433626fb0ae603ae9880e13cab886970317fe1475f"},
	{Tool: "h8mail", Repository: "khast3x/h8mail", Digest: "sha256:baa9be41369e6d2e966d640c0d0b9d0856cf62d1c0cfbfc91d8d035760b160a9"},
	{Tool: "searxng", Repository: "searxng/searxng", Digest: "sha256:0124d32d77e0c7360d0b85f5d91882d1837e6ceb243c82e190f5d7e9f1401334"},
	{Tool: "subfinder", Repository: "projectdiscovery/subfinder", Digest: "sha256:70d8fa85be31de07d4aee7f7058effb83f9e5322154417c4267fddb6a4d79d99"},
	{Tool: "theharvester", Repository: "ghcr.io/laramies/theharvester", Digest: "sha256:5836bcb85ed30ac55391a329b1eb6b12aa6430d31118ab1d3afdd47786a42731"},
	{Tool: "phoneinfoga", Repository: "sundowndev/phoneinfoga", Digest: "sha256:0706f55ef1eeae1352ea4f48f57a3490c8ea87ac055aa6d4491f72405c36e445"},
	{Tool: "exiftool", Repository: "ai2ys/exiftool", Digest: "sha256:8a4e5be8cba9b234518c1b53c6645e8857508e684849564ab81b5bac1f6b5a48", Command: []string{"exiftool"}},
	{Tool: "holehe", Repository: "gmrnonoss/holehe", Digest: "sha256:c50267f3664cf26a4be242899d95e86b1cd82d0aad3085df5e74387d1de8bbc8"},
}

// DefaultCatalog returns the catalog built from DefaultImages.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultImages...)
	if err != nil {
		panic("sandbox: built-in catalog is invalid: " + err.Error())
	}
	return c
}

// Resolve maps a tool name or repository to its pinned image. Anything
// else fails with domain.ErrUntrusted.
func (c *Catalog) Resolve(name string) (Image, error) {
	if img, ok := c.byTool[name]; ok {
		return img, nil
	}
	if tool, ok := c.byRepo[name]; ok {
		return c.byTool[tool], nil
	}
	return Image{}, fmt.Errorf("%w: %q", domain.ErrUntrusted, name)
}

// Has reports whether name resolves.
func (c *Catalog) Has(name string) bool {
	_, err := c.Resolve(name)
	return err == nil
}

// Tools returns the sorted tool names.
func (c *Catalog) Tools() []string {
	out := make([]string, 0, len(c.byTool))
	for name := range c.byTool {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Package proxy manages the validated proxy pool used by the fetch pipeline:
// integrity-checked file load, atomic write-back and periodic refresh.
package proxy

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hermesosint/hermes/internal/guard"
)

// ChecksumSuffix is appended to the list path to name its checksum file.
const ChecksumSuffix = ".sha256"

// ErrChecksumMismatch means the proxy list does not match its checksum file.
var ErrChecksumMismatch = errors.New("proxy list checksum mismatch")

// Pool is a set of validated "ip:port" proxies. Safe for concurrent use.
type Pool struct {
	logger *slog.Logger

	mu       sync.RWMutex
	proxies  []string
	index    map[string]struct{}
	source   string
	checksum string
	verified bool
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger) *Pool {
	return &Pool{
		logger: logger,
		index:  make(map[string]struct{}),
	}
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load replaces the pool with the proxies listed in path.
//
// When path+".sha256" exists and does not match the file, every entry is
// discarded and ErrChecksumMismatch is returned. When it is missing the
// list loads unverified with a warning. Invalid lines are skipped.
func (p *Pool) Load(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading proxy list: %w", err)
	}
	sum := Checksum(data)

	verified := false
	want, err := readChecksum(path + ChecksumSuffix)
	switch {
	case errors.Is(err, os.ErrNotExist):
		p.logger.Warn("proxy list has no checksum file, integrity unverified", slog.String("path", path))
	case err != nil:
		p.reset(path, "")
		return 0, fmt.Errorf("reading proxy checksum: %w", err)
	case want != sum:
		p.reset(path, "")
		p.logger.Error("proxy list checksum mismatch, discarding all entries",
			slog.String("path", path),
			slog.String("expected", want),
			slog.String("actual", sum),
		)
		return 0, ErrChecksumMismatch
	default:
		verified = true
	}

	entries, skipped := parseList(data)
	p.mu.Lock()
	p.proxies = p.proxies[:0]
	p.index = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := p.index[e]; dup {
			continue
		}
		p.index[e] = struct{}{}
		p.proxies = append(p.proxies, e)
	}
	p.source = path
	p.checksum = sum
	p.verified = verified
	n := len(p.proxies)
	p.mu.Unlock()

	p.logger.Info("proxy list loaded",
		slog.String("path", path),
		slog.Int("proxies", n),
		slog.Int("skipped", skipped),
		slog.Bool("verified", verified),
	)
	return n, nil
}

// Save writes the pool to path and regenerates path+".sha256". Each file is
// written to a temp file in the same directory and renamed into place.
func (p *Pool) Save(path string) error {
	p.mu.RLock()
	var buf bytes.Buffer
	for _, e := range p.proxies {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	p.mu.RUnlock()

	data := buf.Bytes()
	sum := Checksum(data)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating proxy list directory: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("writing proxy list: %w", err)
	}
	if err := writeAtomic(path+ChecksumSuffix, []byte(sum+"\n")); err != nil {
		return fmt.Errorf("writing proxy checksum: %w", err)
	}

	p.mu.Lock()
	p.source = path
	p.checksum = sum
	p.verified = true
	p.mu.Unlock()
	return nil
}

// Add validates each candidate with guard.ValidateProxy and appends the new
// ones. It returns the number added.
func (p *Pool) Add(candidates ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if !guard.ValidateProxy(c) {
			continue
		}
		if _, dup := p.index[c]; dup {
			continue
		}
		p.index[c] = struct{}{}
		p.proxies = append(p.proxies, c)
		added++
	}
	return added
}

// Remove evicts proxy from the pool and reports whether it was present.
func (p *Pool) Remove(proxy string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[proxy]; !ok {
		return false
	}
	delete(p.index, proxy)
	for i, e := range p.proxies {
		if e == proxy {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			break
		}
	}
	return true
}

// Pick returns a proxy chosen uniformly at random, or false when empty.
func (p *Pool) Pick() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.proxies) == 0 {
		return "", false
	}
	return p.proxies[rand.IntN(len(p.proxies))], true
}

// Len returns the number of proxies.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proxies)
}

// List returns a copy of the pool.
func (p *Pool) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.proxies...)
}

// Source returns the path the pool was last loaded from or saved to.
func (p *Pool) Source() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

// Checksum returns the checksum of the last loaded or saved list.
func (p *Pool) Checksum() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checksum
}

// Verified reports whether the last load matched a checksum file.
func (p *Pool) Verified() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verified
}

func (p *Pool) reset(source, sum string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = nil
	p.index = make(map[string]struct{})
	p.source = source
	p.checksum = sum
	p.verified = false
}

// parseList returns the valid entries of a newline-delimited list and the
// number of non-comment lines rejected.
func parseList(data []byte) ([]string, int) {
	var out []string
	skipped := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !guard.ValidateProxy(line) {
			skipped++
			continue
		}
		out = append(out, line)
	}
	return out, skipped
}

// readChecksum reads the first field of a checksum file, so both a bare
// digest and sha256sum output are accepted.
func readChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file %s", path)
	}
	return strings.ToLower(fields[0]), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

package pack

import (
	"bufio"
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/common"
	"github.com/antonpaquin/citrine/internal/derrors"
)

// Repo is the remote package index: one line per package, name|url|sha256.
// The index is pulled lazily on first use and kept for the process lifetime.
type Repo struct {
	logger arbor.ILogger
	url    string
	client *http.Client

	mu    sync.Mutex
	index map[string]indexEntry
}

type indexEntry struct {
	url    string
	sha256 string
}

// NewRepo builds a repo client for the given index URL
func NewRepo(logger arbor.ILogger, url string) *Repo {
	return &Repo{
		logger: logger,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup resolves a package name to its archive URL and digest
func (r *Repo) Lookup(ctx context.Context, name string) (url, sha256 string, err error) {
	index, err := r.getIndex(ctx)
	if err != nil {
		return "", "", err
	}
	entry, ok := index[name]
	if !ok {
		return "", "", derrors.Newf(derrors.PackageInstall, "could not find package %s", name)
	}
	return entry.url, entry.sha256, nil
}

// Search returns the index names containing the query, case-insensitive
func (r *Repo) Search(ctx context.Context, query string) (map[string]any, error) {
	index, err := r.getIndex(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	names := make([]string, 0)
	for name := range index {
		if strings.Contains(strings.ToLower(name), query) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return map[string]any{"packages": names}, nil
}

func (r *Repo) getIndex(ctx context.Context) (map[string]indexEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index != nil {
		return r.index, nil
	}
	index, err := r.pullIndex(ctx)
	if err != nil {
		return nil, err
	}
	r.index = index
	return index, nil
}

func (r *Repo) pullIndex(ctx context.Context) (map[string]indexEntry, error) {
	r.logger.Info().Str("url", r.url).Msg("Syncing package index")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, derrors.Wrap(derrors.Repository, "failed to build index request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, derrors.Newf(derrors.Repository, "could not sync repository from %s", r.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, derrors.Newf(derrors.Repository,
			"repository at %s responded with status %d", r.url, resp.StatusCode)
	}

	index := make(map[string]indexEntry)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			return nil, derrors.Newf(derrors.Repository, "malformed index row %s", common.Truncate(line, 100))
		}
		index[parts[0]] = indexEntry{url: parts[1], sha256: parts[2]}
	}
	if err := scanner.Err(); err != nil {
		return nil, derrors.Newf(derrors.Repository, "could not sync repository from %s", r.url)
	}
	return index, nil
}

package textures

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"havenmapper/internal/imaging"
	"havenmapper/internal/logger"
	"havenmapper/internal/utils"
)

const prefetchParallelism = 8

var textureHTTPClient = &http.Client{
	Timeout: 12 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     32,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Fetcher resolves HMap tileset resource names to texture images. Fetched
// textures are cached on disk under hmap-tile-cache/ and in memory for the
// process lifetime; resources the server does not have are memoised as absent
// so a generation run asks the network only once per name.
type Fetcher struct {
	log      *logger.Logger
	baseURL  string
	cacheDir string

	mu      sync.RWMutex
	images  map[string]*image.NRGBA
	missing map[string]struct{}

	sf singleflight.Group
}

func NewFetcher(log *logger.Logger, baseURL, cacheDir string) *Fetcher {
	return &Fetcher{
		log:      log,
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cacheDir,
		images:   make(map[string]*image.NRGBA),
		missing:  make(map[string]struct{}),
	}
}

// Prefetch resolves a batch of resource names ahead of rendering. Failures are
// not fatal; the renderer falls back to grey for unresolved tilesets.
func (f *Fetcher) Prefetch(ctx context.Context, names []string) {
	seen := make(map[string]struct{}, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallelism)
	for _, name := range names {
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		name := name
		g.Go(func() error {
			f.fetch(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

// Get returns the texture for name, or nil when missing. Implements
// hmap.TextureTable. Get never blocks on the network when Prefetch already
// ran; on a cold key concurrent callers coalesce into one fetch.
func (f *Fetcher) Get(name string) *image.NRGBA {
	return f.fetch(context.Background(), name)
}

// ResetMissing clears the negative memo. The orchestrator calls this at the
// start of each generation run so transient fetch failures are retried.
func (f *Fetcher) ResetMissing() {
	f.mu.Lock()
	f.missing = make(map[string]struct{})
	f.mu.Unlock()
}

func (f *Fetcher) fetch(ctx context.Context, name string) *image.NRGBA {
	f.mu.RLock()
	img, hit := f.images[name]
	_, absent := f.missing[name]
	f.mu.RUnlock()
	if hit {
		return img
	}
	if absent {
		return nil
	}

	v, _, _ := f.sf.Do(name, func() (interface{}, error) {
		return f.fetchSlow(ctx, name), nil
	})
	res, _ := v.(*image.NRGBA)
	return res
}

func (f *Fetcher) fetchSlow(ctx context.Context, name string) *image.NRGBA {
	if img := f.loadDisk(name); img != nil {
		f.store(name, img)
		return img
	}

	data, err := f.download(ctx, name)
	if err != nil {
		f.log.Warn("texture fetch failed", "resource", name, "error", err)
		f.storeMissing(name)
		return nil
	}
	if data == nil {
		f.storeMissing(name)
		return nil
	}

	img, err := imaging.Decode(data)
	if err != nil {
		f.log.Warn("texture decode failed", "resource", name, "error", err)
		f.storeMissing(name)
		return nil
	}
	if err := utils.WriteFileAtomic(f.diskPath(name), data); err != nil {
		f.log.Warn("texture cache write failed", "resource", name, "error", err)
	}

	nrgba := imaging.ToNRGBA(img)
	f.store(name, nrgba)
	return nrgba
}

// download returns (nil, nil) for a definitive 404.
func (f *Fetcher) download(ctx context.Context, name string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s.png", f.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := textureHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// diskPath addresses the cache by resource name; slashes become directories.
func (f *Fetcher) diskPath(name string) string {
	return filepath.Join(f.cacheDir, filepath.FromSlash(name)+".png")
}

func (f *Fetcher) loadDisk(name string) *image.NRGBA {
	data, err := os.ReadFile(f.diskPath(name))
	if err != nil {
		return nil
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil
	}
	return imaging.ToNRGBA(img)
}

func (f *Fetcher) store(name string, img *image.NRGBA) {
	f.mu.Lock()
	f.images[name] = img
	f.mu.Unlock()
}

func (f *Fetcher) storeMissing(name string) {
	f.mu.Lock()
	f.missing[name] = struct{}{}
	f.mu.Unlock()
}

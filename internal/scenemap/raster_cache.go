package scenemap

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/banshee-data/occlusion.dataset/internal/fsutil"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
)

// PadReflect101 returns img surrounded by a border of pad pixels on every
// side, filled by mirroring the image without repeating the edge pixel
// (…cba|abcd|dcb…).
func PadReflect101(img image.Image, pad int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)

	out := image.NewRGBA(image.Rect(0, 0, w+2*pad, h+2*pad))
	for y := 0; y < h+2*pad; y++ {
		sy := reflect101(y-pad, h)
		for x := 0; x < w+2*pad; x++ {
			sx := reflect101(x-pad, w)
			si := src.PixOffset(sx, sy)
			di := out.PixOffset(x, y)
			copy(out.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return out
}

// reflect101 folds i into [0, n) by mirroring around the first and last index.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// ReferenceNames are the per-video raster file names tried in order.
var ReferenceNames = []string{"reference.jpg", "reference.png", "reference.webp"}

// RasterCache serves reflect-padded scene rasters, keyed by (scene, video,
// padding). Padded rasters are written once under CacheDir and reused on
// later runs; invalidation is manual (delete the directory).
type RasterCache struct {
	fs       fsutil.FileSystem
	root     string // contains annotations/<scene>/<video>/reference.*
	cacheDir string
	padding  int

	group singleflight.Group

	mu      sync.Mutex
	memory  map[string]image.Image
	order   []string
	maxKeep int
}

// NewRasterCache returns a cache reading references below root and
// writing padded copies to <cacheRoot>/padded_images_<padding>. keep is
// the number of decoded rasters held in memory.
func NewRasterCache(fs fsutil.FileSystem, root, cacheRoot string, padding, keep int) *RasterCache {
	return &RasterCache{
		fs:       fs,
		root:     root,
		cacheDir: filepath.Join(cacheRoot, "padded_images_"+strconv.Itoa(padding)),
		padding:  padding,
		memory:   make(map[string]image.Image),
		maxKeep:  keep,
	}
}

// Padding returns the border width in pixels.
func (c *RasterCache) Padding() int { return c.padding }

// CachePath returns the padded raster file of scene/video.
func (c *RasterCache) CachePath(scene, video string) string {
	return filepath.Join(c.cacheDir, fmt.Sprintf("%s_%s_padded_img.png", scene, video))
}

// Padded returns the padded raster of scene/video, building and caching
// it on first use. Concurrent callers for the same key share one build.
func (c *RasterCache) Padded(scene, video string) (image.Image, error) {
	key := scene + "_" + video
	c.mu.Lock()
	img, ok := c.memory[key]
	c.mu.Unlock()
	if ok {
		return img, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		img, err := c.load(scene, video)
		if err != nil {
			return nil, err
		}
		c.remember(key, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

func (c *RasterCache) load(scene, video string) (image.Image, error) {
	path := c.CachePath(scene, video)
	if c.fs.Exists(path) {
		return c.decode(path)
	}

	ref, err := c.reference(scene, video)
	if err != nil {
		return nil, err
	}
	padded := PadReflect101(ref, c.padding)

	if err := c.fs.MkdirAll(c.cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create raster cache dir: %w", err)
	}
	w, err := c.fs.Create(path + ".tmp")
	if err != nil {
		return nil, fmt.Errorf("create padded raster: %w", err)
	}
	if err := png.Encode(w, padded); err != nil {
		w.Close()
		return nil, fmt.Errorf("encode padded raster: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("write padded raster: %w", err)
	}
	if err := c.fs.Rename(path+".tmp", path); err != nil {
		return nil, fmt.Errorf("commit padded raster: %w", err)
	}
	monitoring.Opsf("[RasterCache] saved padded image of %s %s padding=%d path=%s", scene, video, c.padding, path)
	return padded, nil
}

func (c *RasterCache) reference(scene, video string) (image.Image, error) {
	dir := filepath.Join(c.root, "annotations", scene, video)
	for _, name := range ReferenceNames {
		p := filepath.Join(dir, name)
		if c.fs.Exists(p) {
			return c.decode(p)
		}
	}
	return nil, fmt.Errorf("no reference raster for %s_%s in %s", scene, video, dir)
}

func (c *RasterCache) decode(path string) (image.Image, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raster: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode raster %s: %w", path, err)
	}
	return img, nil
}

func (c *RasterCache) remember(key string, img image.Image) {
	if c.maxKeep <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.memory[key]; ok {
		return
	}
	c.memory[key] = img
	c.order = append(c.order, key)
	for len(c.order) > c.maxKeep {
		delete(c.memory, c.order[0])
		c.order = c.order[1:]
	}
}

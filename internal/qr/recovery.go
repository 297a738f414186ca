// Package qr recovers shard and version identifiers from in-game
// screenshots. The game overlays a small QR code in the top-right
// corner; decoding it is the only way to learn the shard when the log
// has not printed one yet.
package qr

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/rs/zerolog/log"
)

const (
	cropSize    = 200
	probeSize   = 50
	darkenDelta = 60
	maxAttempts = 3

	// croppedPrefix marks debug artifacts we write ourselves; the
	// watcher must never process them as fresh screenshots.
	croppedPrefix = "cropped_"
)

// ShardVersionSink receives decoded identifiers; satisfied by
// pattern.State.ApplyShardVersion.
type ShardVersionSink interface {
	ApplyShardVersion(shard, version string)
}

// Config tunes the watcher.
type Config struct {
	// Dir is the screenshots folder, conventionally a sibling of the
	// game log.
	Dir string

	// Debug saves the preprocessed crop next to the screenshot when
	// decoding fails, for offline inspection.
	Debug bool

	// SettleDelay waits for the game to finish writing the file.
	SettleDelay time.Duration
}

// Watcher decodes shard QR codes from new screenshots.
type Watcher struct {
	cfg  Config
	sink ShardVersionSink

	stop chan struct{}
	done chan struct{}
}

func NewWatcher(cfg Config, sink ShardVersionSink) *Watcher {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Watcher{
		cfg:  cfg,
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start watches the screenshots folder until Stop.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("screenshot watcher: %w", err)
	}
	if err := watcher.Add(w.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	log.Info().Str("dir", w.cfg.Dir).Msg("watching screenshots for shard QR codes")
	go w.run(watcher)
	return nil
}

// Stop terminates the watcher and waits for the goroutine.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	select {
	case <-w.done:
	case <-time.After(3 * time.Second):
	}
}

func (w *Watcher) run(watcher *fsnotify.Watcher) {
	defer close(w.done)
	defer watcher.Close()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isScreenshot(ev.Name) {
				continue
			}
			// The game is still writing when the create event fires.
			select {
			case <-time.After(w.cfg.SettleDelay):
			case <-w.stop:
				return
			}
			w.Process(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("screenshot watcher error")
		}
	}
}

// Process decodes one screenshot, retrying the decode a few times, and
// forwards shard/version to the sink on success.
func (w *Watcher) Process(path string) {
	img, err := loadImage(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("screenshot open failed")
		return
	}
	crop := prepare(img)

	var text string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err = decode(crop)
		if err == nil {
			break
		}
		log.Debug().Int("attempt", attempt).Str("path", path).Msg("qr decode failed")
	}
	if err != nil {
		if w.cfg.Debug {
			w.saveCrop(path, crop)
		}
		return
	}

	shard, version, ok := parsePayload(text)
	if !ok {
		log.Debug().Str("payload", text).Msg("qr payload not shard-shaped")
		return
	}
	log.Info().Str("shard", shard).Str("version", version).Msg("shard recovered from screenshot")
	w.sink.ApplyShardVersion(shard, version)
}

// parsePayload extracts shard and version from the QR text: a
// whitespace-separated token list where tokens[1] is the shard and
// tokens[3] the version.
func parsePayload(text string) (shard, version string, ok bool) {
	tokens := strings.Fields(text)
	if len(tokens) < 4 {
		return "", "", false
	}
	return tokens[1], tokens[3], true
}

func isScreenshot(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(base, croppedPrefix) {
		return false
	}
	switch filepath.Ext(base) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// prepare crops the top-right corner and boosts contrast: grayscale,
// then darken every pixel below the mean luminance of the central probe
// square by a fixed delta. The overlay QR is low-contrast against the
// sky, so a threshold from the code's own region beats Otsu over the
// whole crop; a bounded delta keeps faint module edges instead of
// flattening them to black.
func prepare(img image.Image) *image.Gray {
	b := img.Bounds()
	x0 := b.Max.X - cropSize
	if x0 < b.Min.X {
		x0 = b.Min.X
	}
	y1 := b.Min.Y + cropSize
	if y1 > b.Max.Y {
		y1 = b.Max.Y
	}
	crop := image.Rect(0, 0, b.Max.X-x0, y1-b.Min.Y)
	gray := image.NewGray(crop)
	for y := 0; y < crop.Max.Y; y++ {
		for x := 0; x < crop.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x0+x, b.Min.Y+y)))
		}
	}

	mean := centralMean(gray)
	for i, v := range gray.Pix {
		if int(v) < mean {
			if v > darkenDelta {
				gray.Pix[i] = v - darkenDelta
			} else {
				gray.Pix[i] = 0
			}
		}
	}
	return gray
}

func centralMean(gray *image.Gray) int {
	b := gray.Bounds()
	cx, cy := b.Max.X/2, b.Max.Y/2
	half := probeSize / 2
	sum, n := 0, 0
	for y := cy - half; y < cy+half; y++ {
		for x := cx - half; x < cx+half; x++ {
			if (image.Point{X: x, Y: y}).In(b) {
				sum += int(gray.GrayAt(x, y).Y)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

func decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", err
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", err
	}
	return result.GetText(), nil
}

func (w *Watcher) saveCrop(src string, crop *image.Gray) {
	dir := filepath.Dir(src)
	name := croppedPrefix + strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".png"
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		log.Debug().Err(err).Msg("debug crop save failed")
		return
	}
	defer out.Close()
	if err := png.Encode(out, crop); err != nil {
		log.Debug().Err(err).Msg("debug crop encode failed")
	}
}

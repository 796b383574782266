package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

// clipLeadTime is how far in the future a freshly dropped clip is scheduled,
// so every client has time to fetch it before the start instant.
const clipLeadTime = 2 * time.Second

// presignTTL bounds how long a published clip URL stays fetchable.
const presignTTL = time.Hour

// ClipPublisher receives a clip announcement for one voice part.
type ClipPublisher interface {
	NotifyClipPlay(voice model.VoiceType, clip *protocol.ClipPlayData)
}

// Watcher watches a local drop directory and publishes new audio files to
// the choir: upload to object storage, presign, announce. The target voice
// is the filename prefix up to the first dash, e.g. tenor-drone1.wav.
type Watcher struct {
	dir   string
	store *ClipStore
	pub   ClipPublisher
}

// NewWatcher builds a watcher over dir.
func NewWatcher(dir string, store *ClipStore, pub ClipPublisher) *Watcher {
	return &Watcher{dir: dir, store: store, pub: pub}
}

// Run watches the drop directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	logger.Info("watching clip drop directory", logger.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isAudioFile(event.Name) {
				continue
			}
			// Writers emit many Write events while the file grows; process
			// only once the size has settled.
			if !waitSettled(ctx, event.Name) {
				continue
			}
			w.publish(ctx, event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("clip watcher error", logger.ErrorField(err))
		}
	}
}

func (w *Watcher) publish(ctx context.Context, path string) {
	voice, ok := voiceFromFilename(path)
	if !ok {
		logger.Warn("clip filename has no voice prefix, skipping",
			logger.String("file", filepath.Base(path)))
		return
	}

	objectName, err := w.store.UploadClip(ctx, path)
	if err != nil {
		logger.Error("clip upload failed",
			logger.ErrorField(err),
			logger.String("file", filepath.Base(path)))
		return
	}

	url, err := w.store.PresignClip(ctx, objectName, presignTTL)
	if err != nil {
		logger.Error("clip presign failed",
			logger.ErrorField(err),
			logger.String("object", objectName))
		return
	}

	w.pub.NotifyClipPlay(voice, &protocol.ClipPlayData{
		URL:                url,
		Name:               filepath.Base(path),
		ScheduledStartTime: time.Now().Add(clipLeadTime).UnixMilli(),
	})
	logger.Info("clip published",
		logger.String("voice", string(voice)),
		logger.String("object", objectName))
}

func isAudioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".mp3", ".flac", ".ogg":
		return true
	}
	return false
}

// voiceFromFilename maps tenor-drone1.wav to the tenor voice part.
func voiceFromFilename(path string) (model.VoiceType, bool) {
	base := filepath.Base(path)
	prefix, _, found := strings.Cut(base, "-")
	if !found {
		return "", false
	}
	switch v := model.VoiceType(strings.ToLower(prefix)); v {
	case model.VoiceBass, model.VoiceTenor, model.VoiceAlto, model.VoiceSoprano:
		return v, true
	}
	return "", false
}

// waitSettled polls until the file size stops changing. Returns false when
// the file vanished or ctx ended.
func waitSettled(ctx context.Context, path string) bool {
	var last int64 = -1
	for i := 0; i < 20; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(250 * time.Millisecond):
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() == last {
			return true
		}
		last = info.Size()
	}
	return true
}

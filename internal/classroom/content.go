package classroom

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/lectern/internal/speech"
	"go.uber.org/zap"
)

var audioExtensions = []string{".mp3", ".ogg", ".wav", ".m4a"}

// AudioFactory builds a playable element for an audio file.
type AudioFactory func(path string) speech.AudioElement

// DirectoryContent reads page content from dir/<page>/: body.txt and
// summary.txt hold the readable text, body.<ext> and summary.<ext> the
// pre-rendered audio. Missing files leave the matching field empty.
func DirectoryContent(dir string, newAudio AudioFactory, logger *zap.Logger) ContentSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	var mu sync.Mutex
	cache := make(map[string]speech.AudioElement)
	return func(page int) speech.Content {
		if strings.TrimSpace(dir) == "" {
			return speech.Content{}
		}
		pageDir := filepath.Join(dir, strconv.Itoa(page))
		audio := func(name string) speech.AudioElement {
			path := findAudio(pageDir, name)
			if path == "" || newAudio == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if element, ok := cache[path]; ok {
				return element
			}
			element := newAudio(path)
			cache[path] = element
			return element
		}
		return speech.Content{
			BodyAudio:    audio("body"),
			BodyText:     readText(filepath.Join(pageDir, "body.txt"), logger),
			SummaryAudio: audio("summary"),
			SummaryText:  readText(filepath.Join(pageDir, "summary.txt"), logger),
		}
	}
}

func findAudio(dir, name string) string {
	for _, ext := range audioExtensions {
		path := filepath.Join(dir, name+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func readText(path string, logger *zap.Logger) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("page text unreadable", zap.String("path", path), zap.Error(err))
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

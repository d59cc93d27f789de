// Package storage keeps call recordings in Supabase Storage.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// ErrNotConfigured is returned when recordings are uploaded without storage credentials.
var ErrNotConfigured = errors.New("storage: supabase not configured")

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Uploader stores one object.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// Supabase uploads objects through the Supabase storage API.
type Supabase struct {
	// storage-go keeps per-upload headers on the shared client
	mu     sync.Mutex
	client *supabase.Client
	bucket string
}

// NewSupabase returns ErrNotConfigured when the URL or key is missing.
func NewSupabase(cfg Config) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, ErrNotConfigured
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "recordings"
	}
	return &Supabase{client: client, bucket: bucket}, nil
}

// Upload stores data under key with contentType as the object's type.
func (s *Supabase) Upload(key, contentType string, data []byte) error {
	if len(data) == 0 {
		return errors.New("storage: empty upload")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s to supabase: %w", key, err)
	}
	return nil
}

// Memory keeps uploads in process. It backs local runs without Supabase.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
}

type Object struct {
	ContentType string
	Data        []byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Upload(key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{ContentType: contentType, Data: append([]byte(nil), data...)}
	return nil
}

// Get returns a stored object.
func (m *Memory) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Keys lists stored object keys.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

// RecordingKey builds recordings/<callID>/<UTC timestamp>.<ext>.
func RecordingKey(callID, contentType string, at time.Time) string {
	return fmt.Sprintf("recordings/%s/%s.%s", callID, at.UTC().Format("20060102T150405.000Z"), extFor(contentType))
}

func extFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/mp4", "audio/aac", "audio/x-m4a":
		return "m4a"
	case "audio/l16", "audio/pcm":
		return "pcm"
	default:
		return "bin"
	}
}

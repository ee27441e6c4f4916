package payments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrNoValidSecret is returned when no configured signing secret verifies a payload.
var ErrNoValidSecret = errors.New("payments: no webhook signing secret matched")

const secretsReloadDebounce = 100 * time.Millisecond

// SecretSet holds the webhook signing secrets accepted during rotation.
// Static secrets come from the environment; file secrets are re-read when
// the secrets file changes.
type SecretSet struct {
	mu       sync.RWMutex
	static   []string
	file     string
	fromFile []string
}

// NewSecretSet returns a set over static secrets plus, when file is non-empty,
// one secret per non-blank, non-comment line of file.
func NewSecretSet(static []string, file string) (*SecretSet, error) {
	s := &SecretSet{static: cleanSecrets(static), file: strings.TrimSpace(file)}
	if s.file != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Secrets returns the current secrets, static ones first, without duplicates.
func (s *SecretSet) Secrets() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cleanSecrets(append(append([]string(nil), s.static...), s.fromFile...))
}

// Len reports how many distinct secrets are configured.
func (s *SecretSet) Len() int {
	return len(s.Secrets())
}

// Reload re-reads the secrets file.
func (s *SecretSet) Reload() error {
	if s.file == "" {
		return nil
	}
	data, err := os.ReadFile(s.file)
	if err != nil {
		return fmt.Errorf("read webhook secrets file: %w", err)
	}
	var secrets []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		secrets = append(secrets, line)
	}
	s.mu.Lock()
	s.fromFile = secrets
	s.mu.Unlock()
	return nil
}

// ConstructEvent verifies header against each secret in turn and returns the
// parsed event from the first that matches.
func (s *SecretSet) ConstructEvent(payload []byte, header string) (stripelib.Event, error) {
	secrets := s.Secrets()
	if len(secrets) == 0 {
		return stripelib.Event{}, fmt.Errorf("%w: none configured", ErrNoValidSecret)
	}
	var lastErr error
	for _, secret := range secrets {
		event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return event, nil
		}
		lastErr = err
	}
	return stripelib.Event{}, fmt.Errorf("%w: %v", ErrNoValidSecret, lastErr)
}

// Watch reloads the secrets file whenever it is written or replaced, until ctx
// is done. It returns immediately when no file is configured.
func (s *SecretSet) Watch(ctx context.Context) error {
	if s.file == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create secrets watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames (e.g. mounted secrets) are seen.
	dir := filepath.Dir(s.file)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch secrets dir %s: %w", dir, err)
	}
	log.Info().Str("path", s.file).Msg("Watching webhook secrets file for changes")

	base := filepath.Base(s.file)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			time.Sleep(secretsReloadDebounce)
			if err := s.Reload(); err != nil {
				log.Warn().Err(err).Str("path", s.file).Msg("Failed to reload webhook secrets; keeping previous set")
				continue
			}
			log.Info().Int("secrets", s.Len()).Msg("Reloaded webhook signing secrets")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Webhook secrets watcher error")
		}
	}
}

func cleanSecrets(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

package upstream

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TokenProvider supplies the current upstream credential.
// Implementations return ErrNoToken when none is available.
type TokenProvider interface {
	Token() (string, error)
}

// Cipher decrypts the stored credential. Encryption itself lives outside
// this system; the sync engine only consumes this contract.
type Cipher interface {
	Decrypt(data []byte) (string, error)
}

// PlaintextCipher treats the stored credential as unencrypted, for
// deployments that protect the token file with filesystem permissions.
type PlaintextCipher struct{}

// Decrypt implements Cipher.
func (PlaintextCipher) Decrypt(data []byte) (string, error) {
	return string(data), nil
}

// StaticToken is a TokenProvider for a fixed credential, used by tests
// and one-shot CLI invocations.
type StaticToken string

// Token implements TokenProvider.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// FileTokenProvider reads the credential from a file through a Cipher and
// hot-reloads it when the file changes, so a rotated credential is picked
// up without a restart.
//
// A missing file is not fatal: Token() returns ErrNoToken until the file
// appears, and the background tasks no-op.
type FileTokenProvider struct {
	path   string
	cipher Cipher
	logger *log.Logger

	mu    sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewFileTokenProvider creates a provider for the given token file.
// If logger is nil, a default stderr logger is used.
func NewFileTokenProvider(path string, cipher Cipher, logger *log.Logger) *FileTokenProvider {
	if cipher == nil {
		cipher = PlaintextCipher{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[token] ", log.LstdFlags)
	}

	p := &FileTokenProvider{
		path:   path,
		cipher: cipher,
		logger: logger,
	}
	p.reload()
	return p
}

// Token implements TokenProvider.
func (p *FileTokenProvider) Token() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNoToken
	}
	return p.token, nil
}

// Watch starts watching the token file's directory for rotation.
// Blocks until ctx is cancelled.
func (p *FileTokenProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	p.watcher = watcher

	// Watch the directory: editors and rotation tooling replace the file
	// rather than writing in place.
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	p.wg.Add(1)
	go p.watchLoop(ctx)

	<-ctx.Done()
	_ = watcher.Close()
	p.wg.Wait()
	return nil
}

func (p *FileTokenProvider) watchLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.logger.Printf("Credential file changed (%s), reloading", event.Op)
			p.reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Printf("Watcher error: %v", err)
		}
	}
}

// reload re-reads and decrypts the token file. Failures leave the
// provider token-less rather than crashing the daemon.
func (p *FileTokenProvider) reload() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Printf("Warning: failed to read credential file: %v", err)
		}
		p.set("")
		return
	}

	token, err := p.cipher.Decrypt(data)
	if err != nil {
		p.logger.Printf("Warning: failed to decrypt credential: %v", err)
		p.set("")
		return
	}

	p.set(trimmed(token))
}

func (p *FileTokenProvider) set(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

func trimmed(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

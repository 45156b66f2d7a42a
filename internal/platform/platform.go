// Package platform defines the contract between the scheduler and the
// per-site upload automations, plus the registry that resolves them by name.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"video-uploader/internal/models"
)

// Kind classifies the outcome of one upload attempt.
type Kind int

const (
	KindSuccess Kind = iota
	// KindTransient failures are retried while the task has retries left.
	KindTransient
	// KindPermanent failures fail the task immediately.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is what an Uploader reports for one attempt.
type Result struct {
	Kind     Kind
	RemoteID string
	Reason   string
}

func Success(remoteID string) Result {
	return Result{Kind: KindSuccess, RemoteID: remoteID}
}

func Transient(format string, args ...any) Result {
	return Result{Kind: KindTransient, Reason: fmt.Sprintf(format, args...)}
}

func Permanent(format string, args ...any) Result {
	return Result{Kind: KindPermanent, Reason: fmt.Sprintf(format, args...)}
}

// Uploader performs uploads for one platform. Implementations must be safe
// for concurrent Upload calls once Authenticate has succeeded.
type Uploader interface {
	Authenticate(ctx context.Context) error
	Upload(ctx context.Context, task models.Task) Result
}

// Validator is optionally implemented by uploaders that can reject a file before it is queued.
type Validator interface {
	Validate(videoPath string) error
}

var ErrUnknownPlatform = errors.New("unknown platform")

// Registry maps platform names to uploaders.
type Registry struct {
	mu        sync.RWMutex
	uploaders map[string]Uploader
}

func NewRegistry() *Registry {
	return &Registry{uploaders: make(map[string]Uploader)}
}

// Register adds an uploader under name. Names are unique.
func (r *Registry) Register(name string, u Uploader) error {
	if name == "" {
		return errors.New("platform name is required")
	}
	if u == nil {
		return fmt.Errorf("platform %s: nil uploader", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.uploaders[name]; exists {
		return fmt.Errorf("platform %s already registered", name)
	}
	r.uploaders[name] = u
	return nil
}

// Resolve returns the uploader for name or ErrUnknownPlatform.
func (r *Registry) Resolve(name string) (Uploader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.uploaders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return u, nil
}

// Names lists registered platforms in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.uploaders))
	for name := range r.uploaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every uploader that holds resources.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for name, u := range r.uploaders {
		if c, ok := u.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

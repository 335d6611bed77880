package sftpstore

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/sftp"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
)

// chrootMode is the SFTP chroot-detection state machine (§4.1.2/§9). The
// fallback dance between absolute and relative addressing is made explicit
// here so it stays auditable instead of living in ad hoc error handling.
type chrootMode int

const (
	Uninitialized chrootMode = iota
	ProbingAbsolute
	ProbingRelative
	RelativeMode
	AbsoluteMode
	Degraded
)

func (m chrootMode) String() string {
	switch m {
	case ProbingAbsolute:
		return "probing-absolute"
	case ProbingRelative:
		return "probing-relative"
	case RelativeMode:
		return "relative"
	case AbsoluteMode:
		return "absolute"
	case Degraded:
		return "degraded"
	default:
		return "uninitialized"
	}
}

// probeChroot runs once per connection's lifetime (guarded by the caller).
// It decides whether paths address the server absolutely or relative to the
// connection's starting directory, trying the configured root's natural
// form first and falling back to the other on permission-denied.
func (b *Backend) probeChroot(client *sftp.Client) error {
	startDir, err := client.Getwd()
	if err != nil {
		startDir = "."
	}

	root := b.opts.Root
	absoluteForm := root
	if !strings.HasPrefix(absoluteForm, "/") {
		absoluteForm = "/" + strings.TrimPrefix(absoluteForm, "/")
	}
	relativeForm := joinNative(startDir, strings.TrimPrefix(root, "/"))

	primaryMode, primaryRoot, altMode, altRoot := ProbingRelative, relativeForm, ProbingAbsolute, absoluteForm
	if root != "" && strings.HasPrefix(root, "/") {
		primaryMode, primaryRoot, altMode, altRoot = ProbingAbsolute, absoluteForm, ProbingRelative, relativeForm
	}

	b.chroot = primaryMode
	primaryErr := client.MkdirAll(primaryRoot)
	if primaryErr == nil {
		b.settle(primaryMode, primaryRoot, altRoot)
		return nil
	}
	if !isPermissionDenied(primaryErr) {
		// Non-permission failure (e.g. the root's parent doesn't exist):
		// still settle on the primary form; later operations surface the
		// real error.
		b.settle(primaryMode, primaryRoot, altRoot)
		return fmt.Errorf("create root %s: %w", primaryRoot, primaryErr)
	}

	b.chroot = altMode
	altErr := client.MkdirAll(altRoot)
	if altErr == nil {
		b.settle(altMode, altRoot, primaryRoot)
		return nil
	}

	b.chroot = Degraded
	b.resolvedRoot = altRoot
	b.altRootPath = primaryRoot
	return fmt.Errorf("both root forms rejected: %s form: %v; %s form: %v", primaryMode, primaryErr, altMode, altErr)
}

func (b *Backend) settle(mode chrootMode, root, alt string) {
	switch mode {
	case ProbingAbsolute:
		b.chroot = AbsoluteMode
	case ProbingRelative:
		b.chroot = RelativeMode
	default:
		b.chroot = mode
	}
	b.resolvedRoot = root
	b.altRootPath = alt
}

// resolve maps a normalized relative path onto the native path under the
// currently active root form. Callers must have already connected once (so
// chroot detection has run) before calling this.
func (b *Backend) resolve(relPath string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	normalized := pathutil.Normalize(relPath)
	return joinNative(b.resolvedRoot, normalized)
}

func (b *Backend) altResolve(relPath string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	normalized := pathutil.Normalize(relPath)
	return joinNative(b.altRootPath, normalized)
}

func joinNative(root, relative string) string {
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		root = "/"
	}
	if relative == "" {
		return root
	}
	if root == "/" {
		return "/" + relative
	}
	return root + "/" + relative
}

func isPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	if errors.Is(err, sftp.ErrSSHFxPermissionDenied) {
		return true
	}
	return false
}

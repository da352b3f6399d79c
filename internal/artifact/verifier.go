package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"fleet-cd/internal/types"
)

// Verifier downloads a release bundle together with its published checksum
// and accepts the bundle only on an exact digest match. The check is not
// skippable: a deployment fails before unverified code is ever extracted.
type Verifier struct {
	Store BlobStore
}

// BundleKey returns the blob key of a release bundle.
func BundleKey(namespace, service, releaseID string) string {
	return path.Join(namespace, service, releaseID+".tar.gz")
}

// FetchVerified downloads the bundle for releaseID into destDir, verifying
// it against the published checksum on the way. It returns the path of the
// verified bundle file; the caller owns its removal. On any failure nothing
// usable is left in destDir.
func (v *Verifier) FetchVerified(ctx context.Context, namespace, service, releaseID, destDir string) (string, error) {
	bundleKey := BundleKey(namespace, service, releaseID)
	checksumKey := bundleKey + ".sha256"

	want, err := v.fetchChecksum(ctx, checksumKey)
	if err != nil {
		return "", err
	}

	obj, err := v.Store.Fetch(ctx, bundleKey)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", types.E(types.KindFetch, "bundle %s not found", bundleKey)
		}
		return "", types.Wrap(types.KindFetch, fmt.Errorf("fetch bundle %s: %w", bundleKey, err))
	}
	defer obj.Close()

	bundlePath := filepath.Join(destDir, releaseID+".tar.gz")
	out, err := os.Create(bundlePath)
	if err != nil {
		return "", types.Wrap(types.KindFetch, fmt.Errorf("create bundle file: %w", err))
	}

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, hasher), obj)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(bundlePath)
		return "", types.Wrap(types.KindFetch, fmt.Errorf("download bundle %s: %w", bundleKey, err))
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, want) {
		_ = os.Remove(bundlePath)
		return "", types.E(types.KindIntegrity, "checksum mismatch for %s: got %s, published %s", bundleKey, got, want)
	}

	logrus.Infof("✅ bundle verified: %s (%s)", bundleKey, got[:12])
	return bundlePath, nil
}

// fetchChecksum reads the published digest. The file may be bare hex or in
// `sha256sum` format with a trailing filename; only the first field counts.
func (v *Verifier) fetchChecksum(ctx context.Context, key string) (string, error) {
	obj, err := v.Store.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", types.E(types.KindFetch, "checksum %s not found", key)
		}
		return "", types.Wrap(types.KindFetch, fmt.Errorf("fetch checksum %s: %w", key, err))
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, 1024))
	if err != nil {
		return "", types.Wrap(types.KindFetch, fmt.Errorf("read checksum %s: %w", key, err))
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", types.E(types.KindFetch, "checksum %s is empty", key)
	}
	return strings.ToLower(fields[0]), nil
}

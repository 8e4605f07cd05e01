package envelope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/errs"
)

// MetadataFile is written at the root of an encrypted generation.
const MetadataFile = "encryption_metadata.json"

// FileSuffix marks encrypted files inside an encrypted tree.
const FileSuffix = ".enc"

// Error is the error class for directory-level envelope failures.
var Error = errs.Class("envelope")

// Metadata describes how a directory was encrypted so a restorer knows which
// key is required.
type Metadata struct {
	Encrypted bool        `json:"encrypted"`
	Method    Method      `json:"method"`
	Algorithm string      `json:"algorithm"`
	KeyID     string      `json:"key_id"`
	Timestamp time.Time   `json:"timestamp"`
	Files     []FileEntry `json:"files"`
}

// FileEntry is one encrypted file.
type FileEntry struct {
	Path          string `json:"path"`
	Size          int64  `json:"size"`
	EncryptedSize int64  `json:"encrypted_size"`
}

// DirOptions tunes EncryptDirectory.
type DirOptions struct {
	// Include selects slash-separated relative paths to carry over; nil
	// includes everything.
	Include func(rel string) bool
	// Plaintext selects included paths that are copied without encryption.
	Plaintext func(rel string) bool
	// Now stamps the metadata; defaults to time.Now.
	Now func() time.Time
}

// ReadMetadata loads the encryption metadata of an encrypted tree.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Error.New("invalid %s: %v", MetadataFile, err)
	}
	return &m, nil
}

// EncryptDirectory writes an encrypted copy of src to dst. The copy is built
// in a temporary sibling of dst and renamed into place only when every file
// succeeded; per-file failures are reported together.
func EncryptDirectory(ctx context.Context, km *KeyMaterial, src, dst string, opts DirOptions) (*Metadata, error) {
	if !km.CanEncrypt() {
		return nil, fmt.Errorf("%w: %s key material cannot encrypt", ErrNoKey, km.Method)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, Error.New("destination %s already exists", dst)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dst), ".tmp-encrypt-*")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(tmp)
		}
	}()

	meta := &Metadata{
		Encrypted: true,
		Method:    km.Method,
		Algorithm: Algorithm,
		KeyID:     km.KeyID(),
		Timestamp: now().UTC(),
	}

	var group errs.Group
	walkErr := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)
		if opts.Include != nil && !opts.Include(slashRel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(tmp, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			group.Add(copySymlink(p, target))
		case !d.Type().IsRegular():
		case opts.Plaintext != nil && opts.Plaintext(slashRel):
			group.Add(copyPlain(p, target))
		default:
			if err := EncryptFile(km, p, target+FileSuffix); err != nil {
				group.Add(fmt.Errorf("%s: %w", slashRel, err))
				return nil
			}
			entry := FileEntry{Path: slashRel}
			if info, err := os.Stat(p); err == nil {
				entry.Size = info.Size()
			}
			if info, err := os.Stat(target + FileSuffix); err == nil {
				entry.EncryptedSize = info.Size()
			}
			meta.Files = append(meta.Files, entry)
		}
		return nil
	})
	if walkErr != nil {
		return nil, Error.Wrap(walkErr)
	}
	if err := group.Err(); err != nil {
		return nil, Error.New("%d file(s) failed to encrypt: %v", len(group), err)
	}

	sort.Slice(meta.Files, func(i, j int) bool { return meta.Files[i].Path < meta.Files[j].Path })
	if err := writeMetadata(tmp, meta); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return nil, Error.Wrap(err)
	}
	published = true
	return meta, nil
}

// DecryptDirectory restores the plaintext tree of src into dst. It fails with
// ErrKeyMismatch when the metadata names another key or when any content key
// cannot be recovered. Like EncryptDirectory, dst only appears on full
// success.
func DecryptDirectory(ctx context.Context, km *KeyMaterial, src, dst string) (*Metadata, error) {
	if !km.CanDecrypt() {
		return nil, fmt.Errorf("%w: %s key material cannot decrypt", ErrNoKey, km.Method)
	}
	meta, err := ReadMetadata(src)
	if err != nil {
		return nil, err
	}
	if meta.Method != "" && meta.Method != km.Method {
		return nil, fmt.Errorf("%w: generation uses %s encryption", ErrKeyMismatch, meta.Method)
	}
	if meta.KeyID != "" && meta.KeyID != km.KeyID() {
		return nil, fmt.Errorf("%w: generation key id %s, have %s", ErrKeyMismatch, meta.KeyID, km.KeyID())
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, Error.New("destination %s already exists", dst)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dst), ".tmp-decrypt-*")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(tmp)
		}
	}()

	var (
		group      errs.Group
		mismatched int
	)
	walkErr := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." || rel == MetadataFile {
			return nil
		}

		target := filepath.Join(tmp, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			group.Add(copySymlink(p, target))
		case !d.Type().IsRegular():
		case strings.HasSuffix(rel, FileSuffix):
			if err := DecryptFile(km, p, strings.TrimSuffix(target, FileSuffix)); err != nil {
				if errors.Is(err, ErrKeyMismatch) {
					mismatched++
				}
				group.Add(fmt.Errorf("%s: %w", filepath.ToSlash(rel), err))
			}
		default:
			group.Add(copyPlain(p, target))
		}
		return nil
	})
	if walkErr != nil {
		return nil, Error.Wrap(walkErr)
	}
	if mismatched > 0 {
		return nil, fmt.Errorf("%w: %d file(s) could not be decrypted: %w", ErrKeyMismatch, mismatched, group.Err())
	}
	if err := group.Err(); err != nil {
		return nil, Error.New("%d file(s) failed to decrypt: %v", len(group), err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return nil, Error.Wrap(err)
	}
	published = true
	return meta, nil
}

func writeMetadata(dir string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644))
}

func copyPlain(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Symlink(link, dst)
}

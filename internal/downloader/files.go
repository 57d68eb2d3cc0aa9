package downloader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9 ._-]`)

// SanitizeFileName replaces every character outside [A-Za-z0-9 ._-] with an underscore.
func SanitizeFileName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// FinalPath is where a finished download lives:
// "<dir>/<artist> - <title> [<mediaID>].<format>". The media id keeps songs
// sharing an artist and title apart.
func FinalPath(dir, artist, title, mediaID, format string) string {
	name := fmt.Sprintf("%s - %s [%s].%s",
		SanitizeFileName(artist), SanitizeFileName(title), SanitizeFileName(mediaID), SanitizeFileName(format))

	return filepath.Join(dir, name)
}

// StagingPath is the per-attempt file bytes are streamed into before promotion.
func StagingPath(finalPath, attemptID string) string {
	return finalPath + ".part-" + attemptID
}

// fileOps are the filesystem calls promotion depends on.
type fileOps struct {
	rename func(oldpath, newpath string) error
	remove func(name string) error
}

var osFileOps = fileOps{rename: os.Rename, remove: os.Remove}

// promote moves staging to final, falling back to copy-then-delete when a
// rename is not possible (e.g. across filesystems). A failed promotion
// never leaves final behind.
func (f fileOps) promote(staging, final string) error {
	if err := f.rename(staging, final); err == nil {
		return nil
	}

	if err := copyFile(staging, final); err != nil {
		_ = removeIfExists(final)

		return fmt.Errorf("failed to promote staging file: %w", err)
	}

	if err := f.remove(staging); err != nil {
		_ = removeIfExists(final)

		return fmt.Errorf("failed to remove staging file: %w", err)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// removeIfExists deletes path, ignoring a missing file.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

package fsx

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// CollisionTimeFormat is appended to a file name when the plain name is already taken.
const CollisionTimeFormat = "20060102T150405.000"

func PathExists(filePath string) (os.FileInfo, bool) {
	s, err := os.Stat(filePath)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return s, false
	}

	return s, true
}

// EnsureDir creates dir (and parents) when it does not exist yet.
func EnsureDir(dir string, perm os.FileMode) error {
	if info, exists := PathExists(dir); exists {
		if info != nil && !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}

	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("couldn't create directory %s: %w", dir, err)
	}

	return nil
}

// UniqueFilePath returns dir/name+ext, or dir/name_<timestamp>+ext when that
// path already exists.
func UniqueFilePath(dir string, name string, ext string, now time.Time) string {
	candidate := CombineFilePath(dir, name, ext)
	if _, exists := PathExists(candidate); !exists {
		return candidate
	}

	return CombineFilePath(dir, fmt.Sprintf("%s_%s", name, now.Format(CollisionTimeFormat)), ext)
}

// WriteFileAtomic writes data to a temporary file next to dst and renames it into place.
func WriteFileAtomic(dst string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("couldn't create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		CloseFile(tmp)
		RemoveFile(tmpName)
		return fmt.Errorf("couldn't write temporary file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		CloseFile(tmp)
		RemoveFile(tmpName)
		return fmt.Errorf("failed to flush temporary file: %w", err)
	}

	CloseFile(tmp)

	if err = os.Chmod(tmpName, perm); err != nil {
		RemoveFile(tmpName)
		return fmt.Errorf("couldn't set file mode: %w", err)
	}

	if err = os.Rename(tmpName, dst); err != nil {
		RemoveFile(tmpName)
		return fmt.Errorf("couldn't move file into place: %w", err)
	}

	return nil
}

func SplitFilePath(filePath string) (dir, fileNameWithoutExt, ext string) {
	dir, file := path.Split(filePath)
	ext = path.Ext(file)
	fileNameWithoutExt = strings.TrimSuffix(file, ext)
	return dir, fileNameWithoutExt, ext
}

func CombineFilePath(dir string, fileName string, ext string) string {
	return path.Join(dir, fmt.Sprintf("%s%s", fileName, ext))
}

func CloseFile(file *os.File) {
	if file == nil {
		return
	}

	if err := file.Close(); err != nil {
		fmt.Printf("warning: failed to close file: %v\n", err)
	}
}

func RemoveFile(file string) {
	if err := os.Remove(file); err != nil {
		fmt.Printf("warning: failed to remove file: %v\n", err)
	}
}

func FileMD5(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}

	defer CloseFile(file)

	hash := md5.New()
	_, err = io.Copy(hash, file)
	if err != nil {
		return "", fmt.Errorf("failed to compute hash of the file: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
